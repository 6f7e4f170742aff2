package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Sped0n/texa/internal/config"
	"github.com/Sped0n/texa/internal/utils"
	"github.com/spf13/cobra"
)

var slotOpts config.ModelSlot

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the custom model slots in config.json",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		data, err := json.MarshalIndent(app.Settings.Settings(), "", "  ")
		if err != nil {
			utils.Die("Failed to encode configuration", err, nil)
		}
		fmt.Fprintf(os.Stderr, "📄 %s\n", app.Settings.Path())
		fmt.Println(string(data))
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <detector|recognizer|text_model>",
	Short: "Point a slot at a custom model",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := config.ParseSlotKind(args[0])
		if err != nil {
			utils.Die("Invalid slot", err, nil)
		}
		slot := slotOpts
		if err := app.Settings.SetSlot(kind, &slot); err != nil {
			utils.Die("Failed to update configuration", err, nil)
		}
		fmt.Printf("✅ %s set to %s (%s)\n", kind, slot.Name, slot.Backend)
	},
}

var configClearCmd = &cobra.Command{
	Use:   "clear <detector|recognizer|text_model>",
	Short: "Remove a custom model slot",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := config.ParseSlotKind(args[0])
		if err != nil {
			utils.Die("Invalid slot", err, nil)
		}
		if err := app.Settings.SetSlot(kind, nil); err != nil {
			utils.Die("Failed to update configuration", err, nil)
		}
		fmt.Printf("🗑️  %s cleared\n", kind)
	},
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default (empty) configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if !confirm(bufio.NewReader(os.Stdin), "⚠️  Are you sure you want to clear every model slot?") {
			return
		}
		if err := app.Settings.Reset(); err != nil {
			utils.Die("Failed to reset configuration", err, nil)
		}
		fmt.Println("✨ Configuration reset.")
	},
}

func init() {
	configSetCmd.Flags().StringVar(&slotOpts.Name, "name", "", "Model name")
	configSetCmd.Flags().StringVar(&slotOpts.Backend, "model-backend", "", "Model backend (e.g. onnx, openai)")
	configSetCmd.Flags().StringVar(&slotOpts.Dir, "dir", "", "Directory holding the model")
	configSetCmd.MarkFlagRequired("name")
	configSetCmd.MarkFlagRequired("model-backend")
	configSetCmd.MarkFlagRequired("dir")

	configCmd.AddCommand(configShowCmd, configSetCmd, configClearCmd, configResetCmd)
	rootCmd.AddCommand(configCmd)
}
