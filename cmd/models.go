package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/Sped0n/texa/internal/files"
	"github.com/Sped0n/texa/internal/utils"
	"github.com/spf13/cobra"
)

var downloadAll bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage the encoder, decoder and tokenizer files",
}

var modelsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which model files are present",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printModelStatus(app.Files)
	},
}

var modelsImportCmd = &cobra.Command{
	Use:   "import <encoder|decoder|tokenizer> <path>",
	Short: "Copy a local file in as one of the model files",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ft, err := files.ParseFileType(args[0])
		if err != nil {
			utils.Die("Invalid model file type", err, nil)
		}
		if err := app.Files.Import(ft, args[1]); err != nil {
			utils.Die("Import failed", err, nil)
		}
		fmt.Printf("✅ Imported %s from %s\n", ft, args[1])
	},
}

var modelsRemoveCmd = &cobra.Command{
	Use:   "remove <encoder|decoder|tokenizer>",
	Short: "Delete one of the model files",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ft, err := files.ParseFileType(args[0])
		if err != nil {
			utils.Die("Invalid model file type", err, nil)
		}
		if err := app.Files.Remove(ft); err != nil {
			utils.Die("Remove failed", err, nil)
		}
		fmt.Printf("🗑️  Removed %s\n", ft)
	},
}

var modelsDownloadCmd = &cobra.Command{
	Use:   "download [encoder|decoder|tokenizer]...",
	Short: "Fetch model files from " + files.ModelRepository,
	Long:  "Downloads the named files, or every missing file when none are named. Use --all to refetch everything.",
	Run: func(cmd *cobra.Command, args []string) {
		var wanted []files.FileType
		switch {
		case len(args) > 0:
			for _, a := range args {
				ft, err := files.ParseFileType(a)
				if err != nil {
					utils.Die("Invalid model file type", err, nil)
				}
				wanted = append(wanted, ft)
			}
		case downloadAll:
			wanted = files.AllTypes
		default:
			wanted = app.Files.Missing()
		}

		if len(wanted) == 0 {
			fmt.Println("✨ All model files are present.")
			return
		}

		if err := app.Files.Download(cmd.Context(), wanted); err != nil {
			printModelStatus(app.Files)
			utils.Die("Download failed", err, nil)
		}
		fmt.Println("✅ Download complete.")
		printModelStatus(app.Files)
	},
}

func printModelStatus(fm *files.Manager) {
	status := fm.Status()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TYPE\tPRESENT\tPATH")
	fmt.Fprintln(w, "----\t-------\t----")
	for _, ft := range files.AllTypes {
		mark := "no"
		if status[ft] {
			mark = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", ft, mark, fm.Path(ft))
	}
	w.Flush()
}

func init() {
	modelsDownloadCmd.Flags().BoolVar(&downloadAll, "all", false, "Download every file, even ones already present")
	modelsCmd.AddCommand(modelsStatusCmd, modelsImportCmd, modelsRemoveCmd, modelsDownloadCmd)
	rootCmd.AddCommand(modelsCmd)
}
