package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/Sped0n/texa/internal/store"
	"github.com/Sped0n/texa/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded recognitions (requires --db)",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent recognitions",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db := requireDB()
		entries, err := db.List(cmd.Context(), historyLimit)
		if err != nil {
			utils.Die("Failed to list history", err, nil)
		}

		if len(entries) == 0 {
			fmt.Println("No recognitions recorded yet.")
			return
		}
		printHistory(entries)
	},
}

var historyResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop the recognition history",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db := requireDB()
		if !confirm(bufio.NewReader(os.Stdin), "⚠️  Are you sure you want to DROP the recognition history?") {
			return
		}
		fmt.Println("🗑️  Clearing history...")
		if err := db.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset history", err, nil)
		}
		fmt.Println("✨ History reset.")
	},
}

func printHistory(entries []store.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "WHEN\tIMAGE\tSOURCE\tMODE\tTOOK\tRESULT")
	fmt.Fprintln(w, "----\t-----\t------\t----\t----\t------")

	for _, e := range entries {
		result := e.Text
		if !e.Ok() {
			result = "error: " + e.Err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04"),
			utils.ShortHash(e.ImageHash),
			e.Source,
			e.Mode,
			e.Duration,
			oneLine(result, 60),
		)
	}
	w.Flush()
}

// oneLine flattens s and cuts it to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func init() {
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", store.DefaultListLimit, "How many entries to show")
	historyCmd.AddCommand(historyListCmd, historyResetCmd)
	rootCmd.AddCommand(historyCmd)
}
