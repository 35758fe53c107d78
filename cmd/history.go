package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/syncd/internal/logstore"
	"github.com/marcus/syncd/internal/output"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:     "history [entry-id]",
	Short:   "Show sync attempt history",
	Aliases: []string{"hist"},
	Long: `Without arguments, shows the most recent sync attempts across all
entries. With an entry ID, shows that entry's attempts oldest first.`,
	GroupID: "query",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := logstore.Open(getBaseDir())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer store.Close()

		var records []logstore.AttemptRecord
		if len(args) == 1 {
			records, err = store.EntryHistory(args[0])
		} else {
			records, err = store.History(historyLimit)
		}
		if err != nil {
			output.Error("failed to read history: %v", err)
			return err
		}

		if historyJSON {
			return output.JSON(records)
		}
		if len(records) == 0 {
			output.Subtle("no sync attempts recorded")
			return nil
		}

		for _, r := range records {
			line := fmt.Sprintf("%s  %-8s %s", r.AttemptedAt.Local().Format("2006-01-02 15:04:05"), r.Outcome, r.EntryID[:8])
			if r.Detail != "" {
				line += "  " + r.Detail
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum attempts to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(historyCmd)
}
