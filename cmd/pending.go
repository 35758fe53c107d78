package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/syncd/internal/logstore"
	"github.com/marcus/syncd/internal/output"
)

var pendingJSON bool

var pendingCmd = &cobra.Command{
	Use:     "pending",
	Short:   "List mutations waiting to be synced",
	Aliases: []string{"ls"},
	GroupID: "query",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := logstore.Open(getBaseDir())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer store.Close()

		entries, err := store.ListPending()
		if err != nil {
			output.Error("failed to list pending entries: %v", err)
			return err
		}

		if pendingJSON {
			return output.JSON(entries)
		}
		if len(entries) == 0 {
			output.Subtle("nothing pending")
			return nil
		}

		for _, e := range entries {
			kind := "data"
			if e.IsFile {
				kind = "file"
			}
			line := fmt.Sprintf("%s  %-6s %s/%s  %s  %s",
				e.ID[:8], e.Operation, e.EntityType, e.EntityID, kind, formatAge(e.CreatedAt))
			if e.RetryCount > 0 {
				line += fmt.Sprintf("  retries=%d", e.RetryCount)
			}
			fmt.Println(line)
			if e.LastError != "" {
				output.Subtle("          last error: %s", e.LastError)
			}
		}
		fmt.Printf("\n%d pending\n", len(entries))
		return nil
	},
}

func init() {
	pendingCmd.Flags().BoolVar(&pendingJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(pendingCmd)
}
