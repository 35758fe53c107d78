package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/syncd/internal/config"
	"github.com/marcus/syncd/internal/logstore"
	"github.com/marcus/syncd/internal/output"
)

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:     "purge",
	Short:   "Delete old synced entries from the log",
	GroupID: "system",
	Long: `Removes synced entries older than the retention window. Pending,
failed, and rejected entries are never purged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := logstore.Open(getBaseDir())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer store.Close()

		retention := purgeOlderThan
		if retention <= 0 {
			retention = config.GetRetention()
		}
		n, err := store.PurgeSyncedOlderThan(time.Now().Add(-retention))
		if err != nil {
			output.Error("purge failed: %v", err)
			return err
		}
		fmt.Printf("purged %d synced entries older than %s\n", n, retention)
		return nil
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "retention window (default: configured retention)")
	rootCmd.AddCommand(purgeCmd)
}
