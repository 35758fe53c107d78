package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/syncd/internal/logstore"
	"github.com/marcus/syncd/internal/models"
	"github.com/marcus/syncd/internal/output"
	"github.com/marcus/syncd/internal/retry"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show mutation log statistics",
	Aliases: []string{"st"},
	GroupID: "query",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := logstore.Open(getBaseDir())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer store.Close()

		maxAttempts := retry.DefaultConfig().MaxAttempts
		stats, err := store.GetStatistics(maxAttempts)
		if err != nil {
			output.Error("failed to read statistics: %v", err)
			return err
		}

		if statusJSON {
			return output.JSON(stats)
		}

		fmt.Printf("Status:    %s\n", output.FormatStatus(deriveStatus(stats)))
		fmt.Printf("Pending:   %d", stats.Pending)
		if stats.PendingFiles > 0 {
			fmt.Printf(" (%d files)", stats.PendingFiles)
		}
		fmt.Println()
		fmt.Printf("Synced:    %d\n", stats.Synced)
		if stats.Failed > 0 {
			fmt.Printf("Failed:    %d\n", stats.Failed)
		}
		if stats.Exhausted > 0 {
			fmt.Printf("Exhausted: %d (waiting for recovery)\n", stats.Exhausted)
		}
		if stats.Rejected > 0 {
			fmt.Printf("Rejected:  %d\n", stats.Rejected)
		}
		if stats.OldestPendingAt != nil {
			fmt.Printf("Oldest:    %s\n", formatAge(*stats.OldestPendingAt))
		}
		return nil
	},
}

// deriveStatus maps log statistics to a coarse status for one-shot CLI use;
// the live state machine only exists inside a running daemon.
func deriveStatus(stats models.Statistics) models.Status {
	switch {
	case stats.Exhausted > 0:
		return models.StatusDegraded
	case stats.Failed > 0:
		return models.StatusError
	case stats.Pending > 0:
		return models.StatusSyncing
	default:
		return models.StatusIdle
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
