package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/marcus/syncd/internal/config"
	"github.com/marcus/syncd/internal/dispatch"
	"github.com/marcus/syncd/internal/logstore"
	"github.com/marcus/syncd/internal/output"
	"github.com/marcus/syncd/internal/retry"
	"github.com/marcus/syncd/internal/status"
	"github.com/marcus/syncd/internal/transport"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run one sync cycle now",
	Aliases: []string{"push"},
	Long: `Pushes all eligible pending mutations to the sync server in a single
cycle and reports the outcome. Entries inside their backoff window are
skipped; entries the server rejects are marked terminal and not retried.`,
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := logstore.Open(getBaseDir())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer store.Close()

		deviceID, err := config.GetDeviceID()
		if err != nil {
			output.Error("cannot determine device id: %v", err)
			return err
		}
		client := transport.New(config.GetServerURL(), config.GetAPIKey(), deviceID)

		policy := retry.NewPolicy(retry.DefaultConfig())
		machine := status.New(policy, status.Config{Logger: slog.Default()})
		defer machine.Close()

		d := dispatch.New(store, client, policy, machine, dispatch.DefaultConfig(), slog.Default())
		report, err := d.RunCycle(cmd.Context())
		printReport(report)
		if err != nil {
			output.Error("sync failed: %v", err)
			return err
		}
		return nil
	},
}

func printReport(r dispatch.CycleReport) {
	fmt.Printf("sent %d", r.Sent)
	if r.Failed > 0 {
		fmt.Printf(", failed %d", r.Failed)
	}
	if r.Rejected > 0 {
		fmt.Printf(", rejected %d", r.Rejected)
	}
	fmt.Printf(" (%d data batches, %d file batches)", r.DataBatches, r.FileBatches)
	if r.Aborted {
		fmt.Print(" [aborted]")
	}
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
