package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/syncd/internal/config"
	"github.com/marcus/syncd/internal/connectivity"
	"github.com/marcus/syncd/internal/engine"
	"github.com/marcus/syncd/internal/logging"
	"github.com/marcus/syncd/internal/logstore"
	"github.com/marcus/syncd/internal/output"
	"github.com/marcus/syncd/internal/scheduler"
	"github.com/marcus/syncd/internal/transport"
)

var runForeground bool

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Run the sync daemon",
	Aliases: []string{"daemon"},
	Long: `Runs the sync engine until interrupted: periodic sync cycles, a
connectivity probe against the server's health endpoint, and daily purge
of old synced entries. Logs go to .syncd/syncd.log unless --foreground
is set.`,
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		level := logging.ParseLevel(os.Getenv("SYNCD_LOG_LEVEL"))
		if debugFlag {
			level = slog.LevelDebug
		}
		if !runForeground {
			logFile := logging.SetupDaemon(baseDir, level)
			defer logFile.Close()
		}
		logger := slog.Default()

		store, err := logstore.Open(baseDir)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer store.Close()

		deviceID, err := config.GetDeviceID()
		if err != nil {
			return fmt.Errorf("cannot determine device id: %w", err)
		}
		client := transport.New(config.GetServerURL(), config.GetAPIKey(), deviceID)

		prober := connectivity.New(func(ctx context.Context) error {
			_, err := client.HealthCheck(ctx)
			return err
		}, 30*time.Second, logger)
		prober.Start()
		defer prober.Stop()

		eng, err := engine.Initialize(engine.Config{
			Store:        store,
			Transport:    client,
			Connectivity: prober,
			Scheduler: scheduler.Config{
				Interval:           config.GetSyncInterval(),
				BackgroundInterval: config.GetBackgroundInterval(),
			},
			BackgroundSync: config.GetBackgroundEnabled(),
			Retention:      config.GetRetention(),
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("daemon started", "server", config.GetServerURL(), "device", deviceID)
		if runForeground {
			fmt.Println("syncd running, press Ctrl-C to stop")
		}

		// Purge synced entries past retention once a day.
		purge := time.NewTicker(24 * time.Hour)
		defer purge.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("daemon stopping")
				return nil
			case <-purge.C:
				n, err := eng.Purge()
				if err != nil {
					logger.Warn("purge failed", "error", err)
				} else if n > 0 {
					logger.Info("purged synced entries", "count", n)
				}
			}
		}
	},
}

func init() {
	runCmd.Flags().BoolVar(&runForeground, "foreground", false, "log to stderr instead of the log file")
	rootCmd.AddCommand(runCmd)
}
