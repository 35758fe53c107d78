package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus/syncd/internal/logstore"
	"github.com/marcus/syncd/internal/output"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize the local mutation log",
	Long:    `Creates the local .syncd directory and SQLite mutation log.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		// Check if already initialized
		if _, err := os.Stat(filepath.Join(baseDir, ".syncd")); err == nil {
			output.Warning(".syncd/ already exists")
			return nil
		}

		store, err := logstore.Initialize(baseDir)
		if err != nil {
			output.Error("failed to initialize mutation log: %v", err)
			return err
		}
		defer store.Close()

		fmt.Printf("INITIALIZED %s\n", filepath.Join(baseDir, ".syncd"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
