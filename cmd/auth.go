package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/syncd/internal/config"
	"github.com/marcus/syncd/internal/output"
)

var (
	authServer string
	authKey    string
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Store sync server credentials",
	GroupID: "system",
	Long: `Saves the server URL and API key to ~/.config/syncd/auth.json.
Environment variables SYNCD_SERVER_URL and SYNCD_API_KEY take precedence
over stored credentials.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if authKey == "" {
			output.Error("--key is required")
			return fmt.Errorf("missing --key")
		}

		creds, err := config.LoadAuth()
		if err != nil {
			output.Error("failed to read existing credentials: %v", err)
			return err
		}
		if creds == nil {
			creds = &config.AuthCredentials{}
		}
		creds.APIKey = authKey
		if authServer != "" {
			creds.ServerURL = authServer
		}
		if err := config.SaveAuth(creds); err != nil {
			output.Error("failed to save credentials: %v", err)
			return err
		}

		output.Success("credentials saved")
		return nil
	},
}

func init() {
	authCmd.Flags().StringVar(&authServer, "server", "", "sync server URL")
	authCmd.Flags().StringVar(&authKey, "key", "", "API key")
	rootCmd.AddCommand(authCmd)
}
