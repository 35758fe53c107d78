package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/syncd/internal/config"
	"github.com/marcus/syncd/internal/output"
)

var configJSON bool

// settable config keys mapped to fields of ~/.config/syncd/config.json
var configKeys = []string{"url", "interval", "background_interval", "background", "retention", "data_dir"}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Show or change configuration",
	GroupID: "system",
	Long: `Without arguments, prints the settings the engine would run with:
file values from ~/.config/syncd/config.json with SYNCD_* environment
overrides applied. Use the get and set subcommands to read and write
individual file settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, err := config.GetDeviceID()
		if err != nil {
			output.Error("cannot determine device id: %v", err)
			return err
		}
		dataDir := getBaseDir()

		effective := map[string]any{
			"server_url":          config.GetServerURL(),
			"device_id":           deviceID,
			"data_dir":            dataDir,
			"sync_interval":       config.GetSyncInterval().String(),
			"background_interval": config.GetBackgroundInterval().String(),
			"background_enabled":  config.GetBackgroundEnabled(),
			"retention":           config.GetRetention().String(),
		}
		if configJSON {
			return output.JSON(effective)
		}

		fmt.Printf("server URL:           %s\n", config.GetServerURL())
		fmt.Printf("device ID:            %s\n", deviceID)
		fmt.Printf("data dir:             %s\n", dataDir)
		fmt.Printf("sync interval:        %s\n", config.GetSyncInterval())
		fmt.Printf("background interval:  %s\n", config.GetBackgroundInterval())
		fmt.Printf("background enabled:   %t\n", config.GetBackgroundEnabled())
		fmt.Printf("retention:            %s\n", config.GetRetention())
		if config.GetAPIKey() == "" {
			output.Warning("no API key configured (set SYNCD_API_KEY or run 'syncd auth')")
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one config file setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			output.Error("failed to load config: %v", err)
			return err
		}
		v, err := configValue(cfg, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one config file setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			output.Error("failed to load config: %v", err)
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			output.Error("%v", err)
			return err
		}
		if err := config.SaveConfig(cfg); err != nil {
			output.Error("failed to save config: %v", err)
			return err
		}
		output.Success("%s = %s", args[0], args[1])
		return nil
	},
}

func configValue(cfg *config.Config, key string) (string, error) {
	switch key {
	case "url":
		return cfg.Sync.URL, nil
	case "interval":
		return cfg.Sync.Interval, nil
	case "background_interval":
		return cfg.Sync.BackgroundInterval, nil
	case "background":
		if cfg.Sync.Background == nil {
			return "", nil
		}
		return fmt.Sprintf("%t", *cfg.Sync.Background), nil
	case "retention":
		return cfg.Sync.Retention, nil
	case "data_dir":
		return cfg.DataDir, nil
	}
	return "", fmt.Errorf("unknown key %q (valid: %v)", key, configKeys)
}

func setConfigValue(cfg *config.Config, key, value string) error {
	// Duration-valued keys are validated before they hit the file so a
	// typo cannot silently knock the engine back to its defaults.
	validDuration := func() error {
		_, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%q is not a duration (try 5m, 1h): %w", value, err)
		}
		return nil
	}
	switch key {
	case "url":
		cfg.Sync.URL = value
	case "interval":
		if err := validDuration(); err != nil {
			return err
		}
		cfg.Sync.Interval = value
	case "background_interval":
		if err := validDuration(); err != nil {
			return err
		}
		cfg.Sync.BackgroundInterval = value
	case "background":
		switch value {
		case "true", "false":
			b := value == "true"
			cfg.Sync.Background = &b
		default:
			return fmt.Errorf("background must be true or false, got %q", value)
		}
	case "retention":
		if err := validDuration(); err != nil {
			return err
		}
		cfg.Sync.Retention = value
	case "data_dir":
		cfg.DataDir = value
	default:
		return fmt.Errorf("unknown key %q (valid: %v)", key, configKeys)
	}
	return nil
}

func init() {
	configCmd.Flags().BoolVar(&configJSON, "json", false, "output as JSON")
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
