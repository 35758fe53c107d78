// Package config loads syncd settings from ~/.config/syncd/config.json
// with SYNCD_* environment variable overrides.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SyncSettings holds sync-related settings.
type SyncSettings struct {
	URL                string `json:"url,omitempty"`
	Interval           string `json:"interval,omitempty"`            // duration string, default "5m"
	BackgroundInterval string `json:"background_interval,omitempty"` // duration string, default "1h"
	Background         *bool  `json:"background,omitempty"`          // nil = default true
	Retention          string `json:"retention,omitempty"`           // duration string, default "168h"
}

// Config is the global syncd config stored at ~/.config/syncd/config.json.
type Config struct {
	Sync    SyncSettings `json:"sync"`
	DataDir string       `json:"data_dir,omitempty"`
}

// AuthCredentials stores authentication state at ~/.config/syncd/auth.json.
type AuthCredentials struct {
	APIKey    string `json:"api_key"`
	ServerURL string `json:"server_url,omitempty"`
	DeviceID  string `json:"device_id"`
}

const defaultServerURL = "http://localhost:8080"

// ConfigDir returns ~/.config/syncd, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "syncd")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config. A missing file yields an empty config.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config to ~/.config/syncd/config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads auth credentials. Returns nil, nil when absent.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes auth credentials (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// GetServerURL returns the sync server URL.
// Priority: SYNCD_SERVER_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("SYNCD_SERVER_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.URL != "" {
		return cfg.Sync.URL
	}
	return defaultServerURL
}

// GetAPIKey returns the API key.
// Priority: SYNCD_API_KEY env > auth.json.
func GetAPIKey() string {
	if v := os.Getenv("SYNCD_API_KEY"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// GetDataDir returns the base directory holding the mutation log.
// Priority: SYNCD_DATA_DIR env > config.json > home dir.
func GetDataDir() (string, error) {
	if v := os.Getenv("SYNCD_DATA_DIR"); v != "" {
		return v, nil
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return home, nil
}

// GetDeviceID returns the device ID from auth.json, generating and saving
// one on first use.
func GetDeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}
	id, err := generateDeviceID()
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &AuthCredentials{}
	}
	creds.DeviceID = id
	if err := SaveAuth(creds); err != nil {
		return "", err
	}
	return id, nil
}

// generateDeviceID creates a new random device ID (16 bytes hex).
func generateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := os.Getenv(envKey)
	if v == "" {
		return nil
	}
	v = strings.ToLower(v)
	if v == "1" || v == "true" {
		b := true
		return &b
	}
	if v == "0" || v == "false" {
		b := false
		return &b
	}
	return nil
}

func durationSetting(envKey, fileValue string, def time.Duration) time.Duration {
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if fileValue != "" {
		if d, err := time.ParseDuration(fileValue); err == nil {
			return d
		}
	}
	return def
}

// GetSyncInterval returns the foreground cycle period.
// Priority: SYNCD_INTERVAL env > config.json sync.interval > 5m
func GetSyncInterval() time.Duration {
	cfg, _ := LoadConfig()
	var fileValue string
	if cfg != nil {
		fileValue = cfg.Sync.Interval
	}
	return durationSetting("SYNCD_INTERVAL", fileValue, 5*time.Minute)
}

// GetBackgroundInterval returns the background cycle period.
// Priority: SYNCD_BACKGROUND_INTERVAL env > config.json sync.background_interval > 1h
func GetBackgroundInterval() time.Duration {
	cfg, _ := LoadConfig()
	var fileValue string
	if cfg != nil {
		fileValue = cfg.Sync.BackgroundInterval
	}
	return durationSetting("SYNCD_BACKGROUND_INTERVAL", fileValue, time.Hour)
}

// GetBackgroundEnabled returns whether background sync is scheduled.
// Priority: SYNCD_BACKGROUND env > config.json sync.background > true
func GetBackgroundEnabled() bool {
	if v := parseBoolEnv("SYNCD_BACKGROUND"); v != nil {
		return *v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Background != nil {
		return *cfg.Sync.Background
	}
	return true
}

// GetRetention returns how long synced entries are kept before purge.
// Priority: SYNCD_RETENTION env > config.json sync.retention > 7 days
func GetRetention() time.Duration {
	cfg, _ := LoadConfig()
	var fileValue string
	if cfg != nil {
		fileValue = cfg.Sync.Retention
	}
	return durationSetting("SYNCD_RETENTION", fileValue, 7*24*time.Hour)
}
