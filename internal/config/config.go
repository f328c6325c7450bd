package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the on-disk configuration record. The file format is JSON and is
// shared with other frontends, so field names must not change.
type Config struct {
	Token                 string   `json:"token"`
	GameDetection         bool     `json:"game_detection"`
	GameListDownloadDelay int      `json:"game_list_download_delay"` // days; 0 = refresh every start
	GamesBlacklist        []string `json:"games_blacklist"`
	Proxy                 string   `json:"proxy"`
	CustomHost            string   `json:"custom_host"`
	ClientProperties      string   `json:"client_properties"` // "default" or "anonymous"
	CustomUserAgent       string   `json:"custom_user_agent"`
	RPCExternalAssets     bool     `json:"rpc_external_assets"`
	Capabilities          int      `json:"capabilities,omitempty"` // user-token capabilities mask, 0 = default
	Intents               int      `json:"intents,omitempty"`      // bot-token intent mask, 0 = default
	LegacyHost            *bool    `json:"legacy_host,omitempty"`  // nil = detect from hostname
	LogLevel              string   `json:"log_level,omitempty"`
}

// Default returns the configuration written by `presenced init`.
func Default() *Config {
	return &Config{
		GameDetection:         true,
		GameListDownloadDelay: 7,
		GamesBlacklist:        []string{},
		ClientProperties:      "default",
		RPCExternalAssets:     true,
	}
}

// Load reads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables if present
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		cfg.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration back to path. Used when the gateway hands
// out a refreshed token.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.ClientProperties != "" && c.ClientProperties != "default" && c.ClientProperties != "anonymous" {
		return fmt.Errorf("client_properties must be 'default' or 'anonymous'")
	}
	if c.GameListDownloadDelay < 0 {
		return fmt.Errorf("game_list_download_delay must not be negative")
	}
	return nil
}

// FilePath returns the config.json path inside dir.
func FilePath(dir string) string {
	return filepath.Join(dir, "config.json")
}
