// Package config loads the bootstrap configuration. Only what is needed to
// open the profile lives here; runtime settings are stored inside the
// database and read through the storage layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	nostrx "github.com/sandwichfarm/murmur/internal/nostr"
)

// Config is the on-disk bootstrap configuration.
type Config struct {
	Profile Profile `yaml:"profile"`
	Relays  Relays  `yaml:"relays"`
	Logging Logging `yaml:"logging"`
}

// Profile locates the per-user state directory holding the database
// environment.
type Profile struct {
	Dir string `yaml:"dir"`
}

// Relays lists the seed relays the engine adds to the relay table each
// time it starts.
type Relays struct {
	Seeds []string `yaml:"seeds"`
}

// Logging configures the slog handler.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

func defaultConfig() *Config {
	return &Config{
		Relays: Relays{
			Seeds: []string{
				"wss://relay.damus.io",
				"wss://relay.nostr.band",
				"wss://nos.lol",
			},
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultProfileDir is used when the config names no profile directory.
func DefaultProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".murmur"
	}
	return filepath.Join(home, ".local", "share", "murmur")
}

// Load reads and validates the configuration file. An empty path yields
// the defaults; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if cfg.Profile.Dir == "" {
		cfg.Profile.Dir = DefaultProfileDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}

	normalized := make([]string, 0, len(c.Relays.Seeds))
	for _, seed := range c.Relays.Seeds {
		u, err := nostrx.NormalizeRelayURL(seed)
		if err != nil {
			return fmt.Errorf("invalid seed relay: %w", err)
		}
		normalized = append(normalized, u)
	}
	c.Relays.Seeds = normalized

	return nil
}
