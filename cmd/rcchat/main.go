package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.rcchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds server and engine settings.
type ConfigDefault struct {
	ServerURL        string `toml:"server_url"`
	Debug            bool   `toml:"debug"`
	BackgroundRooms  bool   `toml:"background_rooms"`
	PresenceInterval string `toml:"presence_interval,omitempty"`
}

// ConfigAuth holds the resume token saved by 'rcchat login'.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// Environment overrides, read after an optional .env file is loaded.
const (
	envServerURL = "RC_URL"
	envToken     = "RC_TOKEN"
	envUserID    = "RC_USER_ID"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.rcchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".rcchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies environment
// overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if v := os.Getenv(envServerURL); v != "" {
		cfg.Default.ServerURL = v
	}
	if v := os.Getenv(envToken); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv(envUserID); v != "" {
		cfg.Auth.UserID = v
	}
	return cfg, nil
}

// readConfigFile reads the file alone. Commands that write the config back
// start from here so environment overrides are never persisted.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Default: ConfigDefault{BackgroundRooms: true}}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	cfg := Config{Default: ConfigDefault{BackgroundRooms: true}}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.server_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.server_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "server_url":
			cfg.Default.ServerURL = strings.TrimRight(value, "/")
		case "debug", "background_rooms":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s expects true or false", key)
			}
			if field == "debug" {
				cfg.Default.Debug = b
			} else {
				cfg.Default.BackgroundRooms = b
			}
		case "presence_interval":
			cfg.Default.PresenceInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var debugFlag bool

// logger is replaced in PersistentPreRunE once flags and config are known.
var logger = zap.NewNop()

// newLogger builds a human-readable logger in debug mode and a quiet JSON
// logger (warnings and above, on stderr) otherwise.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "rcchat",
	Short: "Rocket.Chat terminal client",
	Long:  "Command-line client for a Rocket.Chat server.\nLog in, list rooms, read and send messages, and watch rooms live.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := newLogger(debugFlag || cfg.Default.Debug)
		if err != nil {
			return fmt.Errorf("cannot build logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Verbose logging to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
