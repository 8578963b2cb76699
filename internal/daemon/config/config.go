// Package config loads the daemon's TOML configuration and applies
// command-line overrides on top.
//
// The file is created with defaults when missing, so a fresh node only
// needs its UUID filled in (via the file or --daemon-uuid).
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	daemonerrors "github.com/aesterisk/aesterisk/internal/daemon/errors"
)

// Config is the daemon configuration file.
type Config struct {
	Daemon  Daemon  `toml:"daemon"`
	Server  Server  `toml:"server"`
	Logging Logging `toml:"logging"`
}

// Daemon holds the daemon's own identity settings.
type Daemon struct {
	// UUID is the daemon's identity, assigned by the control plane.
	UUID string `toml:"uuid"`
	// PublicKey is the path to the daemon's RSA public key PEM.
	PublicKey string `toml:"public_key"`
	// PrivateKey is the path to the daemon's RSA private key PEM.
	PrivateKey string `toml:"private_key"`
}

// Server holds the settings for reaching the Aesterisk Server.
type Server struct {
	// URL is the server's daemon WebSocket endpoint.
	URL string `toml:"url"`
	// PublicKey is the path to the server's RSA public key PEM.
	PublicKey string `toml:"public_key"`
}

// Logging holds the logging settings.
type Logging struct {
	// Folder is where log files are written.
	Folder string `toml:"folder"`
}

// Overrides are the command-line flags that take precedence over the file.
// Empty fields leave the file value in place.
type Overrides struct {
	DaemonUUID       string
	DaemonPublicKey  string
	DaemonPrivateKey string
	ServerURL        string
	ServerPublicKey  string
	LogsFolder       string
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Daemon: Daemon{
			UUID:       "",
			PublicKey:  "daemon.pub",
			PrivateKey: "daemon.pem",
		},
		Server: Server{
			URL:       "ws://127.0.0.1:31304",
			PublicKey: "server.pub",
		},
		Logging: Logging{
			Folder: "./logs",
		},
	}
}

// LoadOrCreate reads the configuration from file (persisting the defaults
// when absent), applies the overrides and validates the result.
func LoadOrCreate(file string, overrides Overrides) (Config, error) {
	cfg := Default()

	contents, err := os.ReadFile(file)
	switch {
	case err == nil:
		if err := toml.Unmarshal(contents, &cfg); err != nil {
			return cfg, fmt.Errorf("could not parse config file: %w", err)
		}
	case os.IsNotExist(err):
		if err := save(cfg, file); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("could not read config file: %w", err)
	}

	cfg.apply(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c *Config) apply(o Overrides) {
	if o.DaemonUUID != "" {
		c.Daemon.UUID = o.DaemonUUID
	}
	if o.DaemonPublicKey != "" {
		c.Daemon.PublicKey = o.DaemonPublicKey
	}
	if o.DaemonPrivateKey != "" {
		c.Daemon.PrivateKey = o.DaemonPrivateKey
	}
	if o.ServerURL != "" {
		c.Server.URL = o.ServerURL
	}
	if o.ServerPublicKey != "" {
		c.Server.PublicKey = o.ServerPublicKey
	}
	if o.LogsFolder != "" {
		c.Logging.Folder = o.LogsFolder
	}
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if c.Daemon.UUID == "" {
		return daemonerrors.ErrMissingUUID
	}
	if c.Server.URL == "" {
		return daemonerrors.ErrMissingServerURL
	}
	return nil
}

func save(cfg Config, file string) error {
	contents, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("could not serialize config: %w", err)
	}

	if err := os.WriteFile(file, contents, 0o644); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}

	return nil
}
