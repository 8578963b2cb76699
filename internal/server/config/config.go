// Package config loads the Server's TOML configuration. A missing file is
// replaced with the defaults, which are written back so the operator has a
// template to edit.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the Server configuration file.
type Config struct {
	Server  Server  `toml:"server"`
	Sockets Sockets `toml:"sockets"`
	Logging Logging `toml:"logging"`
}

// Server holds the server identity settings.
type Server struct {
	// WebURL is the URL of the web (frontend) server.
	WebURL string `toml:"web_url"`
	// PrivateKey is the path to the server's RSA private key PEM.
	PrivateKey string `toml:"private_key"`
}

// Sockets holds the two listener bind addresses.
type Sockets struct {
	// Web is the address the web listener binds to.
	Web string `toml:"web"`
	// Daemon is the address the daemon listener binds to.
	Daemon string `toml:"daemon"`
}

// Logging holds the logging settings.
type Logging struct {
	// Folder is where log files are written.
	Folder string `toml:"folder"`
	// Level is the minimum level to log.
	Level string `toml:"level"`
	// Pretty selects human-readable console output over JSON.
	Pretty bool `toml:"pretty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server: Server{
			WebURL:     "http://127.0.0.1:3000",
			PrivateKey: "private.pem",
		},
		Sockets: Sockets{
			Web:    "127.0.0.1:31306",
			Daemon: "127.0.0.1:31304",
		},
		Logging: Logging{
			Folder: "./logs",
			Level:  "info",
			Pretty: false,
		},
	}
}

// LoadOrCreate reads the configuration from file, falling back to (and
// persisting) the defaults when the file does not exist. A file that fails
// to parse is an error.
func LoadOrCreate(file string) (Config, error) {
	cfg := Default()

	contents, err := os.ReadFile(file)
	if err == nil {
		if err := toml.Unmarshal(contents, &cfg); err != nil {
			return cfg, fmt.Errorf("could not parse config file: %w", err)
		}
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("could not read config file: %w", err)
	}

	if err := save(cfg, file); err != nil {
		return cfg, err
	}

	return cfg, nil
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
