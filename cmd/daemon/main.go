// The aesterisk daemon runs on a node, materializes sync snapshots from
// the server against the local container engine, and streams node and
// container telemetry back.
//
// Exit codes: 0 success, 1 configuration error, 2 encryption error,
// 3 join/shutdown error, 4 signal-listen error.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aesterisk/aesterisk/internal/daemon/agent"
	"github.com/aesterisk/aesterisk/internal/daemon/config"
	"github.com/aesterisk/aesterisk/internal/logger"
)

const (
	exitOK = iota
	exitConfig
	exitEncryption
	exitShutdown
	exitSignal
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "Path to the configuration file")
	daemonUUID := flag.String("daemon-uuid", "", "Daemon UUID (overrides the config file)")
	daemonPublicKey := flag.String("daemon-public-key", "", "Path to the daemon's public key PEM")
	daemonPrivateKey := flag.String("daemon-private-key", "", "Path to the daemon's private key PEM")
	serverURL := flag.String("server-url", "", "Server WebSocket URL")
	serverPublicKey := flag.String("server-public-key", "", "Path to the server's public key PEM")
	logsFolder := flag.String("logs-folder", "", "Folder for log files")
	flag.Parse()

	// Console-only logging until the config tells us where files go.
	logger.Initialize("aesterisk-daemon", "info", true)

	cfg, err := config.LoadOrCreate(*configPath, config.Overrides{
		DaemonUUID:       *daemonUUID,
		DaemonPublicKey:  *daemonPublicKey,
		DaemonPrivateKey: *daemonPrivateKey,
		ServerURL:        *serverURL,
		ServerPublicKey:  *serverPublicKey,
		LogsFolder:       *logsFolder,
	})
	if err != nil {
		logger.Log.Error().Err(err).Msg("Failed to load configuration")
		return exitConfig
	}

	logFile, err := logger.InitializeWithFile("daemon", "info", cfg.Logging.Folder, true)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("File logging unavailable, continuing on console only")
	} else {
		defer logFile.Close()
	}

	logger.Log.Info().Str("uuid", cfg.Daemon.UUID).Msg("Starting Aesterisk Daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Failed to initialize agent")
		return exitEncryption
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
		if err := <-done; err != nil {
			logger.Log.Error().Err(err).Msg("Error during shutdown")
			return exitShutdown
		}
	case err := <-done:
		if err != nil {
			logger.Log.Error().Err(err).Msg("Agent stopped")
			return exitShutdown
		}
	}

	logger.Log.Info().Msg("Daemon stopped")
	return exitOK
}
