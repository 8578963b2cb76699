// The aesterisk server is the control-plane hub: it accepts WebSocket
// connections from daemons and web clients, brokers telemetry fan-out from
// the former to the latter, and pushes desired-state sync snapshots to
// daemons from the relational store.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aesterisk/aesterisk/internal/encryption"
	"github.com/aesterisk/aesterisk/internal/logger"
	"github.com/aesterisk/aesterisk/internal/server/config"
	"github.com/aesterisk/aesterisk/internal/server/db"
	"github.com/aesterisk/aesterisk/internal/server/dispatch"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadOrCreate(*configPath)
	if err != nil {
		logger.Initialize("aesterisk-server", "info", true)
		logger.Log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logFile, err := logger.InitializeWithFile("server", cfg.Logging.Level, cfg.Logging.Folder, cfg.Logging.Pretty)
	if err != nil {
		logger.Initialize("aesterisk-server", cfg.Logging.Level, cfg.Logging.Pretty)
		logger.Log.Warn().Err(err).Msg("File logging unavailable, continuing on console only")
	} else {
		defer logFile.Close()
	}

	logger.Log.Info().Msg("Starting Aesterisk Server")

	privatePEM, err := os.ReadFile(cfg.Server.PrivateKey)
	if err != nil {
		logger.Log.Error().Err(err).Str("path", cfg.Server.PrivateKey).Msg("Failed to read private key file")
		os.Exit(1)
	}

	decrypter, err := encryption.NewDecrypter(privatePEM)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Failed to initialize decrypter")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		logger.Log.Error().Err(err).Msg("Failed to initialize database connection")
		os.Exit(1)
	}
	defer database.Close()

	state := dispatch.NewState()

	daemonListener := dispatch.NewListener(cfg.Sockets.Daemon, dispatch.NewDaemonServer(state, database), decrypter)
	webListener := dispatch.NewListener(cfg.Sockets.Web, dispatch.NewWebServer(state, database), decrypter)

	errs := make(chan error, 2)

	logger.Log.Info().Str("addr", cfg.Sockets.Daemon).Msg("Starting daemon server")
	go func() { errs <- daemonListener.Run(ctx) }()

	logger.Log.Info().Str("addr", cfg.Sockets.Web).Msg("Starting web server")
	go func() { errs <- webListener.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
		state.Shutdown()
		<-errs
		<-errs
	case err := <-errs:
		if err != nil {
			logger.Log.Error().Err(err).Msg("Listener failed")
			cancel()
			<-errs
			os.Exit(1)
		}
	}

	logger.Log.Warn().Msg("Internal servers are down, exiting")
}
