package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"chatgateway/internal/auth"
	"chatgateway/internal/config"
	"chatgateway/internal/discovery"
	"chatgateway/internal/gateway"
	"chatgateway/internal/session"
	"chatgateway/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel(cfg.LogLevel),
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(logger)

	var credStore auth.CredentialStore
	if cfg.StorePath != "" {
		s, err := store.Open(cfg.StorePath)
		if err != nil {
			logger.Error("failed to open credential store", "path", cfg.StorePath, "error", err)
			os.Exit(1)
		}
		credStore = s
	}

	authMgr, err := auth.NewManager(auth.Config{
		MinPasswordLength: cfg.Auth.MinPasswordLength,
		TokenTTL:          cfg.Auth.TokenTTL,
		SweepInterval:     cfg.Auth.SweepInterval,
	}, credStore, logger)
	if err != nil {
		logger.Error("failed to initialize auth manager", "error", err)
		os.Exit(1)
	}
	defer authMgr.Close()

	sessions := session.NewManager(session.Config{
		MaxAge:            cfg.Session.MaxAge,
		InactiveThreshold: cfg.Session.InactiveThreshold,
		SweepInterval:     cfg.Session.SweepInterval,
	}, logger)
	defer sessions.Close()

	router := gateway.NewRouter(logger)

	var disc gateway.Announcer
	if cfg.Discovery.Enabled {
		disc = discovery.NewService(discovery.Config{
			ServiceName:  cfg.Discovery.ServiceName,
			InstanceName: cfg.Discovery.InstanceName,
			Port:         cfg.Port,
			Backends:     cfg.Discovery.Backends,
			PeerTTL:      cfg.Discovery.PeerTTL,
		}, logger)
	}

	server := gateway.NewServer(gateway.ServerConfig{
		Host:              cfg.Host,
		Port:              cfg.Port,
		MaxConnections:    cfg.MaxConnections,
		MaxMessageSize:    cfg.MaxMessageSize,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AllowedOrigins:    cfg.AllowedOrigins,
	}, sessions, authMgr, router, disc, logger)

	if err := server.Start(); err != nil {
		logger.Error("failed to start gateway", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	server.Stop()
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
