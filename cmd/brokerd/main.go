package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"brokerd/internal/bootstrap"
	"brokerd/internal/config"
	"brokerd/internal/preflight"
	"brokerd/pkg/logging"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (default: $XDG_CONFIG_HOME/brokerd/config.yaml)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("brokerd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("starting brokerd",
		"version", version,
		"provider", cfg.Provider,
		"socket", cfg.Runtime.SocketPath,
	)

	if err := preflight.New(logger).Check(cfg); err != nil {
		logger.Error("preflight failed", "error", err)
		os.Exit(1)
	}

	app, err := bootstrap.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build daemon", "error", err)
		os.Exit(1)
	}

	if err := app.Run(context.Background()); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}
