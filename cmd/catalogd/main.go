package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/app"
	"github.com/ternarybob/catalogd/internal/common"
)

var (
	configPath   = flag.String("config", "", "Configuration file path (default: auto-discover catalogd.toml)")
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Catalogd version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Startup order: config (defaults -> file -> env -> CLI), logger, banner
	path := *configPath
	if path == "" {
		path = common.DiscoverConfigFile()
	}

	config, err := common.LoadConfig(path)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Str("path", path).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if *serverPort != 0 {
		config.Server.Port = *serverPort
	}
	if *serverHost != "" {
		config.Server.Host = *serverHost
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Str("config_file", path).
		Str("environment", config.Environment).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Msg("Configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- application.Start()
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d%s", config.Server.Host, config.Server.Port, config.Server.APIPrefix)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("Server exited with error")
			application.Shutdown(context.Background())
			os.Exit(1)
		}
	}

	if err := application.Shutdown(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Shutdown failed")
		os.Exit(1)
	}
}
