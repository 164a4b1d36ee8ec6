// ABOUTME: Entry point for the relaygate relay gateway server
// ABOUTME: Loads configuration, sets up logging, and runs the gateway until signalled

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                        _
  _ __ ___| | __ _ _   _  __ _  __ _| |_ ___
 | '__/ _ \ |/ _' | | | |/ _' |/ _' | __/ _ \
 | | |  __/ | (_| | |_| | (_| | (_| | ||  __/
 |_|  \___|_|\__,_|\__, |\__, |\__,_|\__\___|
                   |___/ |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RELAYGATE_CONFIG env var > XDG_CONFIG_HOME/relaygate/gateway.yaml
// > ~/.config/relaygate/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAYGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relaygate", "gateway.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Instance: %s\n", cfg.InstanceID())
	if cfg.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Redis:    %s\n", cfg.Redis.Addr)
	}
	fmt.Println()

	logger.Info("starting relaygate",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"instance", cfg.InstanceID(),
		"redis_enabled", cfg.Redis.Enabled,
	)

	return gateway.New(cfg, logger).Run(ctx)
}

// loadConfig reads the config file, falling back to defaults when none
// exists so a bare `relaygate` still serves on the default port.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("loading config: %w", err)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
