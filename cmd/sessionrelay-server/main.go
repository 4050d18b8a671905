// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// sessionrelay-server watches a directory of coding-agent session logs,
// tails each one as it grows, and relays live records and state over a
// bidirectional WebSocket channel to at most one subscribed mobile
// device per session. Devices pair by scanning a QR code served at
// /api/auth/qr and redeeming the enrollment token at /api/auth/mobile.
//
// On startup:
//  1. Loads configuration from an optional YAML file and environment
//     variables, environment variables taking precedence.
//  2. Starts the directory watcher, session registry, state classifier,
//     auth service, subscription broker, and HTTP/WebSocket surface.
//  3. Discovers and tails every existing session log, then watches for
//     new ones.
//  4. Serves until SIGINT/SIGTERM, then shuts down gracefully.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sessionrelay/sessionrelay/internal/config"
	"github.com/sessionrelay/sessionrelay/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
		showHelp    bool
	)

	flagSet := pflag.NewFlagSet("sessionrelay-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file (overridden by SESSIONRELAY_* env vars)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolVarP(&showHelp, "help", "h", false, "show this help message")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showHelp {
		fmt.Fprintf(os.Stdout, "Usage: sessionrelay-server [flags]\n\n")
		flagSet.PrintDefaults()
		return nil
	}
	if showVersion {
		version.Print("sessionrelay-server")
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := newRelay(cfg, logger)
	return relay.Run(ctx)
}
