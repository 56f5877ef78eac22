// Package main provides the entry point for the omnisci-server binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/YarShev/omniscidb/internal/server"
	"github.com/YarShev/omniscidb/pkg/config"
	"github.com/YarShev/omniscidb/pkg/engine"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address, overrides the configured one")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func loadConfig(opts serverOptions) (*config.SystemConfig, error) {
	if opts.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(opts.configPath)
}

func newLogger(cfg *config.SystemConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.JSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	return slog.New(handler)
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("omnisci-server version %s\n", Version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx := setupSignalHandler()

	eng, err := engine.New(
		engine.WithConfig(cfg),
		engine.WithVersion(Version),
		engine.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop(context.Background())
		return fmt.Errorf("starting engine: %w", err)
	}

	srv := server.New(eng, log)
	serveErr := srv.Run(ctx)

	if err := eng.Stop(context.Background()); err != nil {
		log.Error("engine shutdown failed", "error", err)
	}
	if serveErr != nil {
		return fmt.Errorf("serving: %w", serveErr)
	}
	return nil
}
