package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandwichfarm/murmur/internal/config"
	"github.com/sandwichfarm/murmur/internal/engine"
	"github.com/sandwichfarm/murmur/internal/ops"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("murmur %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := ops.NewLogger(&cfg.Logging)
	log.Info("starting murmur", "version", version, "profile", cfg.Profile.Dir)

	eng, err := engine.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		eng.Storage.Close()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Surface status-queue lines on the console while headless.
	go func() {
		for msg := range eng.Status() {
			log.Info(msg.Text)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	if err := eng.Shutdown(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
