package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hbomb79/Crunch/internal"
	"github.com/hbomb79/Crunch/pkg/logger"
	"github.com/mitchellh/go-homedir"
)

var log = logger.Get("Main")

// main loads the user configuration, installs the signal handlers that drive
// graceful shutdown, and runs the coordinator until it stops.
func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	verbose := flag.Bool("verbose", false, "enable verbose logging")
	flag.Parse()

	if *verbose {
		logger.SetMinLoggingLevel(logger.VERBOSE.Level())
	}

	var config internal.CrunchConfig
	if err := config.Load(*configPath); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	crunch, err := internal.New(config)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to initialise Crunch: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := crunch.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Crunch stopped with error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Crunch has shut down\n")
}

func defaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "crunch", "config.yaml")
}
