package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/covault/covaultd/internal/config"
)

func main() {
	app := cli.NewApp()
	app.Name = "covaultd"
	app.Usage = "collaborative custody chain tracker and co-signing daemon"
	app.Flags = config.Flags
	app.Action = start

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func start(c *cli.Context) error {
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}
	log.Debugf("config: %s", cfg)

	tracker, err := cfg.TrackerService()
	if err != nil {
		return fmt.Errorf("failed to create tracker service: %s", err)
	}

	log.Info("starting service...")
	if err := tracker.Start(); err != nil {
		return fmt.Errorf("failed to start tracker service: %s", err)
	}

	log.RegisterExitHandler(tracker.Stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(
		sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP, os.Interrupt,
	)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
	return nil
}
