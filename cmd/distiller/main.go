// Package main provides the distiller command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/thebtf/distiller/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("distiller failed")
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	var debug bool

	return &cli.Command{
		Name:    "distiller",
		Usage:   "Distill knowledge fragments into knowledge units",
		Version: Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "Enable debug logging",
				Sources:     cli.EnvVars("DISTILLER_DEBUG"),
				Destination: &debug,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			setupLogging(debug)
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmdWorker(),
			cmdMigrate(),
			cmdSeed(),
			cmdEnqueue(),
			cmdJobs(),
		},
	}
}

func setupLogging(debug bool) {
	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(config.Get().LogLevel); err == nil && lv != zerolog.NoLevel {
		level = lv
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
}
