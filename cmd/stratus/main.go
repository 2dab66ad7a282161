// Package main implements the stratus binary: the runner that keeps a
// workspace's resources converged, plus its operator and permission tooling.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stratus-paas/stratus/cmd/stratus/commands"
	"github.com/stratus-paas/stratus/pkg/telemetry"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Commands replace this console logger once their telemetry config is
	// loaded.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(telemetry.ParseLevel(os.Getenv("LOG_LEVEL")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	quiet := context.AfterFunc(ctx, func() {
		log.Info().Msg("Received interrupt signal, shutting down...")
	})

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	quiet()
	stop()
	if err != nil {
		log.Error().Err(err).Msg("Command execution failed")
		os.Exit(1)
	}
}
