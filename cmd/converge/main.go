package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/convergehq/converge/cmd/converge/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First interrupt cancels the run gracefully: in-flight steps finish
	// and completed results are committed. A second interrupt kills the
	// process.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Warn().Msg("Interrupt received, finishing in-flight steps")
		cancel()
		<-sigChan
		os.Exit(130)
	}()

	os.Exit(commands.Execute(ctx, Version, Commit, BuildDate))
}
