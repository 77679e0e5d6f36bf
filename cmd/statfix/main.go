package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gigo/statfix/cmd/statfix/commands"
	"github.com/urfave/cli/v3"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// Interrupts cancel the running command; committed users stay committed
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := &commands.CLIDependencies{Version: version}

	var cmds []*cli.Command
	cmds = append(cmds, commands.MigrationCommands(deps)...)
	cmds = append(cmds, commands.StatsCommands(deps)...)
	cmds = append(cmds, commands.TokenCommands(deps)...)
	cmds = append(cmds, commands.ProbeCommands(deps)...)
	cmds = append(cmds, commands.ExtensionCommands(deps)...)

	app := &cli.Command{
		Name:     "statfix",
		Usage:    "User statistics maintenance toolkit",
		Version:  version,
		Commands: cmds,
	}

	return app.Run(ctx, os.Args)
}
