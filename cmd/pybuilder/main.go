// Package main provides the pybuilder CLI for cross-compiling Python packages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Opentrons/opentrons-python-packages/internal/external-adapters/zlog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// an interrupt cancels the context, which kills running build shells
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	command := os.Args[1]

	// Dispatch to subcommand
	var code int
	switch command {
	case "build":
		code = runBuild(ctx, os.Args[2:])
	case "list":
		code = runList(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		code = 1
	}
	stop()
	os.Exit(code)
}

func printUsage() {
	fmt.Println(`pybuilder - Cross-compile Python packages into wheels

Usage:
  pybuilder <command> [options]

Commands:
  build             Build one or more packages from their recipes
  list              List available package recipes

Use "pybuilder <command> --help" for more information about a command.`)
}

func newLogger(cfg Config) (*zlog.Logger, error) {
	return zlog.New(os.Stderr, zlog.Options{
		Level:   cfg.LogLevel,
		Console: isTerminal(os.Stderr),
	})
}
