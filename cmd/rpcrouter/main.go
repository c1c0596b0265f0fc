// Package main is the entry point for the rpcrouter command.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ajitpratap0/mcp-router/cmd/rpcrouter/app"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logging.NewDefault().WithError(err).Error("command failed")
		cancel()
		os.Exit(1)
	}
}
