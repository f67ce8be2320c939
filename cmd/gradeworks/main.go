package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gradeworks/gradeworks/cmd/gradeworks/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := commands.NewCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
