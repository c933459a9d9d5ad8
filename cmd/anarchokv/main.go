package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"

	"github.com/awinterman/anarchokv/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := server.Run(ctx, os.Args[1:])
	if errors.Is(err, arg.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("exiting;", "error", err)
		os.Exit(1)
	}
}
