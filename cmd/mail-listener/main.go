package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cotamatch/internal/app"
	"cotamatch/internal/config"
	"cotamatch/internal/logger"
)

func main() {
	cfg, err := config.Load()
	must(err)
	log, err := logger.New(cfg.LogMode)
	must(err)

	a, err := app.New(cfg, log)
	must(err)
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	must(a.Listener.Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
