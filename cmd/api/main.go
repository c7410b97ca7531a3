package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/saga-orders/internal/app"
	"github.com/ariefcatur/saga-orders/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{HTTP: true})
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("api: %v", err)
	}
}
