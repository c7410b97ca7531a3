package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/saga-orders/internal/app"
	"github.com/ariefcatur/saga-orders/internal/config"
	"github.com/ariefcatur/saga-orders/internal/saga"
)

// The payment service consumes payment_queue and owns wallet debits and
// refunds.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Roles: []saga.Role{saga.RolePayments}})
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("payments: %v", err)
	}
}
