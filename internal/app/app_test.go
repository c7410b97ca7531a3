package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/saga-orders/internal/config"
	"github.com/ariefcatur/saga-orders/internal/orders"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	return config.Config{
		HTTPAddr:              "127.0.0.1:0",
		ServiceName:           "saga-app-test",
		StoreDriver:           "memory",
		BusDriver:             "memory",
		RedisURL:              "redis://" + mr.Addr(),
		OrderRetryMaxAttempts: 3,
		OrderRetryBaseDelay:   10 * time.Millisecond,
		OrderRetryMaxDelay:    50 * time.Millisecond,
		HandlerRetryAttempts:  2,
		SagaDeadline:          time.Minute,
		SweepInterval:         time.Second,
		OutboxPollInterval:    10 * time.Millisecond,
		OutboxBatch:           10,
		LogLevel:              "error",
		LogFormat:             "json",
	}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestApp_OrderApprovedEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, memoryConfig(t), Options{HTTP: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	if r := post(t, srv.URL+"/products", `{"name":"widget","quantity":5,"price_cents":10}`); r.StatusCode != http.StatusCreated {
		t.Fatalf("create product: %d", r.StatusCode)
	}
	if r := post(t, srv.URL+"/users", `{"name":"ann","wallet_cents":100}`); r.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d", r.StatusCode)
	}
	if r := post(t, srv.URL+"/orders", `{"product_id":1,"user_id":1,"quantity":3}`); r.StatusCode != http.StatusAccepted {
		t.Fatalf("create order: %d", r.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/orders/1")
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		var o orders.Order
		_ = json.NewDecoder(resp.Body).Decode(&o)
		resp.Body.Close()
		if o.Status == orders.StatusApproved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order not approved in time, status %q", o.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestApp_RejectsUnreachableRedis(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.RedisURL = "redis://127.0.0.1:1/0"
	if _, err := New(context.Background(), cfg, Options{}); err == nil {
		t.Fatalf("expected error for unreachable redis")
	}
}
