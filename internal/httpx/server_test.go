package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/memstore"
	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/payments"
	"github.com/ariefcatur/saga-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
)

type fixture struct {
	router http.Handler
	store  *memstore.Store
	status *redisx.StatusCache
}

func newFixture(t *testing.T, withRedis bool) fixture {
	t.Helper()
	ms := memstore.New()
	d := Deps{
		Service:  "api-test",
		Orders:   orders.NewService(ms.Orders(), "api-test", nil),
		Payments: payments.NewService(ms.Payments()),
		Catalog:  inventory.NewCatalog(ms),
	}
	if withRedis {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		d.Status = redisx.NewStatusCache(rdb, nil)
		d.Idem = redisx.NewIdempotency(rdb)
	}
	return fixture{router: NewRouter(d), store: ms, status: d.Status}
}

func (f fixture) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f fixture) seed(t *testing.T) {
	t.Helper()
	if rec := f.do(t, http.MethodPost, "/products", `{"name":"widget","quantity":5,"price_cents":1000}`); rec.Code != http.StatusCreated {
		t.Fatalf("create product: %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodPost, "/users", `{"name":"ann","wallet_cents":10000}`); rec.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rec.Code, rec.Body)
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body)
	}
}

func TestProducts(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t)

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"duplicate name", http.MethodPost, "/product/add", `{"name":"WIDGET","quantity":1,"price_cents":5}`, http.StatusConflict},
		{"missing name", http.MethodPost, "/products", `{"quantity":1,"price_cents":5}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/products", `{`, http.StatusBadRequest},
		{"get", http.MethodGet, "/products/1", "", http.StatusOK},
		{"get missing", http.MethodGet, "/products/99", "", http.StatusNotFound},
		{"bad id", http.MethodGet, "/products/abc", "", http.StatusBadRequest},
		{"list", http.MethodGet, "/products", "", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rec := f.do(t, tc.method, tc.path, tc.body); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, rec.Code, rec.Body)
			}
		})
	}

	list := decodeBody[[]inventory.Product](t, f.do(t, http.MethodGet, "/products", ""))
	if len(list) != 1 || list[0].Name != "widget" {
		t.Fatalf("unexpected products %+v", list)
	}
}

func TestUsers(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t)

	u := decodeBody[payments.User](t, f.do(t, http.MethodGet, "/users/1", ""))
	if u.Name != "ann" || u.WalletCents != 10000 {
		t.Fatalf("unexpected user %+v", u)
	}
	if rec := f.do(t, http.MethodGet, "/users/7", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/users", `{"name":"x","wallet_cents":-1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t)

	tests := []struct {
		name, path, body string
		want             int
	}{
		{"created", "/orders", `{"product_id":1,"user_id":1,"quantity":3}`, http.StatusAccepted},
		{"legacy path", "/orders/add", `{"product_id":1,"user_id":1,"quantity":1}`, http.StatusAccepted},
		{"zero quantity", "/orders", `{"product_id":1,"user_id":1,"quantity":0}`, http.StatusBadRequest},
		{"unknown product", "/orders", `{"product_id":9,"user_id":1,"quantity":1}`, http.StatusNotFound},
		{"unknown user", "/orders", `{"product_id":1,"user_id":9,"quantity":1}`, http.StatusNotFound},
		{"bad json", "/orders", `not json`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodPost, tc.path, tc.body); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, rec.Code, rec.Body)
			}
		})
	}

	o, ok := f.store.Order(1)
	if !ok || o.Status != orders.StatusCreated || o.Quantity != 3 {
		t.Fatalf("unexpected stored order %+v", o)
	}
	if n := f.store.PendingOutbox(); n != 2 {
		t.Fatalf("expected one staged order_created per accepted order, got %d", n)
	}

	list := decodeBody[[]orders.Order](t, f.do(t, http.MethodGet, "/orders", ""))
	if len(list) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(list))
	}
	got := decodeBody[orders.Order](t, f.do(t, http.MethodGet, "/orders/1", ""))
	if got.ID != 1 || got.ProductID != 1 {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t)

	body := `{"product_id":1,"user_id":1,"quantity":1}`
	first := f.do(t, http.MethodPost, "/orders", body, "Idempotency-Key", "abc")
	if first.Code != http.StatusAccepted {
		t.Fatalf("first create: %d %s", first.Code, first.Body)
	}
	second := f.do(t, http.MethodPost, "/orders", body, "Idempotency-Key", "abc")
	if second.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", second.Code, second.Body)
	}
	a := decodeBody[CreateOrderResp](t, first)
	b := decodeBody[CreateOrderResp](t, second)
	if a.OrderID != b.OrderID || !b.Idempotent {
		t.Fatalf("expected replay of order %d, got %+v", a.OrderID, b)
	}
	if _, ok := f.store.Order(2); ok {
		t.Fatalf("replay must not create a second order")
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t)
	f.do(t, http.MethodPost, "/orders", `{"product_id":1,"user_id":1,"quantity":1}`)

	if rec := f.do(t, http.MethodDelete, "/orders/1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel of created order: expected 409, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/orders/42", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel of missing order: expected 404, got %d", rec.Code)
	}

	err := f.store.Orders().InTx(context.Background(), func(tx orders.Tx) error {
		o, err := tx.OrderForUpdate(context.Background(), 1)
		if err != nil {
			return err
		}
		o.Status = orders.StatusApproved
		return tx.UpdateOrder(context.Background(), o)
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	before := f.store.PendingOutbox()
	if rec := f.do(t, http.MethodDelete, "/orders/1", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel of approved order: expected 202, got %d %s", rec.Code, rec.Body)
	}
	if f.store.PendingOutbox() != before+1 {
		t.Fatalf("expected order_cancelled staged")
	}
}

func TestPaymentNotFound(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/payments/5", "")
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "no payment for order 5") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body)
	}
}

func TestOrderStatus(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t)
	f.do(t, http.MethodPost, "/orders", `{"product_id":1,"user_id":1,"quantity":1}`)

	st := decodeBody[StatusResp](t, f.do(t, http.MethodGet, "/orders/1/status", ""))
	if st.Cached || st.Status != orders.StatusCreated {
		t.Fatalf("expected store read on cache miss, got %+v", st)
	}

	f.status.OnStatusChange(context.Background(), orders.Change{
		OrderID: 1, From: orders.StatusCreated, To: orders.StatusApproved, At: time.Now().UTC(),
	})
	st = decodeBody[StatusResp](t, f.do(t, http.MethodGet, "/orders/1/status", ""))
	if !st.Cached || st.Status != orders.StatusApproved {
		t.Fatalf("expected cached status, got %+v", st)
	}

	hist := decodeBody[[]orders.Change](t, f.do(t, http.MethodGet, "/orders/1/history", ""))
	if len(hist) != 1 || hist[0].To != orders.StatusApproved {
		t.Fatalf("unexpected history %+v", hist)
	}
	if rec := f.do(t, http.MethodGet, "/orders/9/status", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d", rec.Code)
	}
}

func TestHistoryWithoutRedis(t *testing.T) {
	f := newFixture(t, false)
	if rec := f.do(t, http.MethodGet, "/orders/1/history", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}
