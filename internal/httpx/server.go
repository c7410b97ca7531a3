package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/observability"
	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/payments"
	"github.com/ariefcatur/saga-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Deps are the services behind the API. Status, Idem and Live are optional;
// without Redis the API reads from the store only.
type Deps struct {
	Service  string
	Log      *zap.Logger
	Orders   *orders.Service
	Payments *payments.Service
	Catalog  *inventory.Catalog
	Status   *redisx.StatusCache
	Idem     *redisx.Idempotency
	Live     http.Handler
}

func NewRouter(d Deps) *chi.Mux {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(d.Log), middleware.Recoverer)
	r.Use(observability.HTTPTracing(d.Service))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Live != nil {
		r.Method(http.MethodGet, "/ws/orders", d.Live)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		oh := &OrdersHandler{Orders: d.Orders, Status: d.Status, Idem: d.Idem, Log: d.Log}
		oh.Register(r)
		ch := &CatalogHandler{Catalog: d.Catalog, Payments: d.Payments, Log: d.Log}
		ch.Register(r)
	})
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, orders.ErrInvalidOrder),
		errors.Is(err, inventory.ErrInvalidProduct),
		errors.Is(err, payments.ErrInvalidUser):
		code = http.StatusBadRequest
	case errors.Is(err, orders.ErrNotFound),
		errors.Is(err, orders.ErrUnknownProduct),
		errors.Is(err, orders.ErrUnknownUser),
		errors.Is(err, inventory.ErrNotFound),
		errors.Is(err, payments.ErrNotFound),
		errors.Is(err, payments.ErrUserNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orders.ErrNotCancellable),
		errors.Is(err, inventory.ErrDuplicateName):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		writeJSON(w, code, errorResp{Error: "internal error"})
		return
	}
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid " + name})
		return 0, false
	}
	return id, true
}
