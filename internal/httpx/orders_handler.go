package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type OrdersHandler struct {
	Orders *orders.Service
	Status *redisx.StatusCache
	Idem   *redisx.Idempotency
	Log    *zap.Logger
}

type CreateOrderReq struct {
	ProductID int64 `json:"product_id"`
	UserID    int64 `json:"user_id"`
	Quantity  int   `json:"quantity"`
}

type CreateOrderResp struct {
	OrderID    int64         `json:"order_id"`
	Status     orders.Status `json:"status"`
	Idempotent bool          `json:"idempotent"`
}

type StatusResp struct {
	OrderID   int64         `json:"order_id"`
	Status    orders.Status `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	Cached    bool          `json:"cached"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Post("/orders/add", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Get("/orders/{id}/history", h.getHistory)
	r.Delete("/orders/{id}", h.cancelOrder)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	// Redis only shortcuts retries of the same request; the store stays the
	// source of truth for the order itself.
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey != "" && h.Idem != nil {
		id, ok, err := h.Idem.Lookup(ctx, idemKey)
		if err != nil {
			h.Log.Warn("idempotency lookup failed", zap.Error(err))
		}
		if ok {
			o, err := h.Orders.Get(ctx, id)
			if err == nil {
				writeJSON(w, http.StatusOK, CreateOrderResp{OrderID: o.ID, Status: o.Status, Idempotent: true})
				return
			}
			h.Log.Warn("idempotency key points at unknown order", zap.Int64("order_id", id), zap.Error(err))
		}
	}

	o, err := h.Orders.Create(ctx, req.ProductID, req.UserID, req.Quantity)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if idemKey != "" && h.Idem != nil {
		if err := h.Idem.Remember(ctx, idemKey, o.ID); err != nil {
			h.Log.Warn("idempotency remember failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusAccepted, CreateOrderResp{OrderID: o.ID, Status: o.Status})
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.Orders.List(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	o, err := h.Orders.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()

	// 1) cache
	if h.Status != nil {
		e, hit, err := h.Status.Get(ctx, id)
		if err != nil {
			h.Log.Warn("status cache read failed", zap.Int64("order_id", id), zap.Error(err))
		}
		if hit {
			writeJSON(w, http.StatusOK, StatusResp{OrderID: id, Status: e.Status, Reason: e.Reason, UpdatedAt: e.UpdatedAt, Cached: true})
			return
		}
	}

	// 2) store
	o, err := h.Orders.Get(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResp{OrderID: o.ID, Status: o.Status, Reason: o.Reason, UpdatedAt: o.UpdatedAt})
}

func (h *OrdersHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if h.Status == nil {
		writeJSON(w, http.StatusNotImplemented, errorResp{Error: "status history requires redis"})
		return
	}
	if _, err := h.Orders.Get(r.Context(), id); err != nil {
		writeError(w, h.Log, err)
		return
	}
	hist, err := h.Status.History(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	o, err := h.Orders.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"order_id": o.ID, "status": "cancel_requested"})
}
