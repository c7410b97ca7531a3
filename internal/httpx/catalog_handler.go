package httpx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/payments"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// CatalogHandler serves the read-mostly resources around the saga:
// products, users and payments.
type CatalogHandler struct {
	Catalog  *inventory.Catalog
	Payments *payments.Service
	Log      *zap.Logger
}

type CreateProductReq struct {
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

type CreateUserReq struct {
	Name        string `json:"name"`
	WalletCents int64  `json:"wallet_cents"`
}

type PaymentResp struct {
	OrderID     int64           `json:"order_id"`
	Status      payments.Status `json:"status"`
	AmountCents int64           `json:"amount_cents"`
	Reason      string          `json:"reason,omitempty"`
}

func (h *CatalogHandler) Register(r chi.Router) {
	r.Post("/products", h.createProduct)
	r.Post("/product/add", h.createProduct)
	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)

	r.Post("/users", h.createUser)
	r.Get("/users/{id}", h.getUser)

	r.Get("/payments/{order_id}", h.getPayment)
}

func (h *CatalogHandler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductReq
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Catalog.Create(r.Context(), req.Name, req.Quantity, req.PriceCents)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.Log.Info("product created", zap.Int64("product_id", p.ID), zap.String("name", p.Name))
	writeJSON(w, http.StatusCreated, p)
}

func (h *CatalogHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Catalog.List(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if ps == nil {
		ps = []inventory.Product{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *CatalogHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Catalog.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *CatalogHandler) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserReq
	if !decode(w, r, &req) {
		return
	}
	u, err := h.Payments.CreateUser(r.Context(), req.Name, req.WalletCents)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *CatalogHandler) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	u, err := h.Payments.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *CatalogHandler) getPayment(w http.ResponseWriter, r *http.Request) {
	orderID, ok := idParam(w, r, "order_id")
	if !ok {
		return
	}
	p, err := h.Payments.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResp{Error: fmt.Sprintf("no payment for order %d", orderID)})
			return
		}
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentResp{OrderID: p.OrderID, Status: p.Status, AmountCents: p.AmountCents, Reason: p.Reason})
}
