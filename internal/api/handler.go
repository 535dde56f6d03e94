// Package api is the thin JSON surface in front of the checkout
// engine: it decodes requests, calls the coordinator, and maps the
// failure taxonomy onto HTTP status codes. No business logic lives
// here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shopfront/checkout-engine/internal/domain"
	"github.com/shopfront/checkout-engine/internal/metrics"
	"github.com/shopfront/checkout-engine/internal/service"
	"github.com/shopfront/checkout-engine/internal/store"
)

type CheckoutHandler struct {
	checkout service.CheckoutService
	store    store.Store
}

func NewCheckoutHandler(checkout service.CheckoutService, st store.Store) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout, store: st}
}

// Router wires the demo routes, including the metrics scrape endpoint.
func (h *CheckoutHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/checkout", h.Checkout)
	r.Get("/products", h.ListProducts)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

type checkoutRequestDTO struct {
	UserID        int64     `json:"user_id"`
	PaymentMethod string    `json:"payment_method"`
	Items         []lineDTO `json:"items"`
}

type lineDTO struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

type receiptDTO struct {
	SaleID           int64            `json:"sale_id"`
	Lines            []receiptLineDTO `json:"lines"`
	Subtotal         float64          `json:"subtotal"`
	Total            float64          `json:"total"`
	PaymentMethod    string           `json:"payment_method"`
	PaymentReference string           `json:"payment_reference"`
}

type receiptLineDTO struct {
	ProductID   int64   `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int64   `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	LineTotal   float64 `json:"line_total"`
}

type errorDTO struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	RefundIssued bool   `json:"refund_issued,omitempty"`
}

// POST /checkout
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorDTO{
			Kind: string(service.KindValidation), Message: "invalid JSON body",
		})
		return
	}

	cart := make([]domain.CartLine, 0, len(req.Items))
	for _, it := range req.Items {
		cart = append(cart, domain.CartLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	receipt, err := h.checkout.Checkout(r.Context(), req.UserID, cart, req.PaymentMethod)
	if err != nil {
		respondCheckoutError(w, err)
		return
	}

	lines := make([]receiptLineDTO, 0, len(receipt.Lines))
	for _, l := range receipt.Lines {
		lines = append(lines, receiptLineDTO{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			LineTotal:   l.LineTotal,
		})
	}
	respondJSON(w, http.StatusOK, receiptDTO{
		SaleID:           receipt.SaleID,
		Lines:            lines,
		Subtotal:         receipt.Subtotal,
		Total:            receipt.Total,
		PaymentMethod:    receipt.PaymentMethod,
		PaymentReference: receipt.PaymentReference,
	})
}

type productDTO struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	Price      float64  `json:"price"`
	Stock      int64    `json:"stock"`
	FlashPrice *float64 `json:"flash_price,omitempty"`
}

// GET /products
func (h *CheckoutHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	acc, err := h.store.Acquire(r.Context())
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorDTO{
			Kind: string(service.KindPersistence), Message: "store unavailable",
		})
		return
	}
	defer acc.Release()

	products, err := acc.ListProducts(r.Context())
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, errorDTO{
			Kind: string(service.KindPersistence), Message: "failed to list products",
		})
		return
	}

	out := make([]productDTO, 0, len(products))
	for _, p := range products {
		out = append(out, productDTO{
			ID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock, FlashPrice: p.FlashPrice,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func respondCheckoutError(w http.ResponseWriter, err error) {
	dto := errorDTO{Kind: string(service.KindPersistence), Message: err.Error()}
	status := http.StatusInternalServerError

	var ce *service.Error
	if errors.As(err, &ce) {
		dto.Kind = string(ce.Kind)
		dto.Message = ce.Message
		dto.RefundIssued = ce.RefundIssued
		switch ce.Kind {
		case service.KindValidation, service.KindConfiguration:
			status = http.StatusBadRequest
		case service.KindServiceUnavailable:
			status = http.StatusServiceUnavailable
		case service.KindPaymentDeclined:
			status = http.StatusPaymentRequired
		case service.KindInsufficientStock:
			status = http.StatusConflict
		case service.KindRefundFailed, service.KindPersistence:
			status = http.StatusInternalServerError
		}
	}
	respondJSON(w, status, dto)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
