package httptransport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/inventory"
)

// Ledger описывает операции реестра остатков для внутреннего API и каталога.
type Ledger interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	Adjust(ctx context.Context, productID string, delta int) error
	CommitOrder(ctx context.Context, orderID string, items []domain.SaleItem) error
	CancelOrder(ctx context.Context, orderID string) error
	CreateProduct(ctx context.Context, p domain.Principal, input inventory.ProductInput) (domain.Product, error)
	UpdateProduct(ctx context.Context, p domain.Principal, productID string, update domain.ProductUpdate) (domain.Product, error)
	DeleteProduct(ctx context.Context, p domain.Principal, productID string) error
}

type ledgerHandler struct {
	ledger Ledger
}

type adjustRequest struct {
	Delta *int `json:"delta"`
}

type commitRequest struct {
	Items []domain.SaleItem `json:"items"`
}

type createProductRequest struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Category          string          `json:"category"`
	Price             decimal.Decimal `json:"price"`
	AvailableQuantity int             `json:"availableQuantity"`
}

type updateProductRequest struct {
	Name              *string          `json:"name"`
	Description       *string          `json:"description"`
	Category          *string          `json:"category"`
	Price             *decimal.Decimal `json:"price"`
	AvailableQuantity *int             `json:"availableQuantity"`
}

func (h *ledgerHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.ledger.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (h *ledgerHandler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeBody(r, &req); err != nil || req.Delta == nil {
		writeBadRequest(w, "delta is required")
		return
	}
	if err := h.ledger.Adjust(r.Context(), chi.URLParam(r, "id"), *req.Delta); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ledgerHandler) commitOrder(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	if err := h.ledger.CommitOrder(r.Context(), chi.URLParam(r, "id"), req.Items); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ledgerHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.CancelOrder(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ledgerHandler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	product, err := h.ledger.CreateProduct(r.Context(), principal(r), inventory.ProductInput{
		Name:              req.Name,
		Description:       req.Description,
		Category:          req.Category,
		Price:             req.Price,
		AvailableQuantity: req.AvailableQuantity,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (h *ledgerHandler) updateProduct(w http.ResponseWriter, r *http.Request) {
	var req updateProductRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	product, err := h.ledger.UpdateProduct(r.Context(), principal(r), chi.URLParam(r, "id"), domain.ProductUpdate(req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (h *ledgerHandler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.DeleteProduct(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
