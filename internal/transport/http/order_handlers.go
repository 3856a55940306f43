package httptransport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/cart"
)

// CartService описывает операции корзины, доступные через REST.
type CartService interface {
	GetCurrentCart(ctx context.Context, p domain.Principal) (domain.Cart, error)
	AddToCart(ctx context.Context, p domain.Principal, productID string, q int) (domain.Cart, error)
	UpdateCart(ctx context.Context, p domain.Principal, productID string, q int) (domain.Cart, error)
	DeleteItemByID(ctx context.Context, p domain.Principal, productID string) (domain.Cart, error)
	DeleteCart(ctx context.Context, p domain.Principal) error
	UpdateStatus(ctx context.Context, p domain.Principal, status domain.CartStatus) (domain.Cart, error)
	AddToCartFromOrder(ctx context.Context, p domain.Principal, orderID string) (cart.ReorderResult, error)
}

// OrderService описывает операции заказов, доступные через REST.
type OrderService interface {
	CreateOrder(ctx context.Context, p domain.Principal, address domain.ShippingAddress) (domain.Order, error)
	GetOrder(ctx context.Context, p domain.Principal, id string) (domain.Order, error)
	ListClientOrders(ctx context.Context, p domain.Principal) (domain.Dashboard, error)
	ListSellerOrders(ctx context.Context, p domain.Principal) (domain.Dashboard, error)
	UpdateOrder(ctx context.Context, p domain.Principal, id string, status domain.OrderStatus) (domain.Order, error)
	DeleteOrder(ctx context.Context, p domain.Principal, id string) error
	ListTimeline(ctx context.Context, p domain.Principal, id string) ([]domain.TimelineEvent, error)
}

type cartHandler struct {
	carts CartService
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type quantityRequest struct {
	Quantity *int `json:"quantity"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type reorderResponse struct {
	Cart    domain.Cart `json:"cart"`
	Skipped []string    `json:"skipped"`
}

func (h *cartHandler) routes(r chi.Router) {
	r.Get("/", h.get)
	r.Post("/", h.add)
	r.Delete("/all", h.clear)
	r.Put("/status", h.updateStatus)
	r.Post("/reorder/{orderId}", h.reorder)
	r.Put("/{productId}", h.update)
	r.Delete("/{productId}", h.deleteItem)
}

func (h *cartHandler) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.GetCurrentCart(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *cartHandler) add(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	if req.ProductID == "" {
		writeBadRequest(w, "productId is required")
		return
	}
	c, err := h.carts.AddToCart(r.Context(), principal(r), req.ProductID, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *cartHandler) update(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if err := decodeBody(r, &req); err != nil || req.Quantity == nil {
		writeBadRequest(w, "quantity is required")
		return
	}
	c, err := h.carts.UpdateCart(r.Context(), principal(r), chi.URLParam(r, "productId"), *req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *cartHandler) deleteItem(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.DeleteItemByID(r.Context(), principal(r), chi.URLParam(r, "productId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *cartHandler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.DeleteCart(r.Context(), principal(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *cartHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	status, err := domain.ParseCartStatus(req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.carts.UpdateStatus(r.Context(), principal(r), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *cartHandler) reorder(w http.ResponseWriter, r *http.Request) {
	result, err := h.carts.AddToCartFromOrder(r.Context(), principal(r), chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	skipped := result.Skipped
	if skipped == nil {
		skipped = []string{}
	}
	writeJSON(w, http.StatusOK, reorderResponse{Cart: result.Cart, Skipped: skipped})
}

type orderHandler struct {
	orders OrderService
}

type createOrderRequest struct {
	ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
}

func (h *orderHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), principal(r), req.ShippingAddress)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *orderHandler) list(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var (
		dashboard domain.Dashboard
		err       error
	)
	if p.Is(domain.RoleSeller) {
		dashboard, err = h.orders.ListSellerOrders(r.Context(), p)
	} else {
		dashboard, err = h.orders.ListClientOrders(r.Context(), p)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dashboard.Orders == nil {
		dashboard.Orders = []domain.Order{}
	}
	if dashboard.TopProducts == nil {
		dashboard.TopProducts = []domain.ProductTotal{}
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (h *orderHandler) get(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *orderHandler) update(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.orders.UpdateOrder(r.Context(), principal(r), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *orderHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.DeleteOrder(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *orderHandler) timeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.orders.ListTimeline(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.TimelineEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
