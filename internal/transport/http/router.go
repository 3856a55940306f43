package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const defaultRequestTimeout = 15 * time.Second

// RouterOptions задаёт общие настройки роутеров.
type RouterOptions struct {
	Logger         *log.Entry
	RequestTimeout time.Duration
	// Idempotency включает обработку Idempotency-Key на POST /api/orders.
	Idempotency *Idempotency
}

func newBaseRouter(opts RouterOptions) *chi.Mux {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(Tracing)
	r.Use(middleware.Timeout(timeout))
	return r
}

// NewOrderRouter собирает REST API order-service: корзина и заказы.
func NewOrderRouter(carts CartService, orders OrderService, opts RouterOptions) http.Handler {
	r := newBaseRouter(opts)
	ch := &cartHandler{carts: carts}
	oh := &orderHandler{orders: orders}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequirePrincipal)
		r.Route("/cart", ch.routes)
		r.Route("/orders", func(r chi.Router) {
			r.With(opts.Idempotency.Handler(domain.IdempotencyScopeCreateOrder)).Post("/", oh.create)
			r.Get("/", oh.list)
			r.Get("/{id}", oh.get)
			r.Put("/{id}", oh.update)
			r.Delete("/{id}", oh.delete)
			r.Get("/{id}/timeline", oh.timeline)
		})
	})
	return r
}

// NewProductRouter собирает API product-service: внутренний API реестра
// для order-service и каталог товаров для продавцов.
func NewProductRouter(ledger Ledger, opts RouterOptions) http.Handler {
	r := newBaseRouter(opts)
	h := &ledgerHandler{ledger: ledger}

	r.Route("/internal", func(r chi.Router) {
		r.Get("/products/{id}", h.getProduct)
		r.Put("/quantity/{id}", h.adjust)
		r.Put("/order/{id}", h.commitOrder)
		r.Post("/order/{id}/cancel", h.cancelOrder)
	})

	r.Route("/api/products", func(r chi.Router) {
		r.Get("/{id}", h.getProduct)
		r.Group(func(r chi.Router) {
			r.Use(RequirePrincipal)
			r.Post("/", h.createProduct)
			r.Put("/{id}", h.updateProduct)
			r.Delete("/{id}", h.deleteProduct)
		})
	})
	return r
}
