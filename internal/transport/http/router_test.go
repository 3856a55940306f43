package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/cart"
	"github.com/vladislavdragonenkov/marketplace/internal/service/inventory"
	"github.com/vladislavdragonenkov/marketplace/internal/service/order"
	"github.com/vladislavdragonenkov/marketplace/internal/service/productgateway"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
	httptransport "github.com/vladislavdragonenkov/marketplace/internal/transport/http"
)

var (
	alice  = domain.Principal{UserID: "alice", Role: domain.RoleClient}
	seller = domain.Principal{UserID: "seller-1", Role: domain.RoleSeller}
)

type apiFixture struct {
	orderAPI   http.Handler
	productAPI http.Handler
	ledger     *inventory.Ledger
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := inventory.NewLedger(memory.NewProductRepository(), inventory.WithClock(clk))
	gw := inventory.NewLocalGateway(ledger)
	cartRepo := memory.NewCartRepository()
	orderRepo := memory.NewOrderRepository()

	carts := cart.NewService(cartRepo, orderRepo, gw, cart.WithClock(clk))
	orders := order.NewService(orderRepo, cartRepo, gw,
		order.WithClock(clk),
		order.WithLocker(carts),
		order.WithTimeline(memory.NewTimelineRepository()),
	)
	idem := httptransport.NewIdempotency(memory.NewIdempotencyRepository(clk), clk, time.Hour, nil)

	return &apiFixture{
		orderAPI:   httptransport.NewOrderRouter(carts, orders, httptransport.RouterOptions{Idempotency: idem}),
		productAPI: httptransport.NewProductRouter(ledger, httptransport.RouterOptions{}),
		ledger:     ledger,
	}
}

func call(t *testing.T, h http.Handler, p *domain.Principal, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if p != nil {
		req.Header.Set(httptransport.HeaderUserID, p.UserID)
		req.Header.Set(httptransport.HeaderUserRole, string(p.Role))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *apiFixture) createProduct(t *testing.T, name, price string, qty int) domain.Product {
	t.Helper()
	rec := call(t, f.productAPI, &seller, http.MethodPost, "/api/products", map[string]any{
		"name":              name,
		"price":             price,
		"availableQuantity": qty,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[domain.Product](t, rec)
}

func TestMissingPrincipalIsUnauthorized(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := call(t, f.orderAPI, nil, http.MethodGet, "/api/cart", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, httptransport.CodeUnauthenticated, decode[httptransport.ErrorBody](t, rec).Code)

	rec = call(t, f.orderAPI, nil, http.MethodGet, "/api/cart", nil,
		httptransport.HeaderUserID, "alice", httptransport.HeaderUserRole, "PIRATE")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCartEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	lamp := f.createProduct(t, "Lamp", "10.00", 3)

	rec := call(t, f.orderAPI, &alice, http.MethodGet, "/api/cart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decode[domain.Cart](t, rec)
	require.Equal(t, domain.CartStatusActive, empty.Status)
	require.Zero(t, empty.Version)

	rec = call(t, f.orderAPI, &alice, http.MethodPost, "/api/cart", map[string]any{"productId": lamp.ID, "quantity": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := decode[domain.Cart](t, rec)
	require.Equal(t, 2, c.Quantity(lamp.ID))
	require.Equal(t, "20", c.TotalPrice.String())

	rec = call(t, f.orderAPI, &alice, http.MethodPost, "/api/cart", map[string]any{"productId": lamp.ID, "quantity": 5})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, httptransport.CodeOutOfStock, decode[httptransport.ErrorBody](t, rec).Code)

	rec = call(t, f.orderAPI, &alice, http.MethodPost, "/api/cart", map[string]any{"productId": lamp.ID, "quantity": 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, f.orderAPI, &alice, http.MethodPut, "/api/cart/status", map[string]any{"status": "CHECKOUT"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.CartStatusCheckout, decode[domain.Cart](t, rec).Status)

	rec = call(t, f.orderAPI, &alice, http.MethodPut, "/api/cart/"+lamp.ID, map[string]any{"quantity": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	c = decode[domain.Cart](t, rec)
	require.Equal(t, 1, c.Quantity(lamp.ID))
	require.Equal(t, domain.CartStatusActive, c.Status)

	product, err := f.ledger.GetProduct(context.Background(), lamp.ID)
	require.NoError(t, err)
	require.Equal(t, 2, product.AvailableQuantity)
	require.Equal(t, 1, product.ReservedQuantity)

	rec = call(t, f.orderAPI, &alice, http.MethodDelete, "/api/cart/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, f.orderAPI, &alice, http.MethodDelete, "/api/cart/all", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	product, err = f.ledger.GetProduct(context.Background(), lamp.ID)
	require.NoError(t, err)
	require.Equal(t, 3, product.AvailableQuantity)
	require.Zero(t, product.ReservedQuantity)

	rec = call(t, f.orderAPI, &seller, http.MethodGet, "/api/cart", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOrderEndpointsWithIdempotencyKey(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	lamp := f.createProduct(t, "Lamp", "10.00", 3)

	rec := call(t, f.orderAPI, &alice, http.MethodPost, "/api/cart", map[string]any{"productId": lamp.ID, "quantity": 2})
	require.Equal(t, http.StatusOK, rec.Code)

	body := map[string]any{"shippingAddress": map[string]string{
		"fullName": "Alice Smith", "street": "Baumana 1", "city": "Kazan", "postalCode": "420111", "country": "RU",
	}}
	first := call(t, f.orderAPI, &alice, http.MethodPost, "/api/orders", body, httptransport.HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	created := decode[domain.Order](t, first)
	require.Equal(t, domain.OrderStatusCreated, created.Status)

	replayed := call(t, f.orderAPI, &alice, http.MethodPost, "/api/orders", body, httptransport.HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, replayed.Code)
	require.Equal(t, "true", replayed.Header().Get(httptransport.HeaderIdempotentReplay))
	require.Equal(t, created.ID, decode[domain.Order](t, replayed).ID)

	body["shippingAddress"].(map[string]string)["city"] = "Moscow"
	mismatch := call(t, f.orderAPI, &alice, http.MethodPost, "/api/orders", body, httptransport.HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusConflict, mismatch.Code)
	require.Equal(t, httptransport.CodeIdempotencyConflict, decode[httptransport.ErrorBody](t, mismatch).Code)

	product, err := f.ledger.GetProduct(context.Background(), lamp.ID)
	require.NoError(t, err)
	require.Equal(t, 1, product.AvailableQuantity)
	require.Zero(t, product.ReservedQuantity)

	rec = call(t, f.orderAPI, &alice, http.MethodGet, "/api/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dashboard := decode[domain.Dashboard](t, rec)
	require.Len(t, dashboard.Orders, 1)
	require.Equal(t, "20", dashboard.Total.String())

	rec = call(t, f.orderAPI, &seller, http.MethodGet, "/api/orders/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "A**********", decode[domain.Order](t, rec).ShippingAddress.FullName)

	rec = call(t, f.orderAPI, &alice, http.MethodPut, "/api/orders/"+created.ID, map[string]string{"status": "SHIPPED"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, f.orderAPI, &alice, http.MethodPut, "/api/orders/"+created.ID, map[string]string{"status": "bogus"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, f.orderAPI, &alice, http.MethodPut, "/api/orders/"+created.ID, map[string]string{"status": "CANCELED"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, domain.OrderStatusCanceled, decode[domain.Order](t, rec).Status)

	product, err = f.ledger.GetProduct(context.Background(), lamp.ID)
	require.NoError(t, err)
	require.Equal(t, 3, product.AvailableQuantity)

	rec = call(t, f.orderAPI, &alice, http.MethodGet, "/api/orders/"+created.ID+"/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]domain.TimelineEvent](t, rec), 2)

	rec = call(t, f.orderAPI, &alice, http.MethodPost, fmt.Sprintf("/api/cart/reorder/%s", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reordered := decode[struct {
		Cart    domain.Cart `json:"cart"`
		Skipped []string    `json:"skipped"`
	}](t, rec)
	require.Equal(t, 2, reordered.Cart.Quantity(lamp.ID))
	require.Empty(t, reordered.Skipped)
}

type unavailableCarts struct {
	httptransport.CartService
}

func (unavailableCarts) GetCurrentCart(context.Context, domain.Principal) (domain.Cart, error) {
	return domain.Cart{}, fmt.Errorf("get product: %w", domain.ErrUpstreamUnavailable)
}

type brokenOrders struct {
	httptransport.OrderService
}

func (brokenOrders) ListClientOrders(context.Context, domain.Principal) (domain.Dashboard, error) {
	return domain.Dashboard{}, errors.New("pq: connection reset with secret dsn")
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	api := httptransport.NewOrderRouter(unavailableCarts{}, brokenOrders{}, httptransport.RouterOptions{})

	rec := call(t, api, &alice, http.MethodGet, "/api/cart", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "5", rec.Header().Get("Retry-After"))
	require.Equal(t, httptransport.CodeUpstreamUnavailable, decode[httptransport.ErrorBody](t, rec).Code)

	rec = call(t, api, &alice, http.MethodGet, "/api/orders", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	errBody := decode[httptransport.ErrorBody](t, rec)
	require.Equal(t, httptransport.CodeInternal, errBody.Code)
	require.NotContains(t, errBody.Error, "secret")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrCartItemNotFound, http.StatusNotFound, httptransport.CodeNotFound},
		{domain.ErrOutOfStock, http.StatusConflict, httptransport.CodeOutOfStock},
		{domain.ErrReservationUnderflow, http.StatusConflict, httptransport.CodeConflict},
		{domain.ErrCartVersionConflict, http.StatusConflict, httptransport.CodeConflict},
		{domain.ErrForbidden, http.StatusForbidden, httptransport.CodeForbidden},
		{domain.ErrQuantityInvalid, http.StatusBadRequest, httptransport.CodeInvalidArgument},
		{fmt.Errorf("adjust: %w", domain.ErrUpstreamUnavailable), http.StatusServiceUnavailable, httptransport.CodeUpstreamUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, httptransport.CodeInternal},
	}
	for _, tc := range cases {
		status, code := httptransport.StatusFor(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestProductGatewayAgainstProductRouter(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	lamp := f.createProduct(t, "Lamp", "10.00", 2)

	srv := httptest.NewServer(f.productAPI)
	t.Cleanup(srv.Close)
	gw := productgateway.New(srv.URL, productgateway.WithCallTimeout(time.Second))
	ctx := context.Background()

	got, err := gw.GetProduct(ctx, lamp.ID)
	require.NoError(t, err)
	require.Equal(t, "Lamp", got.Name)

	_, err = gw.GetProduct(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrProductNotFound)

	require.NoError(t, gw.AdjustQuantity(ctx, lamp.ID, -2))
	require.ErrorIs(t, gw.AdjustQuantity(ctx, lamp.ID, -1), domain.ErrOutOfStock)
	require.ErrorIs(t, gw.AdjustQuantity(ctx, lamp.ID, 5), domain.ErrConflict)

	require.NoError(t, gw.CommitOrder(ctx, "order-1", []domain.SaleItem{{ProductID: lamp.ID, Quantity: 2}}))
	require.NoError(t, gw.CommitOrder(ctx, "order-1", []domain.SaleItem{{ProductID: lamp.ID, Quantity: 2}}))
	require.NoError(t, gw.CancelOrder(ctx, "order-1"))
	require.ErrorIs(t, gw.CancelOrder(ctx, "order-unknown"), domain.ErrNotFound)

	product, err := f.ledger.GetProduct(ctx, lamp.ID)
	require.NoError(t, err)
	require.Equal(t, 2, product.AvailableQuantity)
	require.Zero(t, product.ReservedQuantity)
}

func TestProductCatalogRequiresOwner(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	lamp := f.createProduct(t, "Lamp", "10.00", 2)
	other := domain.Principal{UserID: "seller-2", Role: domain.RoleSeller}

	rec := call(t, f.productAPI, &other, http.MethodPut, "/api/products/"+lamp.ID, map[string]any{"price": "1.00"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, f.productAPI, &seller, http.MethodPut, "/api/products/"+lamp.ID, map[string]any{"price": "12.50"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "12.5", decode[domain.Product](t, rec).Price.String())

	rec = call(t, f.productAPI, &alice, http.MethodPost, "/api/products", map[string]any{"name": "X", "price": "1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, f.productAPI, nil, http.MethodGet, "/api/products/"+lamp.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, f.productAPI, &seller, http.MethodDelete, "/api/products/"+lamp.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = call(t, f.productAPI, nil, http.MethodGet, "/api/products/"+lamp.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
