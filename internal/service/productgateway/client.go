package productgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const (
	defaultCallTimeout     = 5 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerReset    = 10 * time.Second
	tracerName             = "github.com/vladislavdragonenkov/marketplace/internal/service/productgateway"

	// Код ответа, по которому 409 отличают нехватку остатка от прочих конфликтов.
	codeOutOfStock = "out_of_stock"
)

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithCallTimeout задаёт таймаут одного запроса.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithRetry задаёт повторы для GET.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithCircuitBreaker задаёт общий для всех вызовов автомат.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics включает метрики вызовов.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client реализует domain.ProductGateway поверх внутреннего HTTP API product-service.
type Client struct {
	baseURL     string
	http        *http.Client
	callTimeout time.Duration
	retry       RetryConfig
	breaker     *CircuitBreaker
	tracer      trace.Tracer
	logger      *log.Entry
	metrics     *metrics.ReservationMetrics
}

// New создаёт клиента product-service.
func New(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		callTimeout: defaultCallTimeout,
		retry:       DefaultRetryConfig(),
	}
	for _, option := range options {
		option(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry.MaxAttempts = 1
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "product-gateway")
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(defaultBreakerFailures, defaultBreakerReset, nil, c.logger)
	}
	c.tracer = otel.Tracer(tracerName)
	return c
}

// Breaker возвращает автомат клиента, например для health-проверки.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// GetProduct вызывает GET /internal/products/{id}. Повторяется при временных ошибках.
func (c *Client) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	var product domain.Product
	err := c.call(ctx, "GetProduct", http.MethodGet, "/internal/products/"+url.PathEscape(productID), nil, &product, domain.ErrProductNotFound)
	if err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

// AdjustQuantity вызывает PUT /internal/quantity/{id} с телом {"delta": n}.
func (c *Client) AdjustQuantity(ctx context.Context, productID string, delta int) error {
	body := struct {
		Delta int `json:"delta"`
	}{Delta: delta}
	return c.call(ctx, "AdjustQuantity", http.MethodPut, "/internal/quantity/"+url.PathEscape(productID), body, nil, domain.ErrProductNotFound)
}

// CommitOrder вызывает PUT /internal/order/{id} с телом {"items": [...]}.
func (c *Client) CommitOrder(ctx context.Context, orderID string, items []domain.SaleItem) error {
	body := struct {
		Items []domain.SaleItem `json:"items"`
	}{Items: items}
	return c.call(ctx, "CommitOrder", http.MethodPut, "/internal/order/"+url.PathEscape(orderID), body, nil, domain.ErrProductNotFound)
}

// CancelOrder вызывает POST /internal/order/{id}/cancel.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.call(ctx, "CancelOrder", http.MethodPost, "/internal/order/"+url.PathEscape(orderID)+"/cancel", nil, nil, domain.ErrSaleNotFound)
}

// call выполняет запрос через автомат. Повторяется только GET: остальные вызовы
// меняют счётчики, и повтор после потерянного ответа мог бы применить дельту дважды.
func (c *Client) call(ctx context.Context, operation, method, path string, in, out any, notFound error) error {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "product-service "+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	attempts := 1
	if method == http.MethodGet {
		attempts = c.retry.MaxAttempts
	}

	var err error
retryLoop:
	for attempt := 1; ; attempt++ {
		err = c.breaker.Execute(operation, func() error {
			return c.do(ctx, span, method, path, in, out, notFound)
		})
		if err == nil || !retryable(err) || attempt >= attempts {
			break
		}

		delay := c.retry.delay(attempt)
		c.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("product service call failed, retrying")

		select {
		case <-ctx.Done():
			err = fmt.Errorf("%s: %v: %w", operation, ctx.Err(), domain.ErrUpstreamUnavailable)
			break retryLoop
		case <-time.After(delay):
		}
	}

	c.metrics.RecordGatewayCall(operation, err, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) do(ctx context.Context, span trace.Span, method, path string, in, out any, notFound error) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("order-service"))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, domain.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %v: %w", err, domain.ErrUpstreamUnavailable)
		}
		return nil
	}
	return decodeError(resp, notFound)
}

// errorBody повторяет формат ошибок HTTP API.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeError(resp *http.Response, notFound error) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, notFound)
	case resp.StatusCode == http.StatusConflict && body.Code == codeOutOfStock:
		return fmt.Errorf("%s: %w", msg, domain.ErrOutOfStock)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, domain.ErrConflict)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", msg, domain.ErrForbidden)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%s: %w", msg, domain.ErrInvalidArgument)
	case resp.StatusCode >= 500:
		return fmt.Errorf("product service returned %d: %s: %w", resp.StatusCode, msg, domain.ErrUpstreamUnavailable)
	default:
		return fmt.Errorf("product service returned %d: %s", resp.StatusCode, msg)
	}
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrUpstreamUnavailable) && !errors.Is(err, ErrCircuitOpen)
}

var _ domain.ProductGateway = (*Client)(nil)
