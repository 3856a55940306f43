package httptransport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Заголовки, которые проставляет внешний шлюз аутентификации.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

const maxBodyBytes = 1 << 20

type (
	principalKey struct{}
	loggerKey    struct{}
)

var tracer = otel.Tracer("github.com/vladislavdragonenkov/marketplace/internal/transport/http")

// PrincipalFrom возвращает пользователя запроса.
func PrincipalFrom(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

// WithPrincipal кладёт пользователя в контекст.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// RequirePrincipal читает X-User-Id и X-User-Role. Без них запрос отклоняется с 401.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		role, ok := domain.ParseRole(r.Header.Get(HeaderUserRole))
		if userID == "" || !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "missing or invalid principal headers", Code: CodeUnauthenticated})
			return
		}
		p := domain.Principal{UserID: userID, Role: role}
		ctx := WithPrincipal(r.Context(), p)
		ctx = context.WithValue(ctx, loggerKey{}, requestLogger(r).WithFields(log.Fields{
			"user_id": p.UserID,
			"role":    p.Role,
		}))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger пишет строку лога на каждый запрос через logrus.
func RequestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := logger.WithField("request_id", middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey{}, entry)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := entry.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			switch {
			case status >= 500:
				fields.Warn("http request")
			default:
				fields.Debug("http request")
			}
		})
	}
}

// Tracing извлекает W3C-контекст из заголовков и открывает серверный span.
func Tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if pattern := chi.RouteContext(ctx); pattern != nil && pattern.RoutePattern() != "" {
			span.SetName(r.Method + " " + pattern.RoutePattern())
			span.SetAttributes(attribute.String("http.route", pattern.RoutePattern()))
		}
		status := ww.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

func principal(r *http.Request) domain.Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}
