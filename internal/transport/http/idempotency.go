package httptransport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	// HeaderIdempotencyKey — ключ повторяемого запроса.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay выставляется на ответах, взятых из кэша.
	HeaderIdempotentReplay = "Idempotent-Replayed"

	defaultIdempotencyTTL = 24 * time.Hour
)

// Idempotency кэширует ответ на запрос с заголовком Idempotency-Key.
// Ключ действует в пределах пользователя, повтор с другим телом отклоняется.
type Idempotency struct {
	repo   domain.IdempotencyRepository
	clock  clock.Clock
	ttl    time.Duration
	logger *log.Entry
}

// NewIdempotency создаёт middleware. ttl <= 0 означает 24 часа.
func NewIdempotency(repo domain.IdempotencyRepository, clk clock.Clock, ttl time.Duration, logger *log.Entry) *Idempotency {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	if logger == nil {
		logger = log.WithField("component", "http-idempotency")
	}
	return &Idempotency{repo: repo, clock: clk, ttl: ttl, logger: logger}
}

// Handler возвращает middleware, в котором ключи клиента живут в пределах операции scope.
func (m *Idempotency) Handler(scope domain.IdempotencyScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.wrap(scope, next)
	}
}

func (m *Idempotency) wrap(scope domain.IdempotencyScope, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if m == nil || m.repo == nil || rawKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		_ = r.Body.Close()
		if err != nil {
			writeBadRequest(w, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		p := principal(r)
		key := domain.IdempotencyKey(scope, p.UserID, rawKey)
		logger := m.logger.WithField("idempotency_key", key)

		record, err := m.repo.CreateProcessing(key, requestHash(r, body), m.clock.Now().Add(m.ttl))
		if err != nil {
			m.replay(w, r, err, record, logger)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		var captured bytes.Buffer
		ww.Tee(&captured)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status < http.StatusBadRequest {
			err = m.repo.MarkDone(key, captured.Bytes(), status)
		} else {
			err = m.repo.MarkFailed(key, captured.Bytes(), status)
		}
		if err != nil {
			logger.WithError(err).Warn("failed to store idempotent response")
		}
	})
}

func (m *Idempotency) replay(w http.ResponseWriter, r *http.Request, createErr error, record domain.IdempotencyRecord, logger *log.Entry) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		writeJSON(w, http.StatusConflict, ErrorBody{
			Error: "idempotency key is already used with a different request",
			Code:  CodeIdempotencyConflict,
		})
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.Status.Finished():
			status := record.HTTPStatus
			if status == 0 {
				status = http.StatusInternalServerError
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderIdempotentReplay, "true")
			w.WriteHeader(status)
			_, _ = w.Write(record.ResponseBody)
		case record.Status == domain.IdempotencyStatusProcessing:
			writeJSON(w, http.StatusConflict, ErrorBody{
				Error: "request with the same idempotency key is already processing",
				Code:  CodeRequestInProgress,
			})
		default:
			logger.WithField("status", record.Status).Warn("unknown idempotency record status")
			writeError(w, r, createErr)
		}
	default:
		logger.WithError(createErr).Warn("failed to create idempotency record")
		writeError(w, r, createErr)
	}
}

func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	_, _ = io.WriteString(h, r.Method)
	_, _ = io.WriteString(h, ":")
	_, _ = io.WriteString(h, r.URL.Path)
	_, _ = io.WriteString(h, ":")
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
