// Package httptransport реализует REST-поверхность order-service и product-service на chi.
package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Коды ошибок в теле ответа.
const (
	CodeNotFound            = "not_found"
	CodeOutOfStock          = "out_of_stock"
	CodeConflict            = "conflict"
	CodeForbidden           = "forbidden"
	CodeInvalidArgument     = "invalid_argument"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUnauthenticated     = "unauthenticated"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeRequestInProgress   = "request_in_progress"
	CodeInternal            = "internal"
)

// retryAfterSeconds подсказывает клиенту паузу при недоступности реестра остатков.
const retryAfterSeconds = 5

// ErrorBody описывает тело ответа с ошибкой.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor сопоставляет ошибку корневой категории с HTTP-статусом и кодом.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrOutOfStock):
		return http.StatusConflict, CodeOutOfStock
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, CodeUpstreamUnavailable
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeError пишет ошибку в едином формате. Текст внутренних ошибок наружу не уходит.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		requestLogger(r).WithError(err).Error("request failed")
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, ErrorBody{Error: msg, Code: code})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Error: msg, Code: CodeInvalidArgument})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return err
	}
	return nil
}

func requestLogger(r *http.Request) *log.Entry {
	if entry, ok := r.Context().Value(loggerKey{}).(*log.Entry); ok {
		return entry
	}
	return log.WithField("component", "http")
}
