package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"assetvault/internal/domain"
)

// StatusFor сопоставляет класс ошибки с HTTP-статусом.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIntegrity), errors.Is(err, domain.ErrBadCredential):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeItem[T any](w http.ResponseWriter, status int, datum *T) {
	writeJSON(w, status, domain.ItemResponse[T]{Datum: datum})
}

// writeError отдаёт {datum: null, error} со статусом по классу ошибки.
func writeError(w http.ResponseWriter, err error) {
	msg := err.Error()
	writeJSON(w, StatusFor(err), domain.ItemResponse[any]{Error: &msg})
}

// nilIfEmpty: без ошибок поле errors отдаётся как null.
func nilIfEmpty(errs []domain.ItemError) []domain.ItemError {
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// writeBatch отдаёт {data, errors}: 207, если есть и успехи, и ошибки.
func writeBatch(w http.ResponseWriter, okStatus int, res domain.BatchResult) {
	status := okStatus
	switch {
	case len(res.Failed) == 0:
	case len(res.Succeeded) > 0:
		status = http.StatusMultiStatus
	default:
		status = StatusFor(res.Failed[0].Err)
	}
	data := res.Succeeded
	if data == nil {
		data = []*domain.Asset{}
	}
	writeJSON(w, status, domain.ListResponse[*domain.Asset]{Data: data, Errors: nilIfEmpty(res.Failed)})
}
