package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"compiled/internal/backend"
	"compiled/internal/core"
	"compiled/internal/loader"
	"compiled/internal/registry"
	"compiled/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case registry.IsDuplicateRegistration(err):
		return http.StatusConflict
	case registry.IsInvalidName(err):
		return http.StatusBadRequest
	case loader.IsDeviceNotRegistered(err):
		return http.StatusNotFound
	case loader.IsPluginLoad(err):
		return http.StatusBadGateway
	case core.IsCompile(err):
		return http.StatusUnprocessableEntity
	case core.IsCacheWrite(err):
		return http.StatusInternalServerError
	case errors.Is(err, backend.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	errorResponses.WithLabelValues(strconv.Itoa(status)).Inc()
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
