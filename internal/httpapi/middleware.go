package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/azzam1122112-dot/school-display/internal/obslog"
)

// requestIDHeader is echoed back so an operator correlating a kiosk's
// reported error with server logs can grep on one value.
const requestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// withRequestID assigns a UUID per inbound request, stamps it on the
// response, and stores it in the request context so handlers can pull a
// per-request logger via h.logFor.
func (h *Handler) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next(w, r.WithContext(ctx))
	}
}

// logFor returns the handler's logger annotated with this request's id,
// so every log line from one request shares one correlatable value.
func (h *Handler) logFor(r *http.Request) obslog.Logger {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	if id == "" {
		return h.log
	}
	return h.log.With("request_id", id)
}
