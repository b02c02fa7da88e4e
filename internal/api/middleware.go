package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader correlates a request with its log lines.
const RequestIDHeader = "X-Request-ID"

// RequestID echoes the client's X-Request-ID or assigns a new UUID, and logs
// every mutating request with it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		if r.Method != http.MethodGet {
			slog.Debug("request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"caller", r.Header.Get(CallerHeader),
			)
		}
		next.ServeHTTP(w, r)
	})
}
