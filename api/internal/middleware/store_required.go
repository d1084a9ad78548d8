package middleware

import (
	"net/http"

	"event-tracking-service/shared/httpx"
)

// StoreRequiredMiddleware answers 503 on data routes when the service started without
// a usable event store.
type StoreRequiredMiddleware struct {
	Available bool
	Skip      func(*http.Request) bool
}

func (m StoreRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Available || (m.Skip != nil && m.Skip(r)) {
			next.ServeHTTP(w, r)
			return
		}
		httpx.WriteError(w, http.StatusServiceUnavailable, "event store not configured")
	})
}
