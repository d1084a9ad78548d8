package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"event-tracking-service/shared/httpx"
	"event-tracking-service/shared/logx"
)

const (
	DefaultAPIKeyHeader = "x-api-key"
	unauthorizedMessage = "Unauthorized - Invalid API Key"
)

type KeyValidator interface {
	IsValid(candidate string) bool
}

type RequestRecorder interface {
	Record(endpoint string, status int, elapsed time.Duration)
}

// APIKeyMiddleware guards the ingestion and stats surface. Rejected requests never
// reach next; both outcomes are recorded per endpoint.
type APIKeyMiddleware struct {
	Validator KeyValidator
	Metrics   RequestRecorder
	Logger    logx.Logger
	Header    string
	// Guard selects the requests that need a key. Nil guards everything.
	Guard func(*http.Request) bool
	// Endpoint names the request in recorded metrics. Nil uses the raw path, which is
	// only safe when the guard admits a fixed set of paths.
	Endpoint func(*http.Request) string
}

// GuardPrefixes matches each prefix itself and everything below it.
func GuardPrefixes(prefixes ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		for _, p := range prefixes {
			if r.URL.Path == p || strings.HasPrefix(r.URL.Path, p+"/") {
				return true
			}
		}
		return false
	}
}

func (m APIKeyMiddleware) Wrap(next http.Handler) http.Handler {
	header := m.Header
	if header == "" {
		header = DefaultAPIKeyHeader
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Guard != nil && !m.Guard(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		path := r.URL.Path
		endpoint := path
		if m.Endpoint != nil {
			endpoint = m.Endpoint(r)
		}

		if m.Validator == nil || !m.Validator.IsValid(r.Header.Get(header)) {
			if m.Metrics != nil {
				m.Metrics.Record(endpoint, http.StatusUnauthorized, 0)
			}
			m.Logger.Warn(r.Context(), "unauthorized", "invalid api key",
				slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
				slog.String("path", path),
				slog.String("method", r.Method),
				slog.String("user_agent", r.UserAgent()),
				slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
			)
			httpx.WriteError(w, http.StatusUnauthorized, unauthorizedMessage)
			return
		}

		srw := httpx.NewStatusRecorder(w)
		next.ServeHTTP(srw, r)
		if m.Metrics != nil {
			m.Metrics.Record(endpoint, srw.Status(), time.Since(start))
		}
	})
}
