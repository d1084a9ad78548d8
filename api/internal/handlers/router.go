package handlers

import (
	"net/http"
	"time"

	"event-tracking-service/api/internal/middleware"
	"event-tracking-service/shared/httpx"
	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
)

// GuardedPrefixes are the paths that require an API key.
var GuardedPrefixes = []string{"/events", "/stats"}

type RouterConfig struct {
	Handlers       Handlers
	Validator      middleware.KeyValidator
	Recorder       middleware.RequestRecorder
	Logger         logx.Logger
	APIKeyHeader   string
	RequestTimeout time.Duration
	StoreAvailable bool
	RateLimiter    *middleware.TokenBucketLimiter
	CORS           *middleware.CORSMiddleware
}

// NewRouter registers every route and wraps the mux in the middleware chain.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()
	cfg.Handlers.Register(mux)

	guarded := middleware.GuardPrefixes(GuardedPrefixes...)
	unguarded := func(r *http.Request) bool { return !guarded(r) }

	handler := httpx.WrapServeMux(mux, NotFound())
	handler = middleware.StoreRequiredMiddleware{
		Available: cfg.StoreAvailable,
		Skip:      unguarded,
	}.Wrap(handler)
	// The limiter sits inside the gate so it only ever buckets verified keys.
	handler = middleware.RateLimitMiddleware{
		Limiter: cfg.RateLimiter,
		KeyFunc: middleware.ClientKey(headerOrDefault(cfg.APIKeyHeader)),
		Skip:    unguarded,
	}.Wrap(handler)
	handler = middleware.APIKeyMiddleware{
		Validator: cfg.Validator,
		Metrics:   cfg.Recorder,
		Logger:    cfg.Logger,
		Header:    cfg.APIKeyHeader,
		Guard:     guarded,
		Endpoint:  metricsx.RouteLabel(mux),
	}.Wrap(handler)
	if cfg.CORS != nil {
		handler = cfg.CORS.Wrap(handler)
	}
	handler = metricsx.Instrument(mux, handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(cfg.Logger, handler)
	handler = httpx.WithRequestLog(cfg.Logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{
		"/health/live":  true,
		"/health/ready": true,
	}}, handler)
	return handler
}

func headerOrDefault(h string) string {
	if h == "" {
		return middleware.DefaultAPIKeyHeader
	}
	return h
}
