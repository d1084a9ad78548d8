package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"event-tracking-service/shared/httpx"
)

type RateLimitMiddleware struct {
	Limiter *TokenBucketLimiter
	// KeyFunc picks the bucket for a request. Nil uses ClientKey with the default header.
	KeyFunc func(*http.Request) string
	Skip    func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if m.Limiter == nil {
		return next
	}
	keyFunc := m.KeyFunc
	if keyFunc == nil {
		keyFunc = ClientKey(DefaultAPIKeyHeader)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !m.Limiter.Allow(keyFunc(r)) {
			w.Header().Set("Retry-After", "1")
			httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey buckets callers by API key when one is presented and by client IP otherwise.
// Keys are hashed so raw secrets never sit in the limiter map.
func ClientKey(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if k := strings.TrimSpace(r.Header.Get(header)); k != "" {
			sum := sha256.Sum256([]byte(k))
			return "key:" + hex.EncodeToString(sum[:8])
		}
		if ip := httpx.ClientIP(r); ip != "" {
			return "ip:" + ip
		}
		return "unknown"
	}
}

type TokenBucketLimiter struct {
	mu      sync.Mutex
	rps     float64
	burst   float64
	ttl     time.Duration
	now     func() time.Time
	clients map[string]*clientTokens
}

type clientTokens struct {
	tokens   float64
	lastSeen time.Time
}

func NewTokenBucketLimiter(rps float64, burst int, ttl time.Duration) *TokenBucketLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &TokenBucketLimiter{
		rps:     rps,
		burst:   float64(burst),
		ttl:     ttl,
		now:     time.Now,
		clients: make(map[string]*clientTokens),
	}
}

func (l *TokenBucketLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanup(now)

	client, ok := l.clients[key]
	if !ok {
		l.clients[key] = &clientTokens{tokens: l.burst - 1, lastSeen: now}
		return true
	}

	client.tokens += now.Sub(client.lastSeen).Seconds() * l.rps
	if client.tokens > l.burst {
		client.tokens = l.burst
	}
	client.lastSeen = now
	if client.tokens < 1 {
		return false
	}
	client.tokens--
	return true
}

func (l *TokenBucketLimiter) cleanup(now time.Time) {
	for key, client := range l.clients {
		if now.Sub(client.lastSeen) > l.ttl {
			delete(l.clients, key)
		}
	}
}
