package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"event-tracking-service/api/internal/health"
	"event-tracking-service/api/internal/ingest"
	"event-tracking-service/api/internal/middleware"
	"event-tracking-service/api/internal/models"
	"event-tracking-service/api/internal/stats"
	"event-tracking-service/shared/authx"
	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
)

const testKey = "sk_test_123456789"

type mockIngester struct{ mock.Mock }

func (m *mockIngester) Process(ctx context.Context, items []json.RawMessage) (ingest.Result, error) {
	args := m.Called(ctx, items)
	return args.Get(0).(ingest.Result), args.Error(1)
}

type mockStats struct{ mock.Mock }

func (m *mockStats) Daily(ctx context.Context) ([]models.DailySiteStats, error) {
	args := m.Called(ctx)
	data, _ := args.Get(0).([]models.DailySiteStats)
	return data, args.Error(1)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) (time.Duration, error) { return time.Millisecond, p.err }

// memEvents is an in-process event store with the same inclusive range semantics.
type memEvents struct {
	mu     sync.Mutex
	events map[string]models.Event
}

func (s *memEvents) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[id]
	return ok, nil
}

func (s *memEvents) Create(_ context.Context, e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return errors.New("duplicate key")
	}
	s.events[e.ID] = e
	return nil
}

func (s *memEvents) ListBetween(_ context.Context, start time.Time, end time.Time) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, e := range s.events {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

type fixture struct {
	handler   http.Handler
	ingester  *mockIngester
	stats     *mockStats
	collector *metricsx.Collector
}

func newFixture(t *testing.T, db error) fixture {
	t.Helper()
	f := fixture{
		ingester:  &mockIngester{},
		stats:     &mockStats{},
		collector: metricsx.NewCollector(),
	}
	f.handler = NewRouter(RouterConfig{
		Handlers: Handlers{
			Ingest:       f.ingester,
			Stats:        f.stats,
			Health:       health.New(pinger{err: db}, health.ServiceInfo{Name: "tracking-api", Version: "0.1.0", Environment: "test"}, nil),
			Metrics:      f.collector,
			Logger:       logx.Nop(),
			MaxBodyBytes: 1 << 20,
		},
		Validator:      authx.NewKeyValidator(func() string { return "" }, testKey),
		Recorder:       f.collector,
		Logger:         logx.Nop(),
		RequestTimeout: 5 * time.Second,
		StoreAvailable: true,
	})
	return f
}

func do(h http.Handler, method, path, body, key string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPostEventsCreated(t *testing.T) {
	f := newFixture(t, nil)
	f.ingester.On("Process", mock.Anything, mock.MatchedBy(func(items []json.RawMessage) bool {
		return len(items) == 1
	})).Return(ingest.Result{Processed: 1, Errors: []string{}}, nil).Once()

	rec := do(f.handler, http.MethodPost, "/events",
		`{"events":[{"id":"e1","type":"sent","email":"a@x.com","site":"s1","timestamp":"2024-01-20T10:00:00Z"}]}`, testKey)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"processed":1,"duplicates":0,"errors":[]}`, rec.Body.String())
	f.ingester.AssertExpectations(t)
}

func TestPostEventsStructuralErrors(t *testing.T) {
	f := newFixture(t, nil)
	for _, body := range []string{`{}`, `{"events":"nope"}`, `{"events":null}`, `not json`, `[]`} {
		rec := do(f.handler, http.MethodPost, "/events", body, testKey)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.JSONEq(t, `{"error":"Events array is required"}`, rec.Body.String(), body)
	}
	f.ingester.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestPostEventsBatchFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.ingester.On("Process", mock.Anything, mock.Anything).Return(ingest.Result{}, context.Canceled).Once()

	rec := do(f.handler, http.MethodPost, "/events", `{"events":[]}`, testKey)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to process events"}`, rec.Body.String())
}

func TestGuardedPathsRejectInvalidKey(t *testing.T) {
	f := newFixture(t, nil)

	rec := do(f.handler, http.MethodPost, "/events", `{"events":[]}`, "invalid")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unauthorized")

	rec = do(f.handler, http.MethodGet, "/stats/daily", "", "invalid")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.ingester.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
	f.stats.AssertNotCalled(t, "Daily", mock.Anything)
	snap := f.collector.Snapshot()
	assert.Equal(t, int64(2), snap.StatusCodes["401"])
	assert.Equal(t, int64(1), snap.Requests["/events"])
	assert.Equal(t, int64(1), snap.Requests["/stats/daily"])
}

func TestUnknownGuardedPathsShareOneEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 1000; i++ {
		rec := do(f.handler, http.MethodPost, fmt.Sprintf("/events/%d", i), "", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	snap := f.collector.Snapshot()
	assert.Len(t, snap.Requests, 1)
	assert.Equal(t, int64(1000), snap.Requests[metricsx.UnmatchedRoute])
}

func TestRateLimitAppliesToVerifiedKeysOnly(t *testing.T) {
	collector := metricsx.NewCollector()
	stats := &mockStats{}
	stats.On("Daily", mock.Anything).Return([]models.DailySiteStats{}, nil)
	h := NewRouter(RouterConfig{
		Handlers: Handlers{
			Stats:   stats,
			Health:  health.New(pinger{}, health.ServiceInfo{}, nil),
			Metrics: collector,
			Logger:  logx.Nop(),
		},
		Validator:      authx.NewKeyValidator(func() string { return "" }, testKey),
		Recorder:       collector,
		Logger:         logx.Nop(),
		StoreAvailable: true,
		RateLimiter:    middleware.NewTokenBucketLimiter(0.001, 1, time.Minute),
	})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/stats/daily", "", testKey).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/stats/daily", "", testKey).Code)

	for i := 0; i < 5; i++ {
		rec := do(h, http.MethodGet, "/stats/daily", "", fmt.Sprintf("random-%d", i))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "invalid keys are rejected before the limiter")
	}
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/stats/daily", "", testKey).Code)
}

func TestDailyStats(t *testing.T) {
	f := newFixture(t, nil)
	f.stats.On("Daily", mock.Anything).Return([]models.DailySiteStats{{
		Date: "2024-01-20", Site: "s1", TotalEvents: 2, UniqueUsers: 1,
		EventTypes: map[string]int{"sent": 1, "open": 1},
	}}, nil).Once()

	rec := do(f.handler, http.MethodGet, "/stats/daily", "", testKey)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[{"date":"2024-01-20","site":"s1","total_events":2,"unique_users":1,"event_types":{"sent":1,"open":1}}]}`, rec.Body.String())
}

func TestDailyStatsEmptyIsArray(t *testing.T) {
	f := newFixture(t, nil)
	f.stats.On("Daily", mock.Anything).Return([]models.DailySiteStats{}, nil).Once()

	rec := do(f.handler, http.MethodGet, "/stats/daily", "", testKey)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestDailyStatsFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.stats.On("Daily", mock.Anything).Return(nil, errors.New("db down")).Once()

	rec := do(f.handler, http.MethodGet, "/stats/daily", "", testKey)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to fetch daily stats"}`, rec.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	rec := do(f.handler, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var h health.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.Database.Status)
	assert.Contains(t, rec.Body.String(), `"responseTime":1`)

	assert.Equal(t, http.StatusOK, do(f.handler, http.MethodGet, "/health/live", "", "").Code)
	rec = do(f.handler, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"responseTime":1`)
	assert.Equal(t, http.StatusOK, do(f.handler, http.MethodGet, "/info", "", "").Code)
}

func TestHealthDatabaseDown(t *testing.T) {
	f := newFixture(t, errors.New("refused"))

	rec := do(f.handler, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unhealthy"`)

	rec = do(f.handler, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":false`)

	assert.Equal(t, http.StatusOK, do(f.handler, http.MethodGet, "/health/live", "", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	do(f.handler, http.MethodGet, "/stats/daily", "", "invalid")

	rec := do(f.handler, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var snap metricsx.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, "100.00%", snap.ErrorRate)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, nil)
	rec := do(f.handler, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"route not found"}`, rec.Body.String())
}

func TestStoreUnavailable(t *testing.T) {
	h := NewRouter(RouterConfig{
		Handlers:  Handlers{Health: health.New(nil, health.ServiceInfo{}, nil), Metrics: metricsx.NewCollector()},
		Validator: authx.NewKeyValidator(nil, testKey),
		Logger:    logx.Nop(),
	})

	rec := do(h, http.MethodPost, "/events", `{"events":[]}`, testKey)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health/live", "", "").Code)
}

func TestIngestThenAggregate(t *testing.T) {
	store := &memEvents{events: map[string]models.Event{}}
	collector := metricsx.NewCollector()
	h := NewRouter(RouterConfig{
		Handlers: Handlers{
			Ingest:  ingest.NewProcessor(store, time.UTC, logx.Nop()),
			Stats:   stats.NewAggregator(store, time.UTC),
			Health:  health.New(pinger{}, health.ServiceInfo{}, nil),
			Metrics: collector,
			Logger:  logx.Nop(),
		},
		Validator:      authx.NewKeyValidator(func() string { return "k1, k2" }, testKey),
		Recorder:       collector,
		Logger:         logx.Nop(),
		StoreAvailable: true,
	})

	today := time.Now().UTC().Format(time.DateOnly)
	body := `{"events":[
		{"id":"e1","type":"sent","email":"a@x.com","site":"s1","timestamp":"` + today + `T09:00:00Z"},
		{"id":"e2","type":"open","email":"a@x.com","site":"s1","timestamp":"` + today + `T10:00:00Z"},
		{"id":"e3","type":"bounce","email":"b@x.com","site":"s1","timestamp":"` + today + `T11:00:00Z"}
	]}`
	rec := do(h, http.MethodPost, "/events", body, "k2")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"processed":3,"duplicates":0,"errors":[]}`, rec.Body.String())

	// the fallback key is not accepted while an allow-list is configured
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/stats/daily", "", testKey).Code)

	rec = do(h, http.MethodGet, "/stats/daily", "", "k1")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []models.DailySiteStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "s1", resp.Data[0].Site)
	assert.Equal(t, today, resp.Data[0].Date)
	assert.Equal(t, 2, resp.Data[0].TotalEvents)
	assert.Equal(t, 1, resp.Data[0].UniqueUsers)
	assert.Equal(t, map[string]int{"sent": 1, "open": 1}, resp.Data[0].EventTypes)
}
