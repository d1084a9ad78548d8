package health

import (
	"context"
	"math"
	"runtime"
	"time"

	"event-tracking-service/shared/config"
)

const (
	StatusHealthy      = "healthy"
	StatusUnhealthy    = "unhealthy"
	DBStatusConnected  = "connected"
	DBStatusDisconnect = "disconnected"
)

type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Database reports the store probe. ResponseTime is in milliseconds.
type Database struct {
	Status       string   `json:"status"`
	ResponseTime *float64 `json:"responseTime,omitempty"`
}

type Memory struct {
	UsedMB  int64 `json:"used_mb"`
	TotalMB int64 `json:"total_mb"`
}

type Health struct {
	Status      string   `json:"status"`
	Timestamp   string   `json:"timestamp"`
	Version     string   `json:"version"`
	Uptime      float64  `json:"uptime"`
	Environment string   `json:"environment"`
	Memory      Memory   `json:"memory"`
	Database    Database `json:"database"`
}

type Live struct {
	Alive     bool    `json:"alive"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
	Memory    Memory  `json:"memory"`
}

type Ready struct {
	Ready     bool             `json:"ready"`
	Timestamp string           `json:"timestamp"`
	Database  Database         `json:"database"`
	Problems  []config.Problem `json:"problems,omitempty"`
}

type ServiceInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Environment string `json:"environment"`
}

type Info struct {
	Service   ServiceInfo       `json:"service"`
	Endpoints map[string]string `json:"endpoints"`
	Runtime   map[string]string `json:"runtime"`
	Timestamp string            `json:"timestamp"`
}

// Service builds the payloads of the unauthenticated health and info endpoints.
type Service struct {
	db        Pinger
	info      ServiceInfo
	problems  []config.Problem
	startedAt time.Time
	now       func() time.Time
}

// New takes the configuration problems found at startup. They are reported on the
// readiness payload but do not change readiness, which depends on the database alone.
func New(db Pinger, info ServiceInfo, problems []config.Problem) *Service {
	return &Service{
		db:        db,
		info:      info,
		problems:  problems,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

func (s *Service) Health(ctx context.Context) Health {
	db := s.checkDatabase(ctx)
	status := StatusHealthy
	if db.Status != DBStatusConnected {
		status = StatusUnhealthy
	}
	return Health{
		Status:      status,
		Timestamp:   s.timestamp(),
		Version:     s.info.Version,
		Uptime:      s.uptime(),
		Environment: s.info.Environment,
		Memory:      readMemory(),
		Database:    db,
	}
}

func (s *Service) Live() Live {
	return Live{
		Alive:     true,
		Timestamp: s.timestamp(),
		Uptime:    s.uptime(),
		Memory:    readMemory(),
	}
}

func (s *Service) Ready(ctx context.Context) Ready {
	db := s.checkDatabase(ctx)
	return Ready{
		Ready:     db.Status == DBStatusConnected,
		Timestamp: s.timestamp(),
		Database:  db,
		Problems:  s.problems,
	}
}

func (s *Service) Info() Info {
	return Info{
		Service: s.info,
		Endpoints: map[string]string{
			"health":     "GET /health",
			"liveness":   "GET /health/live",
			"readiness":  "GET /health/ready",
			"metrics":    "GET /metrics",
			"prometheus": "GET /metrics/prometheus",
			"info":       "GET /info",
			"events":     "POST /events",
			"stats":      "GET /stats/daily",
		},
		Runtime: map[string]string{
			"go":       runtime.Version(),
			"platform": runtime.GOOS,
			"arch":     runtime.GOARCH,
		},
		Timestamp: s.timestamp(),
	}
}

func (s *Service) checkDatabase(ctx context.Context) Database {
	if s.db == nil {
		return Database{Status: DBStatusDisconnect}
	}
	elapsed, err := s.db.Ping(ctx)
	if err != nil {
		return Database{Status: DBStatusDisconnect}
	}
	ms := math.Round(float64(elapsed.Microseconds())/10) / 100
	return Database{Status: DBStatusConnected, ResponseTime: &ms}
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func (s *Service) uptime() float64 {
	return s.now().Sub(s.startedAt).Seconds()
}

func readMemory() Memory {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Memory{
		UsedMB:  int64(math.Round(float64(m.HeapAlloc) / 1024 / 1024)),
		TotalMB: int64(math.Round(float64(m.HeapSys) / 1024 / 1024)),
	}
}
