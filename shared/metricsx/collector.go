package metricsx

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const responseWindow = 100

// Snapshot is the JSON shape served by GET /metrics.
type Snapshot struct {
	TotalRequests     int64            `json:"total_requests"`
	Requests          map[string]int64 `json:"requests"`
	StatusCodes       map[string]int64 `json:"status_codes"`
	Errors            int64            `json:"errors"`
	ErrorRate         string           `json:"error_rate"`
	AvgResponseTimeMS float64          `json:"avg_response_time_ms"`
	UptimeMS          int64            `json:"uptime_ms"`
}

// Collector owns the process-wide request counters. All access goes through its methods.
// Counters are not persisted and reset on restart.
type Collector struct {
	mu        sync.Mutex
	startedAt time.Time
	now       func() time.Time

	total      int64
	byEndpoint map[string]int64
	byStatus   map[int]int64
	errors     int64

	// ring buffer of the most recent response times
	times   [responseWindow]time.Duration
	nTimes  int
	next    int
	sumTime time.Duration
}

func NewCollector() *Collector {
	return newCollector(time.Now)
}

func newCollector(now func() time.Time) *Collector {
	return &Collector{
		startedAt:  now(),
		now:        now,
		byEndpoint: map[string]int64{},
		byStatus:   map[int]int64{},
	}
}

// Record counts one request. A non-positive elapsed means the timing is unknown and is
// left out of the rolling average.
func (c *Collector) Record(endpoint string, status int, elapsed time.Duration) {
	c.mu.Lock()
	c.total++
	c.byEndpoint[endpoint]++
	c.byStatus[status]++
	if status >= 400 {
		c.errors++
	}
	if elapsed > 0 {
		if c.nTimes == responseWindow {
			c.sumTime -= c.times[c.next]
		} else {
			c.nTimes++
		}
		c.times[c.next] = elapsed
		c.sumTime += elapsed
		c.next = (c.next + 1) % responseWindow
	}
	c.mu.Unlock()

	gatedRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		TotalRequests: c.total,
		Requests:      make(map[string]int64, len(c.byEndpoint)),
		StatusCodes:   make(map[string]int64, len(c.byStatus)),
		Errors:        c.errors,
		ErrorRate:     "0%",
		UptimeMS:      c.now().Sub(c.startedAt).Milliseconds(),
	}
	for k, v := range c.byEndpoint {
		s.Requests[k] = v
	}
	for k, v := range c.byStatus {
		s.StatusCodes[strconv.Itoa(k)] = v
	}
	if c.total > 0 {
		s.ErrorRate = fmt.Sprintf("%.2f%%", float64(c.errors)/float64(c.total)*100)
	}
	if c.nTimes > 0 {
		avg := c.sumTime / time.Duration(c.nTimes)
		s.AvgResponseTimeMS = float64(avg.Microseconds()) / 1000
	}
	return s
}
