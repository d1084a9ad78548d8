package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/redis/go-redis/v9"

	"event-tracking-service/api/internal/models"
	"event-tracking-service/shared/cachex"
	"event-tracking-service/shared/influxx"
	"event-tracking-service/shared/lockx"
	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
)

const (
	RollupLockKey    = "lock:stats:rollup"
	RollupSummaryKey = "stats:rollup:last"
)

type DailySource interface {
	Daily(ctx context.Context) ([]models.DailySiteStats, error)
}

type PointWriter interface {
	WritePoints(ctx context.Context, points ...*write.Point) error
}

// RollupSummary is cached after every successful rollup.
type RollupSummary struct {
	Date        string                  `json:"date"`
	Sites       int                     `json:"sites"`
	TotalEvents int                     `json:"total_events"`
	RanAt       time.Time               `json:"ran_at"`
	Stats       []models.DailySiteStats `json:"stats"`
}

// RollupJob snapshots today's per-site stats into Influx. Only one worker runs it at a time.
type RollupJob struct {
	Stats      DailySource
	Points     PointWriter
	Redis      *redis.Client
	Cache      *cachex.Client
	LockTTL    time.Duration
	SummaryTTL time.Duration
	Logger     logx.Logger

	now func() time.Time
}

func (j *RollupJob) HandleRollup(ctx context.Context, _ *asynq.Task) error {
	ttl := j.LockTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	err := lockx.Do(ctx, j.Redis, RollupLockKey, ttl, j.Run)
	if errors.Is(err, lockx.ErrHeld) {
		j.Logger.Debug(ctx, "rollup_skipped", "rollup already running elsewhere")
		return nil
	}
	return err
}

// Run performs one rollup without taking the lock.
func (j *RollupJob) Run(ctx context.Context) error {
	started := time.Now()
	defer func() { metricsx.ObserveRollupDuration(time.Since(started)) }()

	stats, err := j.Stats.Daily(ctx)
	if err != nil {
		return fmt.Errorf("rollup: %w", err)
	}
	ranAt := time.Now().UTC()
	if j.now != nil {
		ranAt = j.now().UTC()
	}

	summary := RollupSummary{RanAt: ranAt, Sites: len(stats), Stats: stats}
	points := make([]*write.Point, 0, len(stats))
	for _, s := range stats {
		summary.Date = s.Date
		summary.TotalEvents += s.TotalEvents
		points = append(points, sitePoint(s, ranAt))
	}

	if j.Points != nil {
		if err := j.Points.WritePoints(ctx, points...); err != nil {
			metricsx.IncInfluxWriteFailure()
			return fmt.Errorf("rollup: write points: %w", err)
		}
	}
	if j.Cache != nil {
		if err := j.Cache.SetJSON(ctx, RollupSummaryKey, summary, j.SummaryTTL); err != nil {
			j.Logger.Warn(ctx, "rollup_cache_failed", "failed to cache rollup summary",
				slog.String("error", err.Error()),
			)
		}
	}

	j.Logger.Info(ctx, "rollup_done", "daily rollup written",
		slog.String("date", summary.Date),
		slog.Int("sites", summary.Sites),
		slog.Int("total_events", summary.TotalEvents),
	)
	return nil
}

func sitePoint(s models.DailySiteStats, ts time.Time) *write.Point {
	fields := map[string]any{
		"total_events": s.TotalEvents,
		"unique_users": s.UniqueUsers,
	}
	for typ, n := range s.EventTypes {
		fields["type_"+typ] = n
	}
	return influxx.NewPoint(influxx.MeasurementDailySite, map[string]string{
		"site": s.Site,
		"date": s.Date,
	}, fields, ts)
}
