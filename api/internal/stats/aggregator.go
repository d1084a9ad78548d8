package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"event-tracking-service/api/internal/models"
)

type Source interface {
	ListBetween(ctx context.Context, start time.Time, end time.Time) ([]models.Event, error)
}

type Aggregator struct {
	source Source
	loc    *time.Location
	now    func() time.Time
}

func NewAggregator(source Source, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{source: source, loc: loc, now: time.Now}
}

// DayWindow returns the first and last millisecond of the calendar day containing t in loc.
func DayWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
	return start, end
}

// Daily aggregates today's events per site. Either every site is returned or an error.
func (a *Aggregator) Daily(ctx context.Context) ([]models.DailySiteStats, error) {
	now := a.now().In(a.loc)
	start, end := DayWindow(now, a.loc)

	events, err := a.source.ListBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", now.Format(time.DateOnly), err)
	}
	return Aggregate(events, now.Format(time.DateOnly), start, end), nil
}

// Aggregate groups recognized events inside [start, end] by site.
func Aggregate(events []models.Event, date string, start time.Time, end time.Time) []models.DailySiteStats {
	if len(events) == 0 {
		return []models.DailySiteStats{}
	}

	type acc struct {
		total int
		users map[string]struct{}
		types map[string]int
	}
	bySite := map[string]*acc{}

	for _, e := range events {
		if !models.IsRecognizedType(e.Type) {
			continue
		}
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		s, ok := bySite[e.Site]
		if !ok {
			s = &acc{users: map[string]struct{}{}, types: map[string]int{}}
			bySite[e.Site] = s
		}
		s.total++
		s.users[e.Email] = struct{}{}
		s.types[e.Type]++
	}

	out := make([]models.DailySiteStats, 0, len(bySite))
	for site, s := range bySite {
		out = append(out, models.DailySiteStats{
			Date:        date,
			Site:        site,
			TotalEvents: s.total,
			UniqueUsers: len(s.users),
			EventTypes:  s.types,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}
