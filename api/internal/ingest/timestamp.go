package ingest

import (
	"errors"
	"math"
	"strings"
	"time"
)

var errBadTimestamp = errors.New("unparseable timestamp")

// layouts without a zone are read in the configured location
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC 3339, zone-less local date-times, bare dates (UTC midnight)
// and epoch milliseconds.
func parseTimestamp(v any, loc *time.Location) (time.Time, error) {
	switch ts := v.(type) {
	case string:
		return parseTimestampString(strings.TrimSpace(ts), loc)
	case float64:
		if math.IsNaN(ts) || math.IsInf(ts, 0) || ts != math.Trunc(ts) {
			return time.Time{}, errBadTimestamp
		}
		return time.UnixMilli(int64(ts)).UTC(), nil
	default:
		return time.Time{}, errBadTimestamp
	}
}

func parseTimestampString(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errBadTimestamp
}
