// Package seed builds event batches for local development and demos. Batches are plain
// JSON items so they go through the same ingestion path as POST /events.
package seed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"event-tracking-service/api/internal/models"
)

type item struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Email     string            `json:"email"`
	Site      string            `json:"site"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type demoRow struct {
	id, typ, email, site string
	hour, minute         int
	meta                 map[string]string
}

var demoRows = []demoRow{
	{"evt_001", models.EventTypeSent, "user1@example.com", "newsletter.com", 9, 0, map[string]string{"campaign": "weekly-digest"}},
	{"evt_002", models.EventTypeOpen, "user1@example.com", "newsletter.com", 10, 30, map[string]string{"campaign": "weekly-digest"}},
	{"evt_003", models.EventTypeClick, "user1@example.com", "newsletter.com", 10, 45, map[string]string{"campaign": "weekly-digest", "link": "https://example.com/article1"}},
	{"evt_004", models.EventTypeSent, "user2@example.com", "newsletter.com", 9, 0, map[string]string{"campaign": "weekly-digest"}},
	{"evt_005", models.EventTypeOpen, "user2@example.com", "newsletter.com", 11, 15, map[string]string{"campaign": "weekly-digest"}},
	{"evt_006", models.EventTypeSent, "customer1@domain.com", "promo.com", 14, 0, map[string]string{"campaign": "flash-sale"}},
	{"evt_007", models.EventTypeOpen, "customer1@domain.com", "promo.com", 14, 30, map[string]string{"campaign": "flash-sale"}},
	{"evt_008", models.EventTypeClick, "customer1@domain.com", "promo.com", 14, 35, map[string]string{"campaign": "flash-sale", "link": "https://promo.com/deals"}},
	{"evt_009", models.EventTypeSent, "customer2@domain.com", "promo.com", 14, 0, map[string]string{"campaign": "flash-sale"}},
	{"evt_010", models.EventTypeComplaint, "customer3@domain.com", "promo.com", 16, 20, map[string]string{"campaign": "flash-sale", "reason": "spam"}},
	{"evt_011", models.EventTypeSent, "reader1@mail.com", "blog.com", 8, 0, map[string]string{"campaign": "new-post-notification"}},
	{"evt_012", models.EventTypeOpen, "reader1@mail.com", "blog.com", 8, 45, map[string]string{"campaign": "new-post-notification"}},
}

// Demo returns the fixed demo dataset: twelve events spread over today in loc across
// three sites, plus evt_013 from yesterday that daily stats must leave out.
func Demo(now time.Time, loc *time.Location) ([]json.RawMessage, error) {
	if loc == nil {
		loc = time.Local
	}
	today := now.In(loc)
	items := make([]item, 0, len(demoRows)+1)
	for _, r := range demoRows {
		ts := time.Date(today.Year(), today.Month(), today.Day(), r.hour, r.minute, 0, 0, loc)
		items = append(items, item{
			ID: r.id, Type: r.typ, Email: r.email, Site: r.site,
			Timestamp: ts.Format(time.RFC3339),
			Metadata:  r.meta,
		})
	}
	items = append(items, item{
		ID: "evt_013", Type: models.EventTypeSent, Email: "old@example.com", Site: "newsletter.com",
		Timestamp: today.AddDate(0, 0, -1).Format(time.RFC3339),
		Metadata:  map[string]string{"campaign": "old-campaign"},
	})
	return marshalAll(items)
}

var randomTypes = []string{
	models.EventTypeSent, models.EventTypeSent, models.EventTypeSent,
	models.EventTypeOpen, models.EventTypeOpen,
	models.EventTypeClick,
	models.EventTypeComplaint,
}

// Random returns n fake events timestamped earlier today in loc. A small pool of sites and
// recipients keeps the per-site aggregates interesting.
func Random(f *gofakeit.Faker, n int, now time.Time, loc *time.Location) ([]json.RawMessage, error) {
	if n <= 0 {
		return nil, fmt.Errorf("count must be > 0, got %d", n)
	}
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	elapsed := int(local.Sub(midnight) / time.Second)

	sites := make([]string, 4)
	for i := range sites {
		sites[i] = f.DomainName()
	}
	emails := make([]string, max(n/3, 1))
	for i := range emails {
		emails[i] = f.Email()
	}

	items := make([]item, 0, n)
	for range n {
		ts := midnight.Add(time.Duration(f.IntRange(0, elapsed)) * time.Second)
		items = append(items, item{
			ID:        "evt_" + f.UUID(),
			Type:      f.RandomString(randomTypes),
			Email:     f.RandomString(emails),
			Site:      f.RandomString(sites),
			Timestamp: ts.Format(time.RFC3339),
			Metadata:  map[string]string{"campaign": f.BuzzWord()},
		})
	}
	return marshalAll(items)
}

func marshalAll(items []item) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		raw, err := json.Marshal(it)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
