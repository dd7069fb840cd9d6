package billing

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"billcal/internal/model"
)

// createdPalette is cycled over distinct DTSTAMP values, in first-seen order.
var createdPalette = []string{"purple", "orange", "cyan", "magenta", "volcano", "gold", "geekblue"}

// Summary holds the headline counts shown next to an event timeline.
type Summary struct {
	Total           int                    `json:"total"`
	DistinctCreated int                    `json:"distinct_created"`
	Charges         int                    `json:"charges"`
	Pauses          int                    `json:"pauses"`
	ByCategory      map[model.Category]int `json:"by_category"`
}

// Summarize counts events. Events without a created stamp share one bucket
// when counting distinct stamps.
func Summarize(events []model.EventRecord) Summary {
	s := Summary{
		Total: len(events),
		ByCategory: map[model.Category]int{
			model.CategoryCharge:  0,
			model.CategoryPause:   0,
			model.CategoryResume:  0,
			model.CategoryUnknown: 0,
		},
	}

	seen := make(map[string]struct{})
	for _, ev := range events {
		seen[createdKey(ev)] = struct{}{}

		c := Classify(ev)
		s.ByCategory[c]++
		switch c {
		case model.CategoryCharge:
			s.Charges++
		case model.CategoryPause:
			s.Pauses++
		}
	}
	s.DistinctCreated = len(seen)

	return s
}

// CreatedPalette assigns each distinct created value a color.
func CreatedPalette(events []model.EventRecord) map[string]string {
	out := make(map[string]string)
	i := 0
	for _, ev := range events {
		key := createdKey(ev)
		if _, ok := out[key]; ok {
			continue
		}
		out[key] = createdPalette[i%len(createdPalette)]
		i++
	}
	return out
}

func createdKey(ev model.EventRecord) string {
	if ev.Created == nil {
		return ""
	}
	return *ev.Created
}

// DayDelta is one entry of the chronological start-date view.
type DayDelta struct {
	UID   string `json:"uid"`
	Start string `json:"start"`
	// DaysSincePrevious is nil for the first event.
	DaysSincePrevious *int `json:"days_since_previous"`
}

// DayDeltas sorts events by start instant and reports the whole number of
// days since the previous event. Events whose start is missing or not a
// resolved instant are left out.
func DayDeltas(events []model.EventRecord) []DayDelta {
	type dated struct {
		ev    model.EventRecord
		start time.Time
	}

	items := make([]dated, 0, len(events))
	for _, ev := range events {
		if ev.Start == nil {
			continue
		}
		t, err := time.Parse(time.RFC3339, *ev.Start)
		if err != nil {
			continue
		}
		items = append(items, dated{ev: ev, start: t})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].start.Before(items[j].start)
	})

	out := make([]DayDelta, 0, len(items))
	for i, it := range items {
		d := DayDelta{UID: it.ev.UID, Start: *it.ev.Start}
		if i > 0 {
			days := int(it.start.Sub(items[i-1].start).Hours() / 24)
			d.DaysSincePrevious = &days
		}
		out = append(out, d)
	}
	return out
}

// FormatInstant renders an ISO-8601 instant as "1st Dec 2025 @ 13:45:22"
// in UTC. Empty input renders as an em dash; anything unparseable is
// returned unchanged.
func FormatInstant(iso string) string {
	if iso == "" {
		return "—"
	}
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return iso
	}
	t = t.UTC()
	return fmt.Sprintf("%s %s %d @ %02d:%02d:%02d",
		ordinal(t.Day()), t.Format("Jan"), t.Year(), t.Hour(), t.Minute(), t.Second())
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}
