// Package billing derives presentation-agnostic views from parsed billing
// events: the per-event category and a few summary statistics.
package billing

import "billcal/internal/model"

const (
	eventTypeCharge = "CHARGE"
	eventTypePause  = "PAUSE"
)

// Classify maps an event to its category. Rules are checked in order and
// the first match wins:
//
//  1. CHARGE with amount > 0  -> Charge
//  2. PAUSE with amount == 0  -> Pause
//  3. CHARGE with amount == 0 -> Resume
//  4. anything else           -> Unknown
//
// A zero amount is a real signal and is distinct from a missing one.
func Classify(ev model.EventRecord) model.Category {
	if ev.EventType == nil || ev.Amount == nil {
		return model.CategoryUnknown
	}
	amount := *ev.Amount

	switch {
	case *ev.EventType == eventTypeCharge && amount > 0:
		return model.CategoryCharge
	case *ev.EventType == eventTypePause && amount == 0:
		return model.CategoryPause
	case *ev.EventType == eventTypeCharge && amount == 0:
		return model.CategoryResume
	default:
		return model.CategoryUnknown
	}
}

// Classified pairs an event with its category for API output.
type Classified struct {
	model.EventRecord
	Category model.Category `json:"category"`
	Color    string         `json:"color"`
}

// ClassifyAll classifies events in order.
func ClassifyAll(events []model.EventRecord) []Classified {
	out := make([]Classified, 0, len(events))
	for _, ev := range events {
		c := Classify(ev)
		out = append(out, Classified{EventRecord: ev, Category: c, Color: c.Color()})
	}
	return out
}
