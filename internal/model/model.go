package model

import (
	"encoding/json"

	"billcal/internal/payload"
)

// EventRecord is one VEVENT flattened and enriched with the billing
// metadata recovered from its DESCRIPTION.
//
// Optional attributes are pointers: nil means the source did not provide
// them (or, for Amount/EventType, that the payload had no value of the
// right type).
type EventRecord struct {
	Summary string `json:"summary"`
	UID     string `json:"uid"`

	// Start / End / Created are UTC ISO-8601 strings with millisecond
	// precision, or the literal property value when it could not be
	// resolved to an instant.
	Start   *string `json:"start,omitempty"`
	End     *string `json:"end,omitempty"`
	Created *string `json:"created,omitempty"`

	Description *payload.Value `json:"description,omitempty"`

	Amount    *float64 `json:"amount,omitempty"`
	EventType *string  `json:"event_type,omitempty"`
}

// ParseResult is either a list of events or a single document-level error.
// Exactly one arm is meaningful; see Failed.
type ParseResult struct {
	Events []EventRecord
	Err    string
}

// EventsResult builds the success arm. A nil slice is normalized to empty.
func EventsResult(events []EventRecord) ParseResult {
	if events == nil {
		events = []EventRecord{}
	}
	return ParseResult{Events: events}
}

// ErrorResult builds the error arm.
func ErrorResult(msg string) ParseResult {
	return ParseResult{Err: msg}
}

// Failed reports whether this is the error arm.
func (r ParseResult) Failed() bool {
	return r.Err != ""
}

// MarshalJSON renders {"events":[...]} or {"error":"..."}, never both.
func (r ParseResult) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Err})
	}
	events := r.Events
	if events == nil {
		events = []EventRecord{}
	}
	return json.Marshal(struct {
		Events []EventRecord `json:"events"`
	}{events})
}

// Category groups billing events for presentation.
type Category string

const (
	CategoryCharge  Category = "CHARGE"
	CategoryPause   Category = "PAUSE"
	CategoryResume  Category = "RESUME"
	CategoryUnknown Category = "UNKNOWN"
)

// Color is the presentation hint each category has always been drawn with.
func (c Category) Color() string {
	switch c {
	case CategoryCharge:
		return "green"
	case CategoryPause:
		return "red"
	case CategoryResume:
		return "blue"
	default:
		return "gray"
	}
}
