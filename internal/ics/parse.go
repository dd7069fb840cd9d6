package ics

import (
	"errors"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "billcal/internal/log"
	"billcal/internal/model"
	"billcal/internal/payload"
)

// isoMillis is the UTC ISO-8601 rendering used for every resolved instant.
const isoMillis = "2006-01-02T15:04:05.000Z"

var errUnterminated = errors.New("malformed calendar; unterminated VCALENDAR")

type options struct {
	floating *time.Location
}

// Option tweaks how Parse resolves instants.
type Option func(*options)

// WithFloatingLocation sets the zone used for floating DATE / DATE-TIME
// values (no trailing Z and no TZID). Defaults to UTC.
func WithFloatingLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.floating = loc
		}
	}
}

// Parse turns an iCalendar document into flat event records.
//
//   - Blank input yields an empty event list, not an error.
//   - Only top-level VEVENTs are extracted, in document order; other
//     components (VTIMEZONE, VTODO, ...) are skipped.
//   - Any structural failure aborts the whole parse and yields the error
//     arm with the grammar parser's message. No partial events are returned.
//   - A malformed DESCRIPTION payload never fails the parse; see
//     payload.Recover.
func Parse(text string, opts ...Option) model.ParseResult {
	o := options{floating: time.UTC}
	for _, opt := range opts {
		opt(&o)
	}

	if strings.TrimSpace(text) == "" {
		return model.EventsResult(nil)
	}

	cal, err := ical.ParseCalendar(strings.NewReader(text))
	if err != nil {
		appLog.Debug("ics parse failed", "err", err.Error())
		return model.ErrorResult(faultMessage(err))
	}
	// golang-ical returns successfully when the input simply stops before
	// END:VCALENDAR, so termination is checked separately.
	if err := checkTerminated(text); err != nil {
		appLog.Debug("ics parse failed", "err", err.Error())
		return model.ErrorResult(faultMessage(err))
	}

	vevents := cal.Events()
	events := make([]model.EventRecord, 0, len(vevents))
	for _, ve := range vevents {
		events = append(events, parseVEvent(ve, o))
	}

	appLog.Debug("ics parse completed", "event_count", len(events))
	return model.EventsResult(events)
}

// ParseReader reads r fully and parses it. A read failure is reported on
// the error arm like any other document fault.
func ParseReader(r io.Reader, opts ...Option) model.ParseResult {
	body, err := io.ReadAll(r)
	if err != nil {
		return model.ErrorResult(faultMessage(err))
	}
	return Parse(string(body), opts...)
}

func parseVEvent(ve *ical.VEvent, o options) model.EventRecord {
	var out model.EventRecord

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}

	out.Start = instant(ve, ical.ComponentPropertyDtStart, ve.GetStartAt, o)
	out.End = instant(ve, ical.ComponentPropertyDtEnd, ve.GetEndAt, o)
	out.Created = instant(ve, ical.ComponentPropertyDtstamp, ve.GetDtStampTime, o)

	// An empty DESCRIPTION carries nothing to recover.
	var raw *string
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil && p.Value != "" {
		v := p.Value
		raw = &v
	}
	out.Description = payload.Recover(raw)
	out.Amount, out.EventType = payload.Lift(out.Description)

	return out
}

// instant renders an instant-valued property. It returns nil when the
// property is missing or empty, the UTC ISO-8601 form when golang-ical can
// resolve it, and the literal value otherwise (unknown TZID, odd formats).
func instant(ve *ical.VEvent, prop ical.ComponentProperty, get func() (time.Time, error), o options) *string {
	p := ve.GetProperty(prop)
	if p == nil || strings.TrimSpace(p.Value) == "" {
		return nil
	}

	t, err := get()
	if err != nil {
		lit := p.Value
		return &lit
	}
	if isFloating(p) {
		// golang-ical anchors floating values in time.Local.
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), o.floating)
	}

	s := t.UTC().Format(isoMillis)
	return &s
}

func isFloating(p *ical.IANAProperty) bool {
	if _, ok := p.ICalParameters["TZID"]; ok {
		return false
	}
	return !strings.HasSuffix(strings.TrimSpace(p.Value), "Z")
}

// checkTerminated verifies that the last content line closes the calendar.
// Line unfolding and property syntax are left to golang-ical.
func checkTerminated(text string) error {
	cs := ical.NewCalendarStream(strings.NewReader(text))
	var last *ical.BaseProperty
	for {
		l, err := cs.ReadLine()
		if l != nil && len(*l) > 0 {
			if p, perr := ical.ParseProperty(*l); perr == nil && p != nil {
				last = p
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}
	if last == nil || last.IANAToken != "END" || last.Value != string(ical.ComponentVCalendar) {
		return errUnterminated
	}
	return nil
}

func faultMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "calendar parse failed"
}
