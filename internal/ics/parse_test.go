package ics

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"billcal/internal/payload"
)

// calendar wraps VEVENT bodies into a minimal VCALENDAR with CRLF endings.
func calendar(blocks ...string) string {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//billcal//test//EN"}
	lines = append(lines, blocks...)
	lines = append(lines, "END:VCALENDAR")
	return strings.Join(lines, "\r\n") + "\r\n"
}

func vevent(props ...string) string {
	return strings.Join(append(append([]string{"BEGIN:VEVENT"}, props...), "END:VEVENT"), "\r\n")
}

func TestParse_BlankInput(t *testing.T) {
	for _, in := range []string{"", "   ", "\r\n\t\n"} {
		res := Parse(in)
		if res.Failed() {
			t.Fatalf("Parse(%q) failed: %s", in, res.Err)
		}
		if res.Events == nil || len(res.Events) != 0 {
			t.Fatalf("Parse(%q) = %#v, want empty non-nil events", in, res.Events)
		}
	}
}

func TestParse_NoEvents(t *testing.T) {
	doc := calendar(strings.Join([]string{
		"BEGIN:VTIMEZONE",
		"TZID:Asia/Seoul",
		"BEGIN:STANDARD",
		"DTSTART:19700101T000000",
		"TZOFFSETFROM:+0900",
		"TZOFFSETTO:+0900",
		"END:STANDARD",
		"END:VTIMEZONE",
	}, "\r\n"))

	res := Parse(doc)
	if res.Failed() {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("expected no events, got %d", len(res.Events))
	}
}

func TestParse_MalformedDocuments(t *testing.T) {
	tests := map[string]string{
		"unterminated calendar": strings.Join([]string{
			"BEGIN:VCALENDAR",
			vevent("UID:a", "SUMMARY:closed event"),
		}, "\r\n"),
		"unterminated event": "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:a\r\nSUMMARY:open\r\n",
		"not a calendar":     "hello world",
		"wrong root block":   "BEGIN:VEVENT\r\nUID:a\r\nEND:VEVENT\r\n",
		"unbalanced end":     "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:a\r\nEND:VTODO\r\nEND:VCALENDAR\r\n",
		"content after end":  calendar(vevent("UID:a")) + "SUMMARY:late\r\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			res := Parse(doc)
			if !res.Failed() {
				t.Fatalf("expected error arm, got %d events", len(res.Events))
			}
			if res.Events != nil {
				t.Fatalf("error arm must not carry events, got %#v", res.Events)
			}

			body, err := json.Marshal(res)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var shape map[string]any
			if err := json.Unmarshal(body, &shape); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if _, ok := shape["events"]; ok {
				t.Fatalf("error JSON must not contain events: %s", body)
			}
			if msg, _ := shape["error"].(string); msg == "" {
				t.Fatalf("error JSON must carry a message: %s", body)
			}
		})
	}
}

// Property and component names must be uppercase; lowercase documents
// come back as the error arm rather than a partial event list.
func TestParse_LowercaseNamesRejected(t *testing.T) {
	docs := map[string]string{
		"all lowercase":   "begin:vcalendar\r\nbegin:vevent\r\nuid:a\r\nend:vevent\r\nend:vcalendar\r\n",
		"lowercase close": "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nUID:a\r\nEND:VEVENT\r\nend:vcalendar\r\n",
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			res := Parse(doc)
			if !res.Failed() || res.Events != nil {
				t.Fatalf("expected the error arm, got %+v", res)
			}
			if !strings.HasPrefix(res.Err, "malformed calendar") {
				t.Fatalf("unexpected message %q", res.Err)
			}
		})
	}
}

func TestParse_EventFields(t *testing.T) {
	doc := calendar(
		vevent(
			"UID:evt-1@billing",
			"SUMMARY:Monthly charge",
			"DTSTAMP:20251201T134522Z",
			"DTSTART;TZID=Asia/Seoul:20251201T090000",
			"DTEND:20251201T010000Z",
			`DESCRIPTION:{"amount": 5\, "event_type": "CHARGE"}`,
		),
		vevent(
			"DTSTART;TZID=Not/AZone:20251202T090000",
			"DESCRIPTION:paused by support {\"amount\": 0\\, \"event_type\": \"PAUSE\"} (ticket",
			" 42)",
		),
		vevent(
			"UID:evt-3",
			"DTSTART;VALUE=DATE:20251203",
			"DESCRIPTION:no payload at all",
		),
	)

	res := Parse(doc)
	if res.Failed() {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if len(res.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(res.Events))
	}

	first := res.Events[0]
	if first.UID != "evt-1@billing" || first.Summary != "Monthly charge" {
		t.Fatalf("unexpected identity fields: %+v", first)
	}
	assertStr(t, "start", first.Start, "2025-12-01T00:00:00.000Z")
	assertStr(t, "end", first.End, "2025-12-01T01:00:00.000Z")
	assertStr(t, "created", first.Created, "2025-12-01T13:45:22.000Z")
	if first.Amount == nil || *first.Amount != 5 {
		t.Fatalf("amount = %v, want 5", first.Amount)
	}
	assertStr(t, "event_type", first.EventType, "CHARGE")
	if obj, ok := first.Description.Object(); !ok || obj["event_type"] != "CHARGE" {
		t.Fatalf("description should decode to an object, got %#v", first.Description)
	}

	second := res.Events[1]
	if second.UID != "" || second.Summary != "" {
		t.Fatalf("missing uid/summary should default to empty strings: %+v", second)
	}
	// Unknown zone: literal fallback.
	assertStr(t, "start", second.Start, "20251202T090000")
	if second.End != nil || second.Created != nil {
		t.Fatalf("absent instants must stay nil: end=%v created=%v", second.End, second.Created)
	}
	if second.Amount == nil || *second.Amount != 0 {
		t.Fatalf("amount = %v, want 0", second.Amount)
	}
	assertStr(t, "event_type", second.EventType, "PAUSE")

	third := res.Events[2]
	assertStr(t, "start", third.Start, "2025-12-03T00:00:00.000Z")
	if third.Description == nil || third.Description.Kind != payload.Raw || third.Description.Data != "no payload at all" {
		t.Fatalf("description should fall back to the raw string, got %#v", third.Description)
	}
	if third.Amount != nil || third.EventType != nil {
		t.Fatalf("raw description must not lift fields")
	}
}

func TestParse_DescriptionAbsentOrEmpty(t *testing.T) {
	doc := calendar(
		vevent("UID:no-desc"),
		vevent("UID:empty-desc", "DESCRIPTION:"),
	)
	res := Parse(doc)
	if res.Failed() {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	for _, ev := range res.Events {
		if ev.Description != nil || ev.Amount != nil || ev.EventType != nil {
			t.Fatalf("%s: expected no description data, got %+v", ev.UID, ev)
		}
	}
}

func TestParse_IgnoresOtherComponentsAndKeepsOrder(t *testing.T) {
	doc := calendar(
		vevent("UID:a"),
		"BEGIN:VTODO\r\nUID:todo\r\nEND:VTODO",
		vevent("UID:b"),
		vevent("UID:c"),
	)
	res := Parse(doc)
	if res.Failed() {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	var uids []string
	for _, ev := range res.Events {
		uids = append(uids, ev.UID)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(uids, want) {
		t.Fatalf("uids = %v, want %v", uids, want)
	}
}

func TestParse_TimestampNormalization(t *testing.T) {
	tests := []struct {
		name string
		prop string
		opts []Option
		want string
	}{
		{name: "utc", prop: "DTSTART:20250615T120000Z", want: "2025-06-15T12:00:00.000Z"},
		{name: "new york summer", prop: "DTSTART;TZID=America/New_York:20250615T080000", want: "2025-06-15T12:00:00.000Z"},
		{name: "berlin winter", prop: "DTSTART;TZID=Europe/Berlin:20250115T130000", want: "2025-01-15T12:00:00.000Z"},
		{name: "floating defaults to utc", prop: "DTSTART:20250615T120000", want: "2025-06-15T12:00:00.000Z"},
		{
			name: "floating in configured zone",
			prop: "DTSTART:20250615T210000",
			opts: []Option{WithFloatingLocation(mustLoad(t, "Asia/Seoul"))},
			want: "2025-06-15T12:00:00.000Z",
		},
		{name: "garbage literal", prop: "DTSTART:next tuesday", want: "next tuesday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(calendar(vevent("UID:x", tt.prop)), tt.opts...)
			if res.Failed() {
				t.Fatalf("unexpected error: %s", res.Err)
			}
			assertStr(t, "start", res.Events[0].Start, tt.want)
		})
	}
}

func TestParse_Idempotent(t *testing.T) {
	doc := calendar(
		vevent("UID:a", "DTSTART:20250101T000000Z", `DESCRIPTION:{"amount": 1\, "event_type": "CHARGE"}`),
		vevent("UID:b", "DESCRIPTION:junk"),
	)
	first, err := json.Marshal(Parse(doc))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := json.Marshal(Parse(doc))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("parse is not idempotent:\n%s\n%s", first, second)
	}
}

func TestParseReader(t *testing.T) {
	res := ParseReader(strings.NewReader(calendar(vevent("UID:r"))))
	if res.Failed() || len(res.Events) != 1 || res.Events[0].UID != "r" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func assertStr(t *testing.T, field string, got *string, want string) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s is nil, want %q", field, want)
	}
	if *got != want {
		t.Fatalf("%s = %q, want %q", field, *got, want)
	}
}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}
