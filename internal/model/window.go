package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// Window bounds the data an agent run processes. Both ends are calendar
// dates (UTC) and inclusive. A zero Start or End means "use the agent's
// default".
type Window struct {
	Start time.Time
	End   time.Time
}

type windowJSON struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// MarshalJSON encodes the window as {"start":"YYYY-MM-DD","end":"YYYY-MM-DD"}.
func (w Window) MarshalJSON() ([]byte, error) {
	var wj windowJSON
	if !w.Start.IsZero() {
		wj.Start = w.Start.Format(DateLayout)
	}
	if !w.End.IsZero() {
		wj.End = w.End.Format(DateLayout)
	}
	return json.Marshal(wj)
}

// UnmarshalJSON decodes dates in YYYY-MM-DD form. RFC 3339 timestamps are
// accepted and truncated to their UTC date.
func (w *Window) UnmarshalJSON(b []byte) error {
	var wj windowJSON
	if err := json.Unmarshal(b, &wj); err != nil {
		return err
	}
	start, err := parseDate(wj.Start)
	if err != nil {
		return fmt.Errorf("window.start: %w", err)
	}
	end, err := parseDate(wj.End)
	if err != nil {
		return fmt.Errorf("window.end: %w", err)
	}
	w.Start, w.End = start, end
	return nil
}

// ParseWindow builds a Window from optional date strings.
func ParseWindow(start, end string) (Window, error) {
	s, err := parseDate(start)
	if err != nil {
		return Window{}, fmt.Errorf("%w: start: %v", ErrInvalidWindow, err)
	}
	e, err := parseDate(end)
	if err != nil {
		return Window{}, fmt.Errorf("%w: end: %v", ErrInvalidWindow, err)
	}
	w := Window{Start: s, End: e}
	return w, w.Validate()
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return Day(t), nil
}

// IsZero reports whether neither bound is set.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Validate rejects windows whose start is after their end.
func (w Window) Validate() error {
	if !w.Start.IsZero() && !w.End.IsZero() && Day(w.Start).After(Day(w.End)) {
		return fmt.Errorf("%w: start %s is after end %s", ErrInvalidWindow,
			w.Start.Format(DateLayout), w.End.Format(DateLayout))
	}
	return nil
}

// Resolve fills unset bounds. A missing End becomes the UTC date of now; a
// missing Start becomes End minus (days-1), so the window covers days dates.
func (w Window) Resolve(now time.Time, days int) Window {
	if days < 1 {
		days = 1
	}
	out := Window{Start: Day(w.Start), End: Day(w.End)}
	if w.End.IsZero() {
		out.End = Day(now)
	}
	if w.Start.IsZero() {
		out.Start = out.End.AddDate(0, 0, -(days - 1))
	}
	return out
}

// Bounds returns the half-open instant range [from, to) covered by a
// resolved window.
func (w Window) Bounds() (from, to time.Time) {
	return Day(w.Start), Day(w.End).AddDate(0, 0, 1)
}

// Days enumerates every date in a resolved window, oldest first.
func (w Window) Days() []time.Time {
	var out []time.Time
	for d := Day(w.Start); !d.After(Day(w.End)); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

func (w Window) String() string {
	s, e := "-", "-"
	if !w.Start.IsZero() {
		s = w.Start.Format(DateLayout)
	}
	if !w.End.IsZero() {
		e = w.End.Format(DateLayout)
	}
	return s + ".." + e
}

// Day truncates t to midnight UTC of its UTC calendar date.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
