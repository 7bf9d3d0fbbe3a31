package compliance

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Window is a closed-open time interval [Start, End), optionally limited to
// a set of nodes. Windows describe maintenance periods and change freezes.
type Window struct {
	Name    string    `json:"name,omitempty"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	NodeIDs []string  `json:"node_ids,omitempty"`
}

// Covers reports whether t falls inside the window and the window applies
// to node. A window without NodeIDs applies to every node.
func (w Window) Covers(t time.Time, node string) bool {
	if t.Before(w.Start) || !t.Before(w.End) {
		return false
	}
	return len(w.NodeIDs) == 0 || slices.Contains(w.NodeIDs, node)
}

// ParseWindow parses "start/end" with RFC 3339 timestamps.
func ParseWindow(s string) (Window, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Window{}, fmt.Errorf("window %q: want start/end", s)
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return Window{}, fmt.Errorf("window %q start: %w", s, err)
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return Window{}, fmt.Errorf("window %q end: %w", s, err)
	}
	if !end.After(start) {
		return Window{}, fmt.Errorf("window %q: end must be after start", s)
	}
	return Window{Start: start.UTC(), End: end.UTC()}, nil
}

// DailyWindow is a recurring window given as UTC offsets from midnight. An
// End at or before Start wraps past midnight.
type DailyWindow struct {
	Name    string
	Start   time.Duration
	End     time.Duration
	NodeIDs []string
	// Weekdays limits the window to the listed days; empty means every day.
	Weekdays []time.Weekday
}

// ParseDailyWindow parses "HH:MM-HH:MM".
func ParseDailyWindow(s string) (DailyWindow, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return DailyWindow{}, fmt.Errorf("daily window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(startStr)
	if err != nil {
		return DailyWindow{}, fmt.Errorf("daily window %q: %w", s, err)
	}
	end, err := parseClock(endStr)
	if err != nil {
		return DailyWindow{}, fmt.Errorf("daily window %q: %w", s, err)
	}
	return DailyWindow{Start: start, End: end}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsZero reports whether the window is unset.
func (d DailyWindow) IsZero() bool {
	return d.Start == 0 && d.End == 0
}

// At materialises the occurrence of d that contains now, or the next one to
// start after now.
func (d DailyWindow) At(now time.Time) Window {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	for offset := -1; offset <= 7; offset++ {
		start := day.AddDate(0, 0, offset).Add(d.Start)
		end := day.AddDate(0, 0, offset).Add(d.End)
		if d.End <= d.Start {
			end = end.AddDate(0, 0, 1)
		}
		if !end.After(now) {
			continue
		}
		if len(d.Weekdays) > 0 && !slices.Contains(d.Weekdays, start.Weekday()) {
			continue
		}
		return Window{Name: d.Name, Start: start, End: end, NodeIDs: d.NodeIDs}
	}
	return Window{Name: d.Name}
}

// nextStart returns the earliest window start after now among windows that
// apply to node.
func nextStart(windows []Window, now time.Time, node string) (time.Time, bool) {
	var best time.Time
	for _, w := range windows {
		if !w.Start.After(now) {
			continue
		}
		if len(w.NodeIDs) > 0 && !slices.Contains(w.NodeIDs, node) {
			continue
		}
		if best.IsZero() || w.Start.Before(best) {
			best = w.Start
		}
	}
	return best, !best.IsZero()
}
