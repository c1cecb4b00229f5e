// Package schedule decides when orders may be placed.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute, Second int
}

// ParseClock accepts "HH:MM" and "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Clock{}, fmt.Errorf("invalid time of day %q, want HH:MM[:SS]", s)
	}
	vals := make([]int, 3)
	limits := []int{23, 59, 59}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return Clock{}, fmt.Errorf("invalid time of day %q", s)
		}
		vals[i] = n
	}
	return Clock{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

func (c Clock) seconds() int { return c.Hour*3600 + c.Minute*60 + c.Second }

func (c Clock) String() string {
	if c.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	}
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// On returns the instant of c on the calendar day of t, in t's location.
func (c Clock) On(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, c.Second, 0, t.Location())
}

// Window is a daily [Start, End) interval in Location. End before Start
// wraps past midnight; Start equal to End covers the whole day.
type Window struct {
	Start    Clock
	End      Clock
	Location *time.Location
}

// ParseWindow builds a window from "HH:MM" bounds and an IANA zone name.
func ParseWindow(start, end, tz string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e, Location: loc}, nil
}

// LoadLocation resolves tz, defaulting to UTC when empty.
func LoadLocation(tz string) (*time.Location, error) {
	if strings.TrimSpace(tz) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (w Window) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

func (w Window) String() string {
	return fmt.Sprintf("%s-%s %s", w.Start, w.End, w.location())
}

// Allowed reports whether now, converted into the window's timezone, falls in
// [start, end).
func Allowed(now time.Time, w Window) bool {
	local := now.In(w.location())
	t := local.Hour()*3600 + local.Minute()*60 + local.Second()
	start, end := w.Start.seconds(), w.End.seconds()
	switch {
	case start == end:
		return true
	case start < end:
		return t >= start && t < end
	default:
		return t >= start || t < end
	}
}

// NextOpen returns now if the window is open, otherwise the next instant it
// opens.
func (w Window) NextOpen(now time.Time) time.Time {
	if Allowed(now, w) {
		return now
	}
	local := now.In(w.location())
	open := w.Start.On(local)
	if !open.After(local) {
		open = w.Start.On(local.AddDate(0, 0, 1))
	}
	return open
}

// Gate is the set of windows orders may be placed in. An empty gate allows
// everything.
type Gate struct {
	Windows []Window
}

func NewGate(windows ...Window) *Gate { return &Gate{Windows: windows} }

func (g *Gate) Allowed(now time.Time) bool {
	if g == nil || len(g.Windows) == 0 {
		return true
	}
	for _, w := range g.Windows {
		if Allowed(now, w) {
			return true
		}
	}
	return false
}

// NextOpen returns the earliest instant at or after now that the gate allows.
func (g *Gate) NextOpen(now time.Time) time.Time {
	if g.Allowed(now) {
		return now
	}
	var best time.Time
	for _, w := range g.Windows {
		if t := w.NextOpen(now); best.IsZero() || t.Before(best) {
			best = t
		}
	}
	return best
}

// NextOccurrence returns the next instant at clock c in loc. A time already
// passed today is scheduled for tomorrow.
func NextOccurrence(now time.Time, c Clock, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	t := c.On(local)
	if !t.After(local) {
		t = c.On(local.AddDate(0, 0, 1))
	}
	return t
}

// WaitUntil blocks until t or until ctx is done.
func WaitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
