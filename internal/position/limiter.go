package position

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDailyLimit is returned when the daily bracket cap has been reached.
var ErrDailyLimit = errors.New("daily order limit reached")

// DailyLimiter caps the number of brackets started per calendar day in loc.
// A zero max disables the cap.
type DailyLimiter struct {
	mu    sync.Mutex
	max   int
	loc   *time.Location
	day   string
	count int
}

func NewDailyLimiter(max int, loc *time.Location) *DailyLimiter {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyLimiter{max: max, loc: loc}
}

// Reserve consumes one slot for the day of now.
func (l *DailyLimiter) Reserve(now time.Time) error {
	if l == nil || l.max <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	day := now.In(l.loc).Format(time.DateOnly)
	if day != l.day {
		l.day, l.count = day, 0
	}
	if l.count >= l.max {
		return fmt.Errorf("%w: %d brackets on %s", ErrDailyLimit, l.count, day)
	}
	l.count++
	return nil
}

// Used returns how many slots were consumed on the day of now.
func (l *DailyLimiter) Used(now time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.In(l.loc).Format(time.DateOnly) != l.day {
		return 0
	}
	return l.count
}
