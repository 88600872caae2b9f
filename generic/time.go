package generic

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies the current time and the club's local time zone.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// SystemClock reads the wall clock in a fixed location.
type SystemClock struct {
	Loc *time.Location
}

func NewSystemClock(loc *time.Location) SystemClock {
	if loc == nil {
		loc = time.Local
	}
	return SystemClock{Loc: loc}
}

func (c SystemClock) Now() time.Time            { return time.Now().In(c.Loc) }
func (c SystemClock) Location() *time.Location { return c.Loc }

// FixedClock is a settable clock for tests and demo scenarios.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(now time.Time) *FixedClock { return &FixedClock{now: now} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Location() *time.Location {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Location()
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// CALENDAR WINDOWS AND BUCKET KEYS
// =============================================================================

// YearWindow returns [Jan 1 00:00, Dec 31 23:59:59.999] of t's year in loc.
func YearWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc)
	end := time.Date(t.Year(), time.December, 31, 23, 59, 59, int(999*time.Millisecond), loc)
	return start, end
}

// MonthKey formats t as "YYYY-MM".
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// WeekKey formats the ISO week of t as "YYYY-Www".
//
// The week is Monday-anchored and identified by its Thursday: the year
// is the Thursday's year and the index counts Thursdays from the first
// Thursday of that year. Late-December dates can therefore belong to
// week 01 of the next year, and early-January dates to week 52/53.
func WeekKey(t time.Time) string {
	offset := (int(t.Weekday()) + 6) % 7 // Monday = 0
	thursday := time.Date(t.Year(), t.Month(), t.Day()-offset+3, 0, 0, 0, 0, t.Location())
	week := (thursday.YearDay()-1)/7 + 1
	return fmt.Sprintf("%04d-W%02d", thursday.Year(), week)
}

var activityDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006.01.02",
}

// ParseActivityDate parses a user-entered activity date in loc.
// Returns false if no known layout matches.
func ParseActivityDate(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range activityDateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), true
		}
	}
	return time.Time{}, false
}
