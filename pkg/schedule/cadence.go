package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the recurrence unit of a cadence.
type Kind string

const (
	Daily   Kind = "daily"
	Weekly  Kind = "weekly"
	Monthly Kind = "monthly"
)

// Cadence is a recurring wall-clock slot. Slots are evaluated in Location.
type Cadence struct {
	Kind   Kind
	Hour   int
	Minute int
	// Weekday is used by weekly cadences.
	Weekday time.Weekday
	// Day is the day of month of monthly cadences. Months shorter than Day
	// fire on their last day.
	Day      int
	Location *time.Location
}

// CadenceError is returned for an unparseable cadence expression.
type CadenceError struct {
	Expr   string
	Reason string
}

func (e *CadenceError) Error() string {
	return fmt.Sprintf("invalid cadence %q: %s", e.Expr, e.Reason)
}

// weekdays accepts three-letter abbreviations and full day names.
var weekdays = func() map[string]time.Weekday {
	m := make(map[string]time.Weekday, 14)
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		m[name] = d
		m[name[:3]] = d
	}
	return m
}()

// ParseCadence parses daily@HH:MM, weekly@DAY@HH:MM or monthly@DD@HH:MM.
// A nil loc means UTC.
func ParseCadence(expr string, loc *time.Location) (Cadence, error) {
	if loc == nil {
		loc = time.UTC
	}
	parts := strings.Split(strings.ToLower(strings.TrimSpace(expr)), "@")
	c := Cadence{Kind: Kind(parts[0]), Location: loc}

	var clock string
	switch c.Kind {
	case Daily:
		if len(parts) != 2 {
			return Cadence{}, &CadenceError{Expr: expr, Reason: "expected daily@HH:MM"}
		}
		clock = parts[1]
	case Weekly:
		if len(parts) != 3 {
			return Cadence{}, &CadenceError{Expr: expr, Reason: "expected weekly@DAY@HH:MM"}
		}
		wd, ok := weekdays[parts[1]]
		if !ok {
			return Cadence{}, &CadenceError{Expr: expr, Reason: fmt.Sprintf("unknown weekday %q", parts[1])}
		}
		c.Weekday = wd
		clock = parts[2]
	case Monthly:
		if len(parts) != 3 {
			return Cadence{}, &CadenceError{Expr: expr, Reason: "expected monthly@DD@HH:MM"}
		}
		day, err := strconv.Atoi(parts[1])
		if err != nil || day < 1 || day > 31 {
			return Cadence{}, &CadenceError{Expr: expr, Reason: "day of month must be between 1 and 31"}
		}
		c.Day = day
		clock = parts[2]
	default:
		return Cadence{}, &CadenceError{Expr: expr, Reason: "kind must be daily, weekly or monthly"}
	}

	h, m, ok := parseClock(clock)
	if !ok {
		return Cadence{}, &CadenceError{Expr: expr, Reason: fmt.Sprintf("invalid time of day %q", clock)}
	}
	c.Hour, c.Minute = h, m
	return c, nil
}

func parseClock(s string) (int, int, bool) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// String returns the canonical expression.
func (c Cadence) String() string {
	switch c.Kind {
	case Weekly:
		return fmt.Sprintf("weekly@%s@%02d:%02d", strings.ToLower(c.Weekday.String()[:3]), c.Hour, c.Minute)
	case Monthly:
		return fmt.Sprintf("monthly@%02d@%02d:%02d", c.Day, c.Hour, c.Minute)
	default:
		return fmt.Sprintf("daily@%02d:%02d", c.Hour, c.Minute)
	}
}

// Next returns the first slot strictly after t. It depends only on its
// arguments.
func (c Cadence) Next(t time.Time) time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, mo, d := local.Date()

	switch c.Kind {
	case Weekly:
		offset := (int(c.Weekday) - int(local.Weekday()) + 7) % 7
		slot := time.Date(y, mo, d+offset, c.Hour, c.Minute, 0, 0, loc)
		if !slot.After(t) {
			slot = time.Date(y, mo, d+offset+7, c.Hour, c.Minute, 0, 0, loc)
		}
		return slot
	case Monthly:
		slot := c.monthSlot(y, mo, loc)
		if !slot.After(t) {
			slot = c.monthSlot(y, mo+1, loc)
		}
		return slot
	default:
		slot := time.Date(y, mo, d, c.Hour, c.Minute, 0, 0, loc)
		if !slot.After(t) {
			slot = time.Date(y, mo, d+1, c.Hour, c.Minute, 0, 0, loc)
		}
		return slot
	}
}

// Latest returns the last slot at or before now that is after since, and
// false when no slot falls in (since, now].
func (c Cadence) Latest(since, now time.Time) (time.Time, bool) {
	slot := c.Next(since)
	if slot.After(now) {
		return time.Time{}, false
	}
	for {
		n := c.Next(slot)
		if n.After(now) {
			return slot, true
		}
		slot = n
	}
}

func (c Cadence) monthSlot(y int, mo time.Month, loc *time.Location) time.Time {
	first := time.Date(y, mo, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1).Day()
	day := c.Day
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, c.Hour, c.Minute, 0, 0, loc)
}
