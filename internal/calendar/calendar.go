// Package calendar answers "is it after business hours?" against an injectable
// clock, so eligibility checks never read the wall clock directly.
package calendar

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rotisserie/eris"

	"github.com/sells-group/assignment-service/internal/config"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }

// BusinessHours is a weekly working calendar in a single timezone.
type BusinessHours struct {
	loc       *time.Location
	startHour int
	endHour   int
	workDays  map[time.Weekday]bool
	holidays  map[string]bool
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// New builds a BusinessHours calendar from config.
func New(cfg config.CalendarConfig) (*BusinessHours, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "calendar: load timezone %q", cfg.Timezone)
	}
	if cfg.BusinessEndHour <= cfg.BusinessStartHour {
		return nil, eris.Errorf("calendar: end hour %d must be after start hour %d", cfg.BusinessEndHour, cfg.BusinessStartHour)
	}

	days := make(map[time.Weekday]bool, len(cfg.WorkDays))
	for _, d := range cfg.WorkDays {
		name := strings.ToLower(strings.TrimSpace(d))
		if len(name) > 3 {
			name = name[:3] // "monday" -> "mon"
		}
		wd, ok := weekdayNames[name]
		if !ok {
			return nil, eris.Errorf("calendar: unknown work day %q", d)
		}
		days[wd] = true
	}

	holidays := make(map[string]bool, len(cfg.Holidays))
	for _, h := range cfg.Holidays {
		if _, err := time.ParseInLocation(time.DateOnly, h, loc); err != nil {
			return nil, eris.Wrapf(err, "calendar: parse holiday %q", h)
		}
		holidays[h] = true
	}

	return &BusinessHours{
		loc:       loc,
		startHour: cfg.BusinessStartHour,
		endHour:   cfg.BusinessEndHour,
		workDays:  days,
		holidays:  holidays,
	}, nil
}

// IsBusinessHours reports whether t falls on a working day, outside holidays,
// within [start, end) hours local to the calendar's timezone.
func (b *BusinessHours) IsBusinessHours(t time.Time) bool {
	local := t.In(b.loc)
	if !b.workDays[local.Weekday()] {
		return false
	}
	if b.holidays[local.Format(time.DateOnly)] {
		return false
	}
	h := local.Hour()
	return h >= b.startHour && h < b.endHour
}

// IsAfterHours is the negation of IsBusinessHours.
func (b *BusinessHours) IsAfterHours(t time.Time) bool {
	return !b.IsBusinessHours(t)
}

// Location returns the calendar's timezone.
func (b *BusinessHours) Location() *time.Location {
	return b.loc
}
