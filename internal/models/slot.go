package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// TimeOfDay is a wall-clock time with minute precision, stored as minutes since midnight.
type TimeOfDay int

const endOfDay TimeOfDay = 24 * 60

// ParseTimeOfDay accepts "HH:MM" (and "HH:MM:SS" with zero seconds, as produced by HTML time inputs).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	if len(parts) == 3 && parts[2] != "00" {
		return 0, fmt.Errorf("invalid time of day %q: seconds are not supported", s)
	}

	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}

	t := TimeOfDay(h*60 + m)
	if t > endOfDay {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t, nil
}

// MustTimeOfDay is ParseTimeOfDay for literals.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// TimeOfDayOf returns the wall-clock time of t truncated to the minute.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

func (t TimeOfDay) Minutes() int { return int(t) }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	parsed, err := ParseTimeOfDay(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value stores the time as "HH:MM" text so that column order matches time order.
func (t TimeOfDay) Value() (driver.Value, error) {
	return t.String(), nil
}

func (t *TimeOfDay) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseTimeOfDay(v)
		if err != nil {
			return err
		}
		*t = parsed
	case []byte:
		return t.Scan(string(v))
	case int64:
		*t = TimeOfDay(v)
	default:
		return fmt.Errorf("cannot scan %T into TimeOfDay", src)
	}
	return nil
}

// DateOf returns the calendar date of t (in t's own location) as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}

// SameDate compares calendar dates, ignoring clock and location.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Slot is a requested occupancy of one lab on one date over [Start, End).
type Slot struct {
	LabID int64
	Date  time.Time
	Start TimeOfDay
	End   TimeOfDay
}

// Overlaps reports whether two slots occupy the same lab at the same time.
// Intervals are half-open, so a slot ending at 10:00 and one starting at 10:00 do not overlap.
func Overlaps(a, b Slot) bool {
	return a.LabID == b.LabID &&
		SameDate(a.Date, b.Date) &&
		a.Start < b.End &&
		b.Start < a.End
}

func (s Slot) Overlaps(other Slot) bool {
	return Overlaps(s, other)
}

func (s Slot) DurationMinutes() int {
	return int(s.End - s.Start)
}

// StartsAt returns the absolute start instant of the slot in loc.
func (s Slot) StartsAt(loc *time.Location) time.Time {
	y, m, d := s.Date.Date()
	return time.Date(y, m, d, int(s.Start)/60, int(s.Start)%60, 0, 0, loc)
}

func (s Slot) String() string {
	return fmt.Sprintf("lab %d %s %s-%s", s.LabID, s.Date.Format(DateLayout), s.Start, s.End)
}
