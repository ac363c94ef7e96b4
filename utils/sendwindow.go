package utils

import (
	"fmt"
	"time"
	_ "time/tzdata" // timezones must resolve in minimal containers
)

// SendWindow is the allowed day/time range for outbound sends.
// Days holds ISO weekdays (1 = Monday ... 7 = Sunday); empty means every day.
type SendWindow struct {
	Enabled  bool
	Start    string // HH:MM, inclusive
	End      string // HH:MM, exclusive
	Days     []int
	Timezone string
}

// ParseClock converts HH:MM into minutes after midnight
func ParseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return h*60 + m, nil
}

// ISOWeekday maps time.Sunday..Saturday onto 7, 1..6
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// Validate reports configuration errors without evaluating any instant
func (w SendWindow) Validate() error {
	if _, err := ParseClock(w.Start); err != nil {
		return err
	}
	if _, err := ParseClock(w.End); err != nil {
		return err
	}
	for _, d := range w.Days {
		if d < 1 || d > 7 {
			return fmt.Errorf("invalid weekday %d", d)
		}
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q", w.Timezone)
		}
	}
	return nil
}

// Check reports whether t may send. When it may not, the second value is the
// earliest eligible instant after t, in UTC. A window whose configuration
// cannot be parsed does not block sending.
func (w SendWindow) Check(t time.Time) (bool, time.Time) {
	if !w.Enabled {
		return true, t
	}
	start, errStart := ParseClock(w.Start)
	end, errEnd := ParseClock(w.End)
	loc, errLoc := LoadLocation(w.Timezone)
	if errStart != nil || errEnd != nil || errLoc != nil {
		return true, t
	}

	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if w.dayAllowed(local.Weekday()) && inWindow(minute, start, end) {
		return true, t
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	for offset := 0; offset <= 7; offset++ {
		day := midnight.AddDate(0, 0, offset)
		if !w.dayAllowed(day.Weekday()) {
			continue
		}
		for _, segStart := range segmentStarts(start, end) {
			candidate := time.Date(day.Year(), day.Month(), day.Day(), segStart/60, segStart%60, 0, 0, loc)
			if candidate.Before(t) {
				continue
			}
			return false, candidate.UTC()
		}
	}
	// only reachable with an empty effective day set
	return true, t
}

func (w SendWindow) dayAllowed(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	iso := ISOWeekday(d)
	for _, allowed := range w.Days {
		if allowed == iso {
			return true
		}
	}
	return false
}

func inWindow(minute, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

// segmentStarts lists, in order, the minutes at which a day's eligible segments open
func segmentStarts(start, end int) []int {
	switch {
	case start == end:
		return []int{0}
	case start < end:
		return []int{start}
	default:
		return []int{0, start}
	}
}

// LoadLocation treats an empty name as UTC
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// NextLocalMidnight returns the start of the next calendar day in loc, in UTC
func NextLocalMidnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc).UTC()
}

// StartOfLocalDay returns the most recent local midnight, in UTC
func StartOfLocalDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC()
}
