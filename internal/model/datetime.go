package model

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// DateTime is a calendar date or date-time as it appears on an item.
//
// Floating values (no TZID, no trailing Z) keep their wall-clock fields in
// Time with location UTC; they only become an instant once a zone is chosen
// via In. IsDate marks all-day values (VALUE=DATE).
type DateTime struct {
	Time     time.Time
	IsDate   bool
	Floating bool
}

// At returns a fixed (non-floating) DateTime.
func At(t time.Time) DateTime {
	return DateTime{Time: t}
}

// Date returns an all-day DateTime for the given calendar day.
func Date(year int, month time.Month, day int) DateTime {
	return DateTime{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), IsDate: true, Floating: true}
}

// Floating returns a floating DateTime carrying the wall clock of t.
func Floating(t time.Time) DateTime {
	return DateTime{Time: wall(t, time.UTC), Floating: true}
}

func (d DateTime) IsZero() bool {
	return d.Time.IsZero()
}

// In resolves d to an instant. All-day and floating values are read as
// wall-clock time in loc; fixed values are returned unchanged.
func (d DateTime) In(loc *time.Location) time.Time {
	if d.Time.IsZero() {
		return time.Time{}
	}
	if loc == nil {
		loc = time.Local
	}
	if d.IsDate {
		y, m, dd := d.Time.Date()
		return time.Date(y, m, dd, 0, 0, 0, 0, loc)
	}
	if d.Floating {
		return wall(d.Time, loc)
	}
	return d.Time
}

func wall(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// RecurrenceKey is the canonical form of a recurrence id: the occurrence's
// original start normalized to UTC.
func RecurrenceKey(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// ParseRecurrenceKey is the inverse of RecurrenceKey.
func ParseRecurrenceKey(s string) (time.Time, error) {
	return time.Parse("20060102T150405Z", s)
}

// FormatDuration renders d as an RFC 5545 duration (e.g. -PT15M, P1DT2H).
func FormatDuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')
	if d == 0 {
		b.WriteString("T0S")
		return b.String()
	}

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 && days%7 == 0 && d == 0 {
		b.WriteString(strconv.FormatInt(int64(days/7), 10))
		b.WriteByte('W')
		return b.String()
	}
	if days > 0 {
		b.WriteString(strconv.FormatInt(int64(days), 10))
		b.WriteByte('D')
	}
	if d == 0 {
		return b.String()
	}

	b.WriteByte('T')
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		b.WriteString(strconv.FormatInt(int64(h), 10))
		b.WriteByte('H')
	}
	if m > 0 {
		b.WriteString(strconv.FormatInt(int64(m), 10))
		b.WriteByte('M')
	}
	if s > 0 {
		b.WriteString(strconv.FormatInt(int64(s), 10))
		b.WriteByte('S')
	}
	return b.String()
}

var errBadDuration = errors.New("invalid duration")

// ParseDuration parses an RFC 5545 duration such as "-PT15M" or "P1W".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, errBadDuration
	}

	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, errBadDuration
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	timeParts := 0
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			if num != "" || inTime {
				return 0, errBadDuration
			}
			inTime = true
			continue
		}
		if num == "" {
			return 0, errBadDuration
		}
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, errBadDuration
		}
		num = ""
		if inTime {
			timeParts++
		}
		v := time.Duration(n)
		switch {
		case r == 'W' && !inTime:
			total += v * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += v * 24 * time.Hour
		case r == 'H' && inTime:
			total += v * time.Hour
		case r == 'M' && inTime:
			total += v * time.Minute
		case r == 'S' && inTime:
			total += v * time.Second
		default:
			return 0, errBadDuration
		}
	}
	if num != "" || (inTime && timeParts == 0) {
		return 0, errBadDuration
	}
	return sign * total, nil
}
