package model

import (
	"strings"
	"time"
)

// Alarm actions. Only ActionDisplay produces a schedulable reminder.
const (
	ActionDisplay = "DISPLAY"
	ActionAudio   = "AUDIO"
	ActionEmail   = "EMAIL"
)

// Related tells what an alarm trigger is anchored to.
type Related int

const (
	RelatedStart Related = iota
	RelatedEnd
	RelatedAbsolute
)

func (r Related) String() string {
	switch r {
	case RelatedEnd:
		return "END"
	case RelatedAbsolute:
		return "ABSOLUTE"
	default:
		return "START"
	}
}

// Alarm is a VALARM attached to an item. Relative alarms use Offset from the
// item's start or end; absolute alarms use Date.
type Alarm struct {
	Action      string
	Related     Related
	Offset      time.Duration
	Date        DateTime
	Summary     string
	Description string
}

// Key is a stable serialization of the alarm trigger, used to tell the
// alarms of one item apart in the timer registry.
func (a Alarm) Key() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(a.Action))
	b.WriteByte(';')
	b.WriteString(a.Related.String())
	b.WriteByte(':')
	if a.Related == RelatedAbsolute {
		switch {
		case a.Date.IsDate:
			b.WriteString(a.Date.Time.Format("20060102"))
		case a.Date.Floating:
			b.WriteString(a.Date.Time.Format("20060102T150405"))
		default:
			b.WriteString(a.Date.Time.UTC().Format("20060102T150405Z"))
		}
	} else {
		b.WriteString(FormatDuration(a.Offset))
	}
	return b.String()
}

// ResolveAlarmDate computes when alarm a of item it is due. The returned
// DateTime may still be all-day or floating; ok is false when the anchor date
// is missing.
//
// Relative alarms on all-day or floating anchors are pinned to loc before the
// offset is applied, so the result is a fixed instant.
func ResolveAlarmDate(it *Item, a Alarm, loc *time.Location) (DateTime, bool) {
	if a.Related == RelatedAbsolute {
		if a.Date.IsZero() {
			return DateTime{}, false
		}
		return a.Date, true
	}

	var anchor DateTime
	if a.Related == RelatedEnd {
		anchor = it.End
	} else {
		anchor = it.Start
	}
	if anchor.IsZero() {
		return DateTime{}, false
	}

	base := anchor.In(loc)
	return At(base.Add(a.Offset)), true
}
