package alarm

import (
	"time"

	"calalarm/internal/model"
)

// Action is the outcome of Decide.
type Action int

const (
	Skip Action = iota
	Arm
	FireNow
)

func (a Action) String() string {
	switch a {
	case Arm:
		return "arm"
	case FireNow:
		return "fire"
	default:
		return "skip"
	}
}

// Decision is what to do with one alarm of one item or occurrence.
type Decision struct {
	Action Action
	// Delay is set for Arm.
	Delay time.Duration
	// FireAt is the resolved UTC fire time, snooze included. It is zero when
	// the alarm could not be resolved.
	FireAt time.Time
	Reason string
}

// Policy holds the settings Decide depends on.
type Policy struct {
	// Location resolves all-day and floating dates.
	Location   *time.Location
	ShowMissed bool
}

// Decide determines whether alarm a of it is armed, fired now or skipped.
// rangeEnd is the end of the window timers are armed for; alarms due later
// are left to a later refresh.
func (p Policy) Decide(it *model.Item, a model.Alarm, now, rangeEnd time.Time) Decision {
	if it.IsCompleted() {
		return Decision{Action: Skip, Reason: "completed task"}
	}
	if a.Action != model.ActionDisplay {
		return Decision{Action: Skip, Reason: "action " + a.Action}
	}

	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	dt, ok := model.ResolveAlarmDate(it, a, loc)
	if !ok {
		return Decision{Action: Skip, Reason: "unresolvable alarm date"}
	}
	// All-day dates become local midnight and floating dates the local wall
	// clock in loc, which is what comparing against a floating now means.
	fire := dt.In(loc).UTC()

	// A snooze only ever pushes an alarm later; an earlier marker belongs to
	// another alarm.
	if snooze, ok := it.SnoozeTime(); ok && snooze.After(fire) {
		fire = snooze.UTC()
	}

	if !fire.Before(now) {
		if fire.After(rangeEnd) {
			return Decision{Action: Skip, FireAt: fire, Reason: "beyond window"}
		}
		return Decision{Action: Arm, Delay: fire.Sub(now), FireAt: fire}
	}

	if !p.ShowMissed {
		return Decision{Action: Skip, FireAt: fire, Reason: "missed, not shown"}
	}
	if ack := it.ParentItem().AlarmLastAck; ack != nil && !ack.Before(fire) {
		return Decision{Action: Skip, FireAt: fire, Reason: "missed, acknowledged"}
	}
	return Decision{Action: FireNow, FireAt: fire}
}
