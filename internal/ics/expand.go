package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calalarm/internal/log"
	"calalarm/internal/model"
)

const (
	defaultMaxOccurrencesPerItem = 5000
)

// Expander expands recurring items into occurrences with rrule-go. It
// implements model.Expander.
type Expander struct {
	// Location resolves floating and all-day values. If nil, time.Local is
	// used.
	Location *time.Location

	// MaxOccurrences is a safety cap to avoid infinite or extremely large
	// expansions. If zero, defaultMaxOccurrencesPerItem is used.
	MaxOccurrences int
}

// NewExpander returns an Expander resolving floating times in loc.
func NewExpander(loc *time.Location) *Expander {
	return &Expander{Location: loc}
}

// Occurrences returns the instances of parent whose start falls in
// [start, end]. A non-recurring parent yields itself when it is in range.
// Overridden instances (RECURRENCE-ID exceptions) replace the generated
// instance they override; EXDATEs remove instances.
func (x *Expander) Occurrences(parent *model.Item, start, end time.Time) []*model.Item {
	loc := x.location()

	if !parent.IsRecurring() {
		if model.InRange(parent, start, end, loc) {
			return []*model.Item{parent}
		}
		return nil
	}

	anchor := parent.Start
	if anchor.IsZero() {
		// Tasks may recur on DUE only.
		anchor = parent.End
	}
	if anchor.IsZero() {
		appLog.Warn("expand: recurring item has no anchor date", "uid", parent.UID)
		return nil
	}
	dtstart := anchor.In(loc)

	var set rrule.Set
	if parent.RRule != "" {
		r, err := rrule.StrToRRule(parent.RRule)
		if err != nil {
			appLog.Error("expand: failed to parse RRULE", err, "uid", parent.UID, "rrule", parent.RRule)
			return nil
		}
		// Ensure Dtstart is set to the item's DTSTART.
		r.DTStart(dtstart)
		set.RRule(r)
	} else {
		// RDATE-only series: DTSTART is the first instance.
		set.RDate(dtstart)
	}
	for _, rd := range parent.RDates {
		set.RDate(rd.In(dtstart.Location()))
	}
	for _, ex := range parent.ExDates {
		// Best effort: align EXDATE location with the item's start.
		set.ExDate(ex.In(dtstart.Location()))
	}

	occTimes := set.Between(start.In(dtstart.Location()), end.In(dtstart.Location()), true)

	limit := x.MaxOccurrences
	if limit <= 0 {
		limit = defaultMaxOccurrencesPerItem
	}
	if len(occTimes) > limit {
		appLog.Error("expand: truncated occurrences due to cap",
			errors.New("max occurrences reached"),
			"uid", parent.UID,
			"cap", limit,
		)
		occTimes = occTimes[:limit]
	}

	var span time.Duration
	if !parent.Start.IsZero() && !parent.End.IsZero() {
		span = parent.End.In(loc).Sub(parent.Start.In(loc))
	}

	out := make([]*model.Item, 0, len(occTimes))
	for _, occStart := range occTimes {
		key := model.RecurrenceKey(occStart)
		if ex, ok := parent.Exceptions[key]; ok {
			out = append(out, ex)
			continue
		}
		out = append(out, makeOccurrence(parent, anchor, occStart, span))
	}
	return out
}

func (x *Expander) location() *time.Location {
	if x.Location == nil {
		return time.Local
	}
	return x.Location
}

// makeOccurrence builds a generated instance of parent starting at occStart.
// The date flavour (all-day, floating, fixed) of the anchor is preserved.
func makeOccurrence(parent *model.Item, anchor model.DateTime, occStart time.Time, span time.Duration) *model.Item {
	rid := occStart
	occ := &model.Item{
		SourceID:        parent.SourceID,
		UID:             parent.UID,
		Kind:            parent.Kind,
		Summary:         parent.Summary,
		Description:     parent.Description,
		Location:        parent.Location,
		Status:          parent.Status,
		Completed:       parent.Completed,
		PercentComplete: parent.PercentComplete,
		Alarms:          parent.Alarms,
		Props:           parent.Props,
		RecurrenceID:    &rid,
		Parent:          parent,
	}

	startDT := shiftLike(anchor, occStart)
	if parent.Start.IsZero() {
		occ.End = startDT
		return occ
	}
	occ.Start = startDT
	if !parent.End.IsZero() {
		occ.End = shiftLike(parent.End, occStart.Add(span))
	}
	return occ
}

func shiftLike(like model.DateTime, t time.Time) model.DateTime {
	switch {
	case like.IsDate:
		return model.Date(t.Year(), t.Month(), t.Day())
	case like.Floating:
		return model.Floating(t)
	default:
		return model.At(t.In(like.Time.Location()))
	}
}
