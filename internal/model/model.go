package model

import (
	"maps"
	"slices"
	"time"
)

// Kind distinguishes events from tasks.
type Kind int

const (
	KindEvent Kind = iota
	KindTask
)

func (k Kind) String() string {
	if k == KindTask {
		return "VTODO"
	}
	return "VEVENT"
}

const (
	StatusCancelled = "CANCELLED"
	StatusCompleted = "COMPLETED"
)

// ItemID identifies an item or a single occurrence of a recurring item.
// RecurrenceID is empty for non-occurrences.
type ItemID struct {
	SourceID     string
	UID          string
	RecurrenceID string
}

// Item is an event or task as stored by a calendar source. A recurring
// parent carries RRule/RDates/ExDates and overridden instances in
// Exceptions; occurrences produced by expansion have RecurrenceID set and
// Parent pointing at the series parent.
type Item struct {
	SourceID string
	UID      string
	Kind     Kind

	Summary     string
	Description string
	Location    string
	Status      string

	// Start is DTSTART. End is DTEND for events and DUE for tasks.
	Start DateTime
	End   DateTime

	Completed       *time.Time
	PercentComplete int

	Alarms []Alarm

	// AlarmLastAck is the last time any alarm of this item was dismissed or
	// snoozed. Only meaningful on the series parent.
	AlarmLastAck *time.Time

	// Snoozes holds snooze markers keyed by occurrence: "" for the item
	// itself, RecurrenceKey(rid) for an occurrence of a series.
	Snoozes map[string]time.Time

	RRule      string
	RDates     []time.Time
	ExDates    []time.Time
	Exceptions map[string]*Item

	RecurrenceID *time.Time
	Parent       *Item

	// Generation counts the writes a source committed for this series.
	// Writes naming an older generation are rejected.
	Generation int

	// Props keeps unrecognized properties for round trips.
	Props map[string]string
}

// ParentItem returns the series parent, or the item itself.
func (it *Item) ParentItem() *Item {
	if it.Parent != nil {
		return it.Parent
	}
	return it
}

func (it *Item) IsOccurrence() bool {
	return it.RecurrenceID != nil
}

func (it *Item) IsRecurring() bool {
	return it.RRule != "" || len(it.RDates) > 0
}

// RecurrenceKey returns the canonical recurrence key, or "" for
// non-occurrences.
func (it *Item) RecurrenceKey() string {
	if it.RecurrenceID == nil {
		return ""
	}
	return RecurrenceKey(*it.RecurrenceID)
}

// HashID is unique per item and per occurrence within a source.
func (it *Item) HashID() string {
	if it.RecurrenceID == nil {
		return it.UID
	}
	return it.UID + "#" + it.RecurrenceKey()
}

func (it *Item) ID() ItemID {
	return ItemID{SourceID: it.SourceID, UID: it.UID, RecurrenceID: it.RecurrenceKey()}
}

// IsCompleted reports whether the item is a finished task.
func (it *Item) IsCompleted() bool {
	if it.Kind != KindTask {
		return false
	}
	return it.Completed != nil || it.Status == StatusCompleted || it.PercentComplete >= 100
}

// SnoozeTime returns the snooze marker for this item or occurrence. Markers
// are always stored on the series parent.
func (it *Item) SnoozeTime() (time.Time, bool) {
	t, ok := it.ParentItem().Snoozes[it.RecurrenceKey()]
	return t, ok
}

// Clone returns a deep copy. The Parent pointer is shared.
func (it *Item) Clone() *Item {
	c := *it
	c.Alarms = slices.Clone(it.Alarms)
	c.RDates = slices.Clone(it.RDates)
	c.ExDates = slices.Clone(it.ExDates)
	c.Snoozes = maps.Clone(it.Snoozes)
	c.Props = maps.Clone(it.Props)
	if it.AlarmLastAck != nil {
		t := *it.AlarmLastAck
		c.AlarmLastAck = &t
	}
	if it.Completed != nil {
		t := *it.Completed
		c.Completed = &t
	}
	if it.RecurrenceID != nil {
		t := *it.RecurrenceID
		c.RecurrenceID = &t
	}
	if it.Exceptions != nil {
		c.Exceptions = make(map[string]*Item, len(it.Exceptions))
		for k, ex := range it.Exceptions {
			exc := ex.Clone()
			exc.Parent = &c
			c.Exceptions[k] = exc
		}
	}
	return &c
}

// InRange reports whether a non-recurring item touches [start, end).
// Tasks without any date are always in range.
func InRange(it *Item, start, end time.Time, loc *time.Location) bool {
	s := it.Start
	e := it.End
	if s.IsZero() && e.IsZero() {
		return it.Kind == KindTask
	}
	if s.IsZero() {
		s = e
	}
	if e.IsZero() {
		e = s
	}
	is := s.In(loc)
	ie := e.In(loc)
	if !is.Before(end) {
		return false
	}
	if ie.Equal(is) {
		return !is.Before(start)
	}
	return ie.After(start)
}

// Expander turns a recurring parent into concrete occurrences whose start
// falls in [start, end].
type Expander interface {
	Occurrences(parent *Item, start, end time.Time) []*Item
}
