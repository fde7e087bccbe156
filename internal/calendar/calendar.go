// Package calendar holds the calendar sources the alarm engine schedules
// from: the Source and Observer contracts, a Manager keeping the registered
// sources, and the in-memory, ICS file and remote ICS implementations.
package calendar

import (
	"context"
	"errors"
	"time"

	"calalarm/internal/model"
)

var (
	ErrNotFound  = errors.New("calendar: not found")
	ErrReadOnly  = errors.New("calendar: read-only")
	ErrDuplicate = errors.New("calendar: duplicate id")
	// ErrConflict means the item was written by someone else since the
	// caller read it.
	ErrConflict  = errors.New("calendar: item changed since read")
)

// Source properties that affect alarm scheduling.
const (
	PropSuppressAlarms = "suppressAlarms"
	PropDisabled       = "disabled"
)

// Filter selects what a Query returns.
type Filter uint

const (
	FilterEvents Filter = 1 << iota
	FilterTasks
	// FilterCompleted includes completed tasks.
	FilterCompleted
	// FilterOccurrences expands recurring items into their occurrences
	// within the query range instead of returning series parents.
	FilterOccurrences

	FilterAll = FilterEvents | FilterTasks | FilterCompleted
)

// Source is a calendar holding events and tasks.
type Source interface {
	ID() string
	Name() string
	// Suppressed reports the suppressAlarms property.
	Suppressed() bool
	Disabled() bool
	ReadOnly() bool

	// Query streams the matching items to l from another goroutine: zero or
	// more OnBatch calls, then exactly one OnComplete.
	Query(ctx context.Context, filter Filter, start, end time.Time, l Listener)
	// Get returns the series parent stored under uid.
	Get(ctx context.Context, uid string) (*model.Item, error)
	// ModifyItem replaces oldItem with newItem. If newItem is an occurrence
	// it is stored as an exception of its series.
	ModifyItem(ctx context.Context, newItem, oldItem *model.Item) error

	SetProperty(name string, value bool)
	DeleteProperty(name string)

	AddObserver(o Observer)
	RemoveObserver(o Observer)
}

// Listener receives the results of a Query.
type Listener interface {
	OnBatch(src Source, items []*model.Item)
	OnComplete(src Source, err error)
}

// ListenerFuncs adapts a pair of functions to Listener. Nil fields are
// skipped.
type ListenerFuncs struct {
	Batch    func(src Source, items []*model.Item)
	Complete func(src Source, err error)
}

func (l ListenerFuncs) OnBatch(src Source, items []*model.Item) {
	if l.Batch != nil {
		l.Batch(src, items)
	}
}

func (l ListenerFuncs) OnComplete(src Source, err error) {
	if l.Complete != nil {
		l.Complete(src, err)
	}
}

// Observer is notified of changes to a source. Notifications are delivered
// synchronously on the goroutine that made the change, after the change is
// visible to Query and Get.
type Observer interface {
	// OnLoad reports that the source reloaded its whole content.
	OnLoad(src Source)
	OnAddItem(item *model.Item)
	OnModifyItem(newItem, oldItem *model.Item)
	OnDeleteItem(item *model.Item)
	OnPropertyChanged(src Source, name string, value, oldValue bool)
	OnPropertyDeleting(src Source, name string)
}

// NopObserver implements Observer with no-ops; embed it to pick methods.
type NopObserver struct{}

func (NopObserver) OnLoad(Source)                                {}
func (NopObserver) OnAddItem(*model.Item)                        {}
func (NopObserver) OnModifyItem(_, _ *model.Item)                {}
func (NopObserver) OnDeleteItem(*model.Item)                     {}
func (NopObserver) OnPropertyChanged(Source, string, bool, bool) {}
func (NopObserver) OnPropertyDeleting(Source, string)            {}
