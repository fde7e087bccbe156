package calendar

import (
	"slices"
	"sync"

	appLog "calalarm/internal/log"
)

// base carries the identity, the scheduling properties and the observer
// list shared by every Source implementation. self is the outer Source
// passed to observers.
type base struct {
	id   string
	name string
	self Source

	mu         sync.RWMutex
	suppressed bool
	disabled   bool
	observers  []Observer
}

func (b *base) ID() string   { return b.id }
func (b *base) Name() string { return b.name }

func (b *base) Suppressed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.suppressed
}

func (b *base) Disabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.disabled
}

// SetProperty sets suppressAlarms or disabled and notifies observers when
// the value changed. Unknown names are ignored.
func (b *base) SetProperty(name string, value bool) {
	b.mu.Lock()
	var old bool
	switch name {
	case PropSuppressAlarms:
		old, b.suppressed = b.suppressed, value
	case PropDisabled:
		old, b.disabled = b.disabled, value
	default:
		b.mu.Unlock()
		appLog.Warn("calendar: unknown property", "calendar", b.id, "name", name)
		return
	}
	b.mu.Unlock()

	if old == value {
		return
	}
	appLog.Debug("calendar property changed", "calendar", b.id, "name", name, "value", value)
	b.each(func(o Observer) { o.OnPropertyChanged(b.self, name, value, old) })
}

// DeleteProperty resets name to false and then notifies observers, so that
// they already read the default value.
func (b *base) DeleteProperty(name string) {
	if name != PropSuppressAlarms && name != PropDisabled {
		return
	}
	b.mu.Lock()
	switch name {
	case PropSuppressAlarms:
		b.suppressed = false
	case PropDisabled:
		b.disabled = false
	}
	b.mu.Unlock()

	b.each(func(o Observer) { o.OnPropertyDeleting(b.self, name) })
}

func (b *base) AddObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.observers, o) {
		return
	}
	b.observers = append(b.observers, o)
}

func (b *base) RemoveObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = slices.DeleteFunc(b.observers, func(x Observer) bool { return x == o })
}

// each calls fn for a snapshot of the observers, without holding the lock.
func (b *base) each(fn func(Observer)) {
	b.mu.RLock()
	obs := slices.Clone(b.observers)
	b.mu.RUnlock()
	for _, o := range obs {
		fn(o)
	}
}
