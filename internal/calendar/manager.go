package calendar

import (
	"fmt"
	"slices"
	"sync"

	appLog "calalarm/internal/log"
)

// ManagerObserver is told about sources joining and leaving a Manager.
type ManagerObserver interface {
	OnSourceRegistered(src Source)
	// OnSourceUnregistering is called while src is still registered.
	OnSourceUnregistering(src Source)
}

// Manager is the registry of calendar sources.
type Manager struct {
	mu        sync.RWMutex
	sources   []Source
	observers []ManagerObserver
}

func NewManager() *Manager {
	return &Manager{}
}

// Register adds src and notifies observers.
func (m *Manager) Register(src Source) error {
	m.mu.Lock()
	for _, s := range m.sources {
		if s.ID() == src.ID() {
			m.mu.Unlock()
			return fmt.Errorf("register %s: %w", src.ID(), ErrDuplicate)
		}
	}
	m.sources = append(m.sources, src)
	obs := slices.Clone(m.observers)
	m.mu.Unlock()

	appLog.Info("calendar registered", "calendar", src.ID(), "name", src.Name())
	for _, o := range obs {
		o.OnSourceRegistered(src)
	}
	return nil
}

// Unregister notifies observers and then removes the source.
func (m *Manager) Unregister(id string) error {
	src, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("unregister %s: %w", id, ErrNotFound)
	}

	m.mu.RLock()
	obs := slices.Clone(m.observers)
	m.mu.RUnlock()
	for _, o := range obs {
		o.OnSourceUnregistering(src)
	}

	m.mu.Lock()
	m.sources = slices.DeleteFunc(m.sources, func(s Source) bool { return s.ID() == id })
	m.mu.Unlock()
	appLog.Info("calendar unregistered", "calendar", id)
	return nil
}

func (m *Manager) Get(id string) (Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sources {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Sources returns the registered sources in registration order.
func (m *Manager) Sources() []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.sources)
}

func (m *Manager) AddObserver(o ManagerObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.observers, o) {
		m.observers = append(m.observers, o)
	}
}

func (m *Manager) RemoveObserver(o ManagerObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = slices.DeleteFunc(m.observers, func(x ManagerObserver) bool { return x == o })
}
