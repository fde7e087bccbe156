package alarm

import (
	"calalarm/internal/calendar"
	appLog "calalarm/internal/log"
	"calalarm/internal/model"
)

// bridge turns source and manager notifications into incremental schedule
// updates. Notifications arrive on the goroutine that made the change and
// are posted to the loop.
type bridge struct {
	s *Service
}

var (
	_ calendar.Observer        = (*bridge)(nil)
	_ calendar.ManagerObserver = (*bridge)(nil)
)

// onSource runs fn on the loop if the service is started and still
// observes the source.
func (b *bridge) onSource(id string, fn func(src calendar.Source)) {
	s := b.s
	s.loop.post(func() {
		if !s.started {
			return
		}
		src, ok := s.observed[id]
		if !ok {
			return
		}
		fn(src)
	})
}

func (b *bridge) OnLoad(src calendar.Source) {
	b.onSource(src.ID(), func(src calendar.Source) {
		// Loads before the first refresh finished are covered by it.
		if !b.s.loaded[src.ID()] {
			return
		}
		appLog.Debug("calendar reloaded, resetting alarms", "calendar", src.ID())
		b.s.initAlarms(src)
	})
}

func (b *bridge) OnAddItem(item *model.Item) {
	b.onSource(item.SourceID, func(calendar.Source) {
		b.s.addAlarmsForOccurrences(item)
	})
}

func (b *bridge) OnModifyItem(newItem, oldItem *model.Item) {
	b.onSource(newItem.SourceID, func(calendar.Source) {
		// A modified series invalidates every occurrence of the old one.
		if !newItem.IsOccurrence() && oldItem != nil {
			oldItem = oldItem.ParentItem()
		}
		if oldItem != nil {
			b.s.removeAlarmsForOccurrences(oldItem)
		}
		b.s.addAlarmsForOccurrences(newItem)
	})
}

func (b *bridge) OnDeleteItem(item *model.Item) {
	b.onSource(item.SourceID, func(calendar.Source) {
		b.s.removeAlarmsForOccurrences(item)
	})
}

func (b *bridge) OnPropertyChanged(src calendar.Source, name string, value, oldValue bool) {
	if !alarmProperty(name) || value == oldValue {
		return
	}
	b.onSource(src.ID(), func(src calendar.Source) {
		appLog.Debug("calendar property changed", "calendar", src.ID(), "property", name, "value", value)
		b.s.initAlarms(src)
	})
}

func (b *bridge) OnPropertyDeleting(src calendar.Source, name string) {
	if !alarmProperty(name) {
		return
	}
	b.onSource(src.ID(), func(src calendar.Source) {
		b.s.initAlarms(src)
	})
}

func alarmProperty(name string) bool {
	return name == calendar.PropSuppressAlarms || name == calendar.PropDisabled
}

func (b *bridge) OnSourceRegistered(src calendar.Source) {
	s := b.s
	s.loop.post(func() {
		if !s.started {
			return
		}
		if _, ok := s.observed[src.ID()]; ok {
			return
		}
		s.observe(src)
		s.initAlarms(src)
	})
}

func (b *bridge) OnSourceUnregistering(src calendar.Source) {
	s := b.s
	s.loop.post(func() {
		if cur, ok := s.observed[src.ID()]; ok && cur == src {
			s.unobserve(src)
		}
	})
}

// observe starts watching src. Loop only.
func (s *Service) observe(src calendar.Source) {
	s.observed[src.ID()] = src
	src.AddObserver(s.bridge)
}

// unobserve stops watching src and drops its timers and state. Loop only.
func (s *Service) unobserve(src calendar.Source) {
	id := src.ID()
	src.RemoveObserver(s.bridge)
	s.cancelQuery(id)
	n := s.timers.disarmAll(id)
	s.dropLoaded(id)
	delete(s.observed, id)
	appLog.Debug("calendar unobserved", "calendar", id, "disarmed", n)
	s.notifier.removeByCalendar(src)
}
