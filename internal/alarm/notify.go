package alarm

import (
	"sync"

	"github.com/google/uuid"

	"calalarm/internal/calendar"
	"calalarm/internal/model"
)

// Listener receives scheduler events. Callbacks run on the scheduler loop
// and must return quickly. They may call Snooze, Dismiss, IsLoading and
// TimerCount, but no other Service method.
type Listener interface {
	// OnAlarm reports that an alarm is due now.
	OnAlarm(item *model.Item, a model.Alarm)
	// OnAlarmsLoaded reports that a source's refresh completed.
	OnAlarmsLoaded(src calendar.Source)
	// OnRemoveAlarmsByItem invalidates reminders shown for item.
	OnRemoveAlarmsByItem(item *model.Item)
	// OnRemoveAlarmsByCalendar invalidates reminders shown for src.
	OnRemoveAlarmsByCalendar(src calendar.Source)
}

// ListenerID is the handle returned by AddListener.
type ListenerID = uuid.UUID

type notifier struct {
	mu        sync.RWMutex
	order     []ListenerID
	listeners map[ListenerID]Listener
}

func newNotifier() *notifier {
	return &notifier{listeners: make(map[ListenerID]Listener)}
}

func (n *notifier) add(l Listener) ListenerID {
	id := uuid.New()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[id] = l
	n.order = append(n.order, id)
	return id
}

func (n *notifier) remove(id ListenerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[id]; !ok {
		return false
	}
	delete(n.listeners, id)
	for i, x := range n.order {
		if x == id {
			n.order = append(n.order[:i:i], n.order[i+1:]...)
			break
		}
	}
	return true
}

func (n *notifier) each(fn func(Listener)) {
	n.mu.RLock()
	ls := make([]Listener, 0, len(n.order))
	for _, id := range n.order {
		ls = append(ls, n.listeners[id])
	}
	n.mu.RUnlock()
	for _, l := range ls {
		fn(l)
	}
}

func (n *notifier) alarm(it *model.Item, a model.Alarm) {
	n.each(func(l Listener) { l.OnAlarm(it, a) })
}

func (n *notifier) alarmsLoaded(src calendar.Source) {
	n.each(func(l Listener) { l.OnAlarmsLoaded(src) })
}

func (n *notifier) removeByItem(it *model.Item) {
	n.each(func(l Listener) { l.OnRemoveAlarmsByItem(it) })
}

func (n *notifier) removeByCalendar(src calendar.Source) {
	n.each(func(l Listener) { l.OnRemoveAlarmsByCalendar(src) })
}
