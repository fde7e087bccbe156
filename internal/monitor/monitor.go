// Package monitor keeps the reminders that are currently due. It listens to
// the alarm service, deduplicates repeated fires of the same alarm, limits
// how many notifications go out per minute and routes snooze and dismiss
// requests for a reminder back to the service.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"calalarm/internal/calendar"
	"calalarm/internal/clock"
	appLog "calalarm/internal/log"
	"calalarm/internal/model"
)

// ErrUnknownAlarm is returned for ids that are not active.
var ErrUnknownAlarm = errors.New("monitor: unknown alarm")

const defaultMaxPerMinute = 5

// Acknowledger writes snooze and dismiss state; *alarm.Service implements
// it.
type Acknowledger interface {
	Snooze(ctx context.Context, item *model.Item, d time.Duration) error
	Dismiss(ctx context.Context, item *model.Item) error
}

// Active is a reminder that fired and was not yet snoozed or dismissed.
type Active struct {
	ID      uuid.UUID
	Item    *model.Item
	Alarm   model.Alarm
	FiredAt time.Time
	// Notified is false when the reminder arrived over the per-minute limit.
	Notified bool
}

type Options struct {
	Clock clock.Clock
	// MaxPerMinute caps notifications; further reminders are still listed.
	MaxPerMinute int
	// Notify is called for every notified reminder, outside the lock.
	Notify func(Active)
}

type activeKey struct {
	sourceID string
	hash     string
	alarm    string
}

// Monitor implements alarm.Listener.
type Monitor struct {
	ack  Acknowledger
	opts Options

	mu     sync.Mutex
	active map[uuid.UUID]*Active
	byKey  map[activeKey]uuid.UUID
	sent   []time.Time
}

func New(ack Acknowledger, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.MaxPerMinute <= 0 {
		opts.MaxPerMinute = defaultMaxPerMinute
	}
	return &Monitor{
		ack:    ack,
		opts:   opts,
		active: make(map[uuid.UUID]*Active),
		byKey:  make(map[activeKey]uuid.UUID),
	}
}

func keyOf(it *model.Item, a model.Alarm) activeKey {
	return activeKey{sourceID: it.SourceID, hash: it.HashID(), alarm: a.Key()}
}

func (m *Monitor) OnAlarm(item *model.Item, a model.Alarm) {
	now := m.opts.Clock.Now()

	m.mu.Lock()
	k := keyOf(item, a)
	if id, ok := m.byKey[k]; ok {
		// Fired again, e.g. after a refresh: keep the id, refresh the item.
		act := m.active[id]
		act.Item = item
		act.FiredAt = now
		m.mu.Unlock()
		appLog.Debug("reminder refreshed", "id", id.String(), "item", item.HashID())
		return
	}

	act := &Active{ID: uuid.New(), Item: item, Alarm: a, FiredAt: now}
	act.Notified = m.allowLocked(now)
	m.active[act.ID] = act
	m.byKey[k] = act.ID
	snapshot := *act
	m.mu.Unlock()

	if !snapshot.Notified {
		appLog.Warn("reminder not notified, limit reached",
			"id", snapshot.ID.String(), "item", item.HashID(), "max_per_minute", m.opts.MaxPerMinute)
		return
	}
	appLog.Info("reminder", "id", snapshot.ID.String(), "calendar", item.SourceID, "summary", item.Summary)
	if m.opts.Notify != nil {
		m.opts.Notify(snapshot)
	}
}

// allowLocked records a notification at now unless MaxPerMinute were sent
// in the preceding minute.
func (m *Monitor) allowLocked(now time.Time) bool {
	cutoff := now.Add(-time.Minute)
	kept := m.sent[:0]
	for _, t := range m.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.sent = kept
	if len(m.sent) >= m.opts.MaxPerMinute {
		return false
	}
	m.sent = append(m.sent, now)
	return true
}

func (m *Monitor) OnAlarmsLoaded(src calendar.Source) {
	appLog.Debug("reminders loaded", "calendar", src.ID())
}

func (m *Monitor) OnRemoveAlarmsByItem(item *model.Item) {
	m.removeWhere(func(k activeKey) bool {
		return k.sourceID == item.SourceID && k.hash == item.HashID()
	})
}

func (m *Monitor) OnRemoveAlarmsByCalendar(src calendar.Source) {
	id := src.ID()
	m.removeWhere(func(k activeKey) bool { return k.sourceID == id })
}

func (m *Monitor) removeWhere(match func(activeKey) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, id := range m.byKey {
		if match(k) {
			delete(m.byKey, k)
			delete(m.active, id)
		}
	}
}

// List returns the active reminders, oldest first.
func (m *Monitor) List() []Active {
	m.mu.Lock()
	out := make([]Active, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].Item.HashID() < out[j].Item.HashID()
		}
		return out[i].FiredAt.Before(out[j].FiredAt)
	})
	return out
}

func (m *Monitor) Get(id uuid.UUID) (Active, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	if !ok {
		return Active{}, false
	}
	return *a, true
}

// Snooze snoozes reminder id for d; a non-positive d selects the service
// default.
func (m *Monitor) Snooze(ctx context.Context, id uuid.UUID, d time.Duration) error {
	act, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("snooze %s: %w", id, ErrUnknownAlarm)
	}
	if err := m.ack.Snooze(ctx, act.Item, d); err != nil {
		return err
	}
	m.drop(id)
	return nil
}

func (m *Monitor) Dismiss(ctx context.Context, id uuid.UUID) error {
	act, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("dismiss %s: %w", id, ErrUnknownAlarm)
	}
	if err := m.ack.Dismiss(ctx, act.Item); err != nil {
		return err
	}
	m.drop(id)
	return nil
}

func (m *Monitor) drop(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	if !ok {
		return
	}
	delete(m.byKey, keyOf(a.Item, a.Alarm))
	delete(m.active, id)
}
