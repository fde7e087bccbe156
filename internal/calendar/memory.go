package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"calalarm/internal/ics"
	appLog "calalarm/internal/log"
	"calalarm/internal/model"
)

const defaultBatchSize = 50

// MemorySource keeps items in memory. Stored items are never mutated: every
// write replaces the stored pointer, so items handed out by Query and Get
// stay valid snapshots.
type MemorySource struct {
	base

	expander  model.Expander
	loc       *time.Location
	batchSize int
	readOnly  bool
	// persist, when set, must durably store the full item set before a
	// write becomes visible. An error aborts the write.
	persist func(items []*model.Item) error

	itemsMu sync.RWMutex
	items   map[string]*model.Item
}

type MemoryOption func(*MemorySource)

// WithExpander sets the occurrence expander. The default is an
// rrule-based ics.Expander in the source location.
func WithExpander(x model.Expander) MemoryOption {
	return func(m *MemorySource) { m.expander = x }
}

// WithLocation sets the zone floating and all-day values are read in.
func WithLocation(loc *time.Location) MemoryOption {
	return func(m *MemorySource) { m.loc = loc }
}

// WithBatchSize sets how many items a Query delivers per batch.
func WithBatchSize(n int) MemoryOption {
	return func(m *MemorySource) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

func WithReadOnly() MemoryOption {
	return func(m *MemorySource) { m.readOnly = true }
}

// WithSuppressAlarms presets the suppressAlarms property.
func WithSuppressAlarms(v bool) MemoryOption {
	return func(m *MemorySource) { m.suppressed = v }
}

// WithDisabled presets the disabled property.
func WithDisabled(v bool) MemoryOption {
	return func(m *MemorySource) { m.disabled = v }
}

func NewMemorySource(id, name string, opts ...MemoryOption) *MemorySource {
	m := &MemorySource{
		base:      base{id: id, name: name},
		batchSize: defaultBatchSize,
		items:     make(map[string]*model.Item),
	}
	m.self = m
	for _, opt := range opts {
		opt(m)
	}
	if m.loc == nil {
		m.loc = time.Local
	}
	if m.expander == nil {
		m.expander = ics.NewExpander(m.loc)
	}
	return m
}

func (m *MemorySource) ReadOnly() bool { return m.readOnly }

// Items returns the stored series parents sorted by UID.
func (m *MemorySource) Items() []*model.Item {
	m.itemsMu.RLock()
	defer m.itemsMu.RUnlock()
	return m.snapshotLocked()
}

func (m *MemorySource) snapshotLocked() []*model.Item {
	out := make([]*model.Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (m *MemorySource) Get(_ context.Context, uid string) (*model.Item, error) {
	m.itemsMu.RLock()
	defer m.itemsMu.RUnlock()
	it, ok := m.items[uid]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", m.id, uid, ErrNotFound)
	}
	return it, nil
}

// Replace swaps the whole content and notifies OnLoad. It is the reload
// path of file and remote sources and does not call persist. Every item
// gets a new generation, so snapshots taken before the reload can no longer
// be written back.
func (m *MemorySource) Replace(items []*model.Item) {
	m.itemsMu.Lock()
	next := make(map[string]*model.Item, len(items))
	for _, it := range items {
		c := m.adopt(it)
		c.Generation = m.nextGenerationLocked(c.UID)
		next[c.UID] = c
	}
	m.items = next
	m.itemsMu.Unlock()

	appLog.Debug("calendar reloaded", "calendar", m.id, "item_count", len(next))
	m.each(func(o Observer) { o.OnLoad(m.self) })
}

// AddItem stores a new series parent.
func (m *MemorySource) AddItem(_ context.Context, item *model.Item) error {
	if m.readOnly {
		return fmt.Errorf("add %s: %w", item.UID, ErrReadOnly)
	}
	stored := m.adopt(item)

	m.itemsMu.Lock()
	if _, exists := m.items[stored.UID]; exists {
		m.itemsMu.Unlock()
		return fmt.Errorf("add %s: %w", stored.UID, ErrDuplicate)
	}
	if err := m.commitLocked(stored.UID, stored); err != nil {
		m.itemsMu.Unlock()
		return fmt.Errorf("add %s: %w", stored.UID, err)
	}
	m.itemsMu.Unlock()

	m.each(func(o Observer) { o.OnAddItem(stored) })
	return nil
}

func (m *MemorySource) ModifyItem(_ context.Context, newItem, oldItem *model.Item) error {
	if m.readOnly {
		return fmt.Errorf("modify %s: %w", newItem.UID, ErrReadOnly)
	}

	m.itemsMu.Lock()
	cur, ok := m.items[newItem.UID]
	if !ok {
		m.itemsMu.Unlock()
		return fmt.Errorf("modify %s/%s: %w", m.id, newItem.UID, ErrNotFound)
	}
	// A nil oldItem overwrites whatever is stored.
	if oldItem != nil {
		if err := checkGeneration(oldItem, cur); err != nil {
			m.itemsMu.Unlock()
			return fmt.Errorf("modify %s/%s: %w", m.id, newItem.UID, err)
		}
	}

	var (
		stored   *model.Item
		notified *model.Item
	)
	if newItem.IsOccurrence() {
		// Overriding a single instance: store it as an exception.
		stored = cur.Clone()
		if stored.Exceptions == nil {
			stored.Exceptions = make(map[string]*model.Item)
		}
		ex := newItem.Clone()
		ex.SourceID = m.id
		ex.Parent = stored
		stored.Exceptions[ex.RecurrenceKey()] = ex
		notified = ex
	} else {
		stored = m.adopt(newItem)
		notified = stored
	}
	if err := m.commitLocked(stored.UID, stored); err != nil {
		m.itemsMu.Unlock()
		return fmt.Errorf("modify %s: %w", stored.UID, err)
	}
	m.itemsMu.Unlock()

	if oldItem == nil {
		oldItem = cur
	}
	m.each(func(o Observer) { o.OnModifyItem(notified, oldItem) })
	return nil
}

// DeleteItem removes a series, or a single occurrence by adding an EXDATE
// to its parent. Deleting an occurrence is reported as a modification of
// the parent.
func (m *MemorySource) DeleteItem(_ context.Context, item *model.Item) error {
	if m.readOnly {
		return fmt.Errorf("delete %s: %w", item.UID, ErrReadOnly)
	}

	m.itemsMu.Lock()
	cur, ok := m.items[item.UID]
	if !ok {
		m.itemsMu.Unlock()
		return fmt.Errorf("delete %s/%s: %w", m.id, item.UID, ErrNotFound)
	}
	if err := checkGeneration(item, cur); err != nil {
		m.itemsMu.Unlock()
		return fmt.Errorf("delete %s/%s: %w", m.id, item.HashID(), err)
	}

	if item.IsOccurrence() {
		parent := cur.Clone()
		delete(parent.Exceptions, item.RecurrenceKey())
		parent.ExDates = append(parent.ExDates, *item.RecurrenceID)
		if err := m.commitLocked(parent.UID, parent); err != nil {
			m.itemsMu.Unlock()
			return fmt.Errorf("delete %s: %w", item.HashID(), err)
		}
		m.itemsMu.Unlock()
		m.each(func(o Observer) { o.OnModifyItem(parent, item) })
		return nil
	}

	if err := m.commitLocked(cur.UID, nil); err != nil {
		m.itemsMu.Unlock()
		return fmt.Errorf("delete %s: %w", cur.UID, err)
	}
	m.itemsMu.Unlock()
	m.each(func(o Observer) { o.OnDeleteItem(cur) })
	return nil
}

// checkGeneration fails with ErrConflict unless the series of it is the
// stored one.
func checkGeneration(it, stored *model.Item) error {
	if got := it.ParentItem().Generation; got != stored.Generation {
		return fmt.Errorf("generation %d, stored %d: %w", got, stored.Generation, ErrConflict)
	}
	return nil
}

func (m *MemorySource) nextGenerationLocked(uid string) int {
	if cur, ok := m.items[uid]; ok {
		return cur.Generation + 1
	}
	return 1
}

// commitLocked persists the item set with uid set to item (nil deletes)
// and then applies it, bumping the generation of item. Must be called with
// itemsMu held.
func (m *MemorySource) commitLocked(uid string, item *model.Item) error {
	if item != nil {
		item.Generation = m.nextGenerationLocked(uid)
	}
	if m.persist != nil {
		next := make([]*model.Item, 0, len(m.items)+1)
		for k, it := range m.items {
			if k != uid {
				next = append(next, it)
			}
		}
		if item != nil {
			next = append(next, item)
		}
		sort.Slice(next, func(i, j int) bool { return next[i].UID < next[j].UID })
		if err := m.persist(next); err != nil {
			return err
		}
	}
	if item == nil {
		delete(m.items, uid)
	} else {
		m.items[uid] = item
	}
	return nil
}

// adopt returns a private copy of it owned by this source.
func (m *MemorySource) adopt(it *model.Item) *model.Item {
	c := it.Clone()
	c.Parent = nil
	c.SourceID = m.id
	for _, ex := range c.Exceptions {
		ex.SourceID = m.id
	}
	return c
}

// Query delivers matches from a new goroutine in batches of the configured
// size. Results are computed from a snapshot taken when the goroutine
// starts.
func (m *MemorySource) Query(ctx context.Context, filter Filter, start, end time.Time, l Listener) {
	go m.runQuery(ctx, filter, start, end, l)
}

func (m *MemorySource) runQuery(ctx context.Context, filter Filter, start, end time.Time, l Listener) {
	items := m.Items()
	bounded := !start.IsZero() || !end.IsZero()
	if end.IsZero() {
		end = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	batch := make([]*model.Item, 0, m.batchSize)
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			l.OnComplete(m.self, err)
			return
		}
		if !matchesFilter(filter, it) {
			continue
		}

		switch {
		case filter&FilterOccurrences != 0:
			for _, occ := range m.expander.Occurrences(it, start, end) {
				if matchesFilter(filter, occ) {
					batch = append(batch, occ)
				}
			}
		case !bounded || it.IsRecurring() || model.InRange(it, start, end, m.loc):
			batch = append(batch, it)
		}

		if len(batch) >= m.batchSize {
			l.OnBatch(m.self, batch)
			batch = make([]*model.Item, 0, m.batchSize)
		}
	}
	if len(batch) > 0 {
		l.OnBatch(m.self, batch)
	}
	l.OnComplete(m.self, nil)
}

func matchesFilter(f Filter, it *model.Item) bool {
	switch it.Kind {
	case model.KindTask:
		if f&FilterTasks == 0 {
			return false
		}
		if it.IsCompleted() && f&FilterCompleted == 0 {
			return false
		}
	default:
		if f&FilterEvents == 0 {
			return false
		}
	}
	return true
}
