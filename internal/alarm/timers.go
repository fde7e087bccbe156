package alarm

import (
	"sort"
	"time"

	"calalarm/internal/clock"
	"calalarm/internal/model"
)

// TimerKey identifies the timer of one alarm of one item or occurrence.
type TimerKey struct {
	SourceID string
	ItemHash string
	AlarmKey string
}

func keyFor(it *model.Item, a model.Alarm) TimerKey {
	return TimerKey{SourceID: it.SourceID, ItemHash: it.HashID(), AlarmKey: a.Key()}
}

// ArmedTimer describes a pending timer.
type ArmedTimer struct {
	Key    TimerKey
	FireAt time.Time
}

type timerEntry struct {
	timer  clock.Timer
	gen    uint64
	fireAt time.Time
}

// timerRegistry maps keys to armed one-shot timers, at most one per key.
// It is only used from the loop; expired timers post their callback back
// onto the loop, where a generation check drops fires of entries that were
// disarmed or replaced in the meantime.
type timerRegistry struct {
	clk     clock.Clock
	post    func(func()) bool
	entries map[TimerKey]*timerEntry
	gen     uint64
	// changed is called with the new size after every mutation.
	changed func(n int)
}

func newTimerRegistry(clk clock.Clock, post func(func()) bool, changed func(int)) *timerRegistry {
	return &timerRegistry{
		clk:     clk,
		post:    post,
		entries: make(map[TimerKey]*timerEntry),
		changed: changed,
	}
}

// arm replaces any timer for key with one firing onFire after delay.
func (r *timerRegistry) arm(key TimerKey, delay time.Duration, onFire func()) {
	r.stop(key)

	r.gen++
	gen := r.gen
	e := &timerEntry{gen: gen, fireAt: r.clk.Now().Add(delay)}
	e.timer = r.clk.AfterFunc(delay, func() {
		r.post(func() {
			cur, ok := r.entries[key]
			if !ok || cur.gen != gen {
				return
			}
			delete(r.entries, key)
			r.notify()
			onFire()
		})
	})
	r.entries[key] = e
	r.notify()
}

// disarm cancels the timer for key. It is a no-op when there is none.
func (r *timerRegistry) disarm(key TimerKey) bool {
	if !r.stop(key) {
		return false
	}
	r.notify()
	return true
}

// disarmAll cancels every timer of a source and returns how many there were.
func (r *timerRegistry) disarmAll(sourceID string) int {
	n := 0
	for key := range r.entries {
		if key.SourceID == sourceID {
			r.stop(key)
			n++
		}
	}
	if n > 0 {
		r.notify()
	}
	return n
}

// disarmItem cancels every timer of one item or occurrence.
func (r *timerRegistry) disarmItem(sourceID, itemHash string) int {
	n := 0
	for key := range r.entries {
		if key.SourceID == sourceID && key.ItemHash == itemHash {
			r.stop(key)
			n++
		}
	}
	if n > 0 {
		r.notify()
	}
	return n
}

func (r *timerRegistry) stop(key TimerKey) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.entries, key)
	return true
}

func (r *timerRegistry) has(key TimerKey) bool {
	_, ok := r.entries[key]
	return ok
}

func (r *timerRegistry) len() int {
	return len(r.entries)
}

// list returns the armed timers ordered by fire time.
func (r *timerRegistry) list() []ArmedTimer {
	out := make([]ArmedTimer, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, ArmedTimer{Key: k, FireAt: e.fireAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].Key.ItemHash < out[j].Key.ItemHash
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

func (r *timerRegistry) notify() {
	if r.changed != nil {
		r.changed(len(r.entries))
	}
}
