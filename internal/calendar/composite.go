package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"calalarm/internal/fanin"
	"calalarm/internal/model"
)

// Composite queries every enabled source of a Manager as one calendar.
type Composite struct {
	m *Manager
}

func NewComposite(m *Manager) *Composite {
	return &Composite{m: m}
}

// Query runs one sub-query per enabled source and calls fn for every batch.
// Calls to fn are serialized. Query returns once all sub-queries completed,
// with their errors joined, or with ctx's error when ctx ends first; no
// batch reaches fn after Query returned.
func (c *Composite) Query(ctx context.Context, filter Filter, start, end time.Time, fn func(src Source, items []*model.Item)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		stopped bool
	)
	defer func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
	}()

	j := fanin.New(nil)
	l := ListenerFuncs{
		Batch: func(src Source, items []*model.Item) {
			mu.Lock()
			defer mu.Unlock()
			if !stopped {
				fn(src, items)
			}
		},
		Complete: func(src Source, err error) {
			if err != nil {
				err = fmt.Errorf("%s: %w", src.ID(), err)
			}
			j.Done(err)
		},
	}

	for _, src := range c.m.Sources() {
		if src.Disabled() {
			continue
		}
		if !j.Add(1) {
			break
		}
		src.Query(ctx, filter, start, end, l)
	}
	j.Close(nil)

	if err := j.Wait(ctx); err != nil {
		j.Cancel()
		return err
	}
	return nil
}

// Collect gathers the results of Query, ordered by start time.
func (c *Composite) Collect(ctx context.Context, filter Filter, start, end time.Time, loc *time.Location) ([]*model.Item, error) {
	var out []*model.Item
	err := c.Query(ctx, filter, start, end, func(_ Source, items []*model.Item) {
		out = append(out, items...)
	})
	sort.SliceStable(out, func(i, k int) bool {
		return sortTime(out[i], loc).Before(sortTime(out[k], loc))
	})
	return out, err
}

func sortTime(it *model.Item, loc *time.Location) time.Time {
	if !it.Start.IsZero() {
		return it.Start.In(loc)
	}
	return it.End.In(loc)
}
