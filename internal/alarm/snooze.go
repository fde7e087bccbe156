package alarm

import (
	"context"
	"fmt"
	"time"

	appLog "calalarm/internal/log"
	"calalarm/internal/model"
)

// Snooze postpones the alarms of item, an item or an occurrence, to now+d.
// A non-positive d selects the default snooze. The marker is stored on the
// series parent through the source; the resulting change notification
// re-arms the timer.
func (s *Service) Snooze(ctx context.Context, item *model.Item, d time.Duration) error {
	if d <= 0 {
		d = s.opts.DefaultSnooze
	}
	rid := item.RecurrenceKey()
	return s.acknowledge(ctx, item, "snooze", func(parent *model.Item, now time.Time) {
		if parent.Snoozes == nil {
			parent.Snoozes = make(map[string]time.Time)
		}
		parent.Snoozes[rid] = now.Add(d)
	})
}

// Dismiss acknowledges the alarms of item and clears its snooze marker.
func (s *Service) Dismiss(ctx context.Context, item *model.Item) error {
	rid := item.RecurrenceKey()
	return s.acknowledge(ctx, item, "dismiss", func(parent *model.Item, _ time.Time) {
		delete(parent.Snoozes, rid)
	})
}

// acknowledge re-reads the stored parent so that markers of other
// occurrences written meanwhile survive, then advances AlarmLastAck and
// applies mutate.
func (s *Service) acknowledge(ctx context.Context, item *model.Item, op string, mutate func(parent *model.Item, now time.Time)) error {
	src, ok := s.mgr.Get(item.SourceID)
	if !ok {
		return fmt.Errorf("%s %s/%s: %w", op, item.SourceID, item.HashID(), ErrNoSource)
	}
	current, err := src.Get(ctx, item.UID)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, item.HashID(), err)
	}

	now := s.clk.Now().UTC()
	next := current.Clone()
	next.AlarmLastAck = &now
	mutate(next, now)
	if len(next.Snoozes) == 0 {
		next.Snoozes = nil
	}

	if err := src.ModifyItem(ctx, next, current); err != nil {
		return fmt.Errorf("%s %s: %w", op, item.HashID(), err)
	}
	appLog.Info("alarm "+op, "calendar", item.SourceID, "item", item.HashID(), "last_ack", now.Format(time.RFC3339))
	return nil
}
