package alarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calalarm/internal/calendar"
	"calalarm/internal/fanin"
	appLog "calalarm/internal/log"
	"calalarm/internal/model"
)

const queryFilter = calendar.FilterAll | calendar.FilterOccurrences

// sourceQuery is the in-flight refresh of one source. Each batch becomes
// one unit of its join; the source's completion closes it.
type sourceQuery struct {
	src    calendar.Source
	cancel context.CancelFunc
	join   *fanin.Join
	items  int
}

// findAlarms re-derives the alarms of every item src has in [start, end]
// and marks the source loaded once all of them are processed. A running
// refresh of the same source is superseded. Loop only.
func (s *Service) findAlarms(src calendar.Source, start, end time.Time) {
	id := src.ID()
	s.cancelQuery(id)

	if src.Suppressed() || src.Disabled() {
		appLog.Debug("alarm refresh skipped", "calendar", id,
			"suppressed", src.Suppressed(), "disabled", src.Disabled())
		s.setLoaded(id, true)
		s.notifier.alarmsLoaded(src)
		return
	}

	s.setLoaded(id, false)
	ctx, cancel := context.WithCancel(context.Background())
	q := &sourceQuery{src: src, cancel: cancel}
	q.join = fanin.New(func(err error) {
		s.loop.post(func() { s.querySettled(q, err) })
	})
	s.queries[id] = q

	src.Query(ctx, queryFilter, start, end, calendar.ListenerFuncs{
		Batch: func(_ calendar.Source, items []*model.Item) {
			if !q.join.Add(1) {
				return
			}
			if !s.loop.post(func() { q.join.Done(s.processBatch(q, items)) }) {
				q.join.Done(ErrNotRunning)
			}
		},
		Complete: func(_ calendar.Source, err error) {
			q.join.Close(err)
		},
	})
}

// processBatch re-derives one batch. Batches of a superseded query are
// dropped. Loop only.
func (s *Service) processBatch(q *sourceQuery, items []*model.Item) error {
	if s.queries[q.src.ID()] != q {
		return nil
	}
	now := s.clk.Now().UTC()
	var errs []error
	for _, it := range items {
		if err := s.rederive(it, now); err != nil {
			errs = append(errs, err)
		}
	}
	q.items += len(items)
	return errors.Join(errs...)
}

func (s *Service) querySettled(q *sourceQuery, err error) {
	id := q.src.ID()
	if s.queries[id] != q {
		return
	}
	delete(s.queries, id)
	q.cancel()

	if err != nil {
		appLog.Error("alarm refresh failed", err, "calendar", id)
	}
	s.setLoaded(id, true)
	appLog.Debug("alarms loaded", "calendar", id, "items", q.items, "timers", s.timers.len())
	s.notifier.alarmsLoaded(q.src)
}

func (s *Service) cancelQuery(id string) {
	q, ok := s.queries[id]
	if !ok {
		return
	}
	delete(s.queries, id)
	q.cancel()
	q.join.Cancel()
	appLog.Debug("alarm refresh superseded", "calendar", id)
}

// rederive replaces the schedule of one item or occurrence. A panic while
// deriving is reported as that item's error.
func (s *Service) rederive(it *model.Item, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item %s/%s: %v", it.SourceID, it.HashID(), r)
		}
	}()
	s.removeAlarmsForItem(it)
	s.addAlarmsForItem(it, now)
	return nil
}

func (s *Service) removeAlarmsForItem(it *model.Item) {
	s.notifier.removeByItem(it)
	s.timers.disarmItem(it.SourceID, it.HashID())
}

func (s *Service) addAlarmsForItem(it *model.Item, now time.Time) {
	for _, a := range it.Alarms {
		d := s.policy.Decide(it, a, now, s.window.End)
		switch d.Action {
		case Arm:
			key := keyFor(it, a)
			s.timers.arm(key, d.Delay, func() { s.alarmFired(it, a) })
			appLog.Debug("alarm armed", "calendar", it.SourceID, "item", it.HashID(),
				"alarm", key.AlarmKey, "fire_at", d.FireAt.Format(time.RFC3339))
		case FireNow:
			appLog.Debug("alarm missed", "calendar", it.SourceID, "item", it.HashID(),
				"alarm", a.Key(), "fire_at", d.FireAt.Format(time.RFC3339))
			s.alarmFired(it, a)
		default:
			appLog.Debug("alarm skipped", "calendar", it.SourceID, "item", it.HashID(),
				"alarm", a.Key(), "reason", d.Reason)
		}
	}
}

// alarmFired notifies listeners unless the source went away, was
// suppressed or disabled, or the item was cancelled since arming.
func (s *Service) alarmFired(it *model.Item, a model.Alarm) {
	src, ok := s.observed[it.SourceID]
	if !ok {
		return
	}
	if src.Suppressed() || src.Disabled() {
		appLog.Debug("alarm dropped", "calendar", it.SourceID, "item", it.HashID(), "reason", "calendar inactive")
		return
	}
	if it.Status == model.StatusCancelled {
		appLog.Debug("alarm dropped", "calendar", it.SourceID, "item", it.HashID(), "reason", "cancelled")
		return
	}
	appLog.Info("alarm", "calendar", it.SourceID, "item", it.HashID(), "summary", it.Summary, "alarm", a.Key())
	s.notifier.alarm(it, a)
}

// addAlarmsForOccurrences derives the alarms of every occurrence of it
// from the first window start to a month ahead. Loop only.
func (s *Service) addAlarmsForOccurrences(it *model.Item) {
	now := s.clk.Now().UTC()
	for _, occ := range s.occurrences(it, now) {
		if err := s.rederive(occ, now); err != nil {
			appLog.Error("alarm update failed", err, "calendar", it.SourceID)
		}
	}
}

func (s *Service) removeAlarmsForOccurrences(it *model.Item) {
	for _, occ := range s.occurrences(it, s.clk.Now().UTC()) {
		s.removeAlarmsForItem(occ)
	}
}

func (s *Service) occurrences(it *model.Item, now time.Time) []*model.Item {
	start := s.expandStart
	if start.IsZero() {
		start = now.AddDate(0, -s.opts.MaxSnoozeMonths, 0)
	}
	return s.opts.Expander.Occurrences(it, start, now.AddDate(0, occurrenceMonths, 0))
}

// initAlarms drops everything known about src and refreshes it from
// scratch. Loop only.
func (s *Service) initAlarms(src calendar.Source) {
	id := src.ID()
	n := s.timers.disarmAll(id)
	s.setLoaded(id, false)
	s.notifier.removeByCalendar(src)
	appLog.Debug("alarms reset", "calendar", id, "disarmed", n)

	now := s.clk.Now().UTC()
	s.findAlarms(src,
		now.AddDate(0, -s.opts.MaxSnoozeMonths, 0),
		now.AddDate(0, s.opts.MaxSnoozeMonths, 0),
	)
}
