package alarm

import (
	"time"

	"calalarm/internal/calendar"
	appLog "calalarm/internal/log"
)

// RangeWindow is the horizon timers are currently armed for, in UTC.
type RangeWindow struct {
	Start time.Time
	End   time.Time
}

// tick slides the window and re-queries every observed source. The first
// tick after startup seeds the start MaxSnoozeMonths back so that missed
// and snoozed alarms are found; later ticks start where the last window
// ended. Loop only.
func (s *Service) tick() {
	if !s.started {
		return
	}
	now := s.clk.Now().UTC()

	start := s.window.End
	if start.IsZero() {
		start = now.AddDate(0, -s.opts.MaxSnoozeMonths, 0)
		s.expandStart = start
	}
	s.window = RangeWindow{
		Start: start,
		End:   now.Add(time.Duration(s.opts.WindowHours) * time.Hour),
	}
	until := now.AddDate(0, s.opts.MaxSnoozeMonths, 0)

	sources := s.observedSources()
	appLog.Info("alarm refresh",
		"window_start", s.window.Start.Format(time.RFC3339),
		"window_end", s.window.End.Format(time.RFC3339),
		"query_end", until.Format(time.RFC3339),
		"sources", len(sources),
	)
	for _, src := range sources {
		s.findAlarms(src, start, until)
	}
}

// observedSources returns the observed sources in registration order.
func (s *Service) observedSources() []calendar.Source {
	out := make([]calendar.Source, 0, len(s.observed))
	for _, src := range s.mgr.Sources() {
		if _, ok := s.observed[src.ID()]; ok {
			out = append(out, src)
		}
	}
	return out
}
