package alarm

import (
	"context"
	"time"

	appLog "calalarm/internal/log"
)

const (
	defaultWakeInterval  = time.Minute
	defaultWakeThreshold = 2 * time.Minute
)

// WakeDetector notices that the host was suspended. The monotonic clock
// stops while suspended and the wall clock does not, so after a resume the
// wall time between two ticks exceeds the monotonic time.
type WakeDetector struct {
	Interval  time.Duration
	Threshold time.Duration
	OnResume  func()
}

// Run checks every Interval until ctx is done.
func (w *WakeDetector) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultWakeInterval
	}
	threshold := w.Threshold
	if threshold <= 0 {
		threshold = defaultWakeThreshold
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			wall := now.Round(0).Sub(last.Round(0))
			mono := now.Sub(last)
			last = now
			if resumed(wall, mono, threshold) {
				appLog.Info("host resumed", "suspended", (wall - mono).Round(time.Second).String())
				if w.OnResume != nil {
					w.OnResume()
				}
			}
		}
	}
}

func resumed(wall, mono, threshold time.Duration) bool {
	return wall-mono > threshold
}

// WatchResume restarts the service after every host resume until ctx is
// done.
func (s *Service) WatchResume(ctx context.Context, interval time.Duration) {
	w := &WakeDetector{
		Interval: interval,
		OnResume: func() {
			if err := s.Restart(); err != nil {
				appLog.Error("alarm restart after resume failed", err)
			}
		},
	}
	w.Run(ctx)
}
