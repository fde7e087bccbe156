// Package alarm schedules reminders for the alarms of calendar items. A
// Service keeps timers armed for the alarms due within a rolling window,
// re-derives them as sources change, fires missed alarms that were never
// acknowledged, and implements snooze and dismiss by writing acknowledgement
// state back onto the items.
package alarm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"calalarm/internal/calendar"
	"calalarm/internal/clock"
	"calalarm/internal/ics"
	appLog "calalarm/internal/log"
	"calalarm/internal/model"
)

var (
	// ErrNotRunning is returned once the Service has been closed.
	ErrNotRunning = errors.New("alarm: service not running")
	// ErrNoSource is returned when an item's source is not registered.
	ErrNoSource = errors.New("alarm: source not registered")
)

const (
	defaultWindowHours     = 6
	defaultMaxSnoozeMonths = 1
	defaultSnooze          = 5 * time.Minute
	// occurrenceMonths bounds occurrence expansion for incremental updates.
	occurrenceMonths = 1
)

// Options configures a Service. Zero values select the defaults.
type Options struct {
	Clock    clock.Clock
	Location *time.Location
	Expander model.Expander

	ShowMissed bool
	// WindowHours is how far ahead timers are armed and how often the
	// window slides (default 6).
	WindowHours int
	// MaxSnoozeMonths is how far back and ahead a full refresh looks
	// (default 1).
	MaxSnoozeMonths int
	// RefreshSpec is the cron spec of the periodic refresh; it defaults to
	// every WindowHours hours. "-" disables the periodic refresh.
	RefreshSpec   string
	DefaultSnooze time.Duration
}

func (o *Options) normalize() {
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Expander == nil {
		o.Expander = ics.NewExpander(o.Location)
	}
	if o.WindowHours <= 0 {
		o.WindowHours = defaultWindowHours
	}
	if o.MaxSnoozeMonths <= 0 {
		o.MaxSnoozeMonths = defaultMaxSnoozeMonths
	}
	if o.RefreshSpec == "" {
		o.RefreshSpec = fmt.Sprintf("@every %dh", o.WindowHours)
	}
	if o.DefaultSnooze <= 0 {
		o.DefaultSnooze = defaultSnooze
	}
}

// Service is the alarm scheduler for the sources of a calendar.Manager.
type Service struct {
	mgr    *calendar.Manager
	opts   Options
	clk    clock.Clock
	policy Policy

	loop     *loop
	notifier *notifier
	bridge   *bridge

	cronMu sync.Mutex
	cron   *cron.Cron

	// Read without the loop.
	loadingCount atomic.Int64
	timerCount   atomic.Int64

	// Owned by the loop.
	started  bool
	timers   *timerRegistry
	window   RangeWindow
	observed map[string]calendar.Source
	loaded   map[string]bool
	queries  map[string]*sourceQuery

	// expandStart is where occurrence expansion for single-item updates
	// begins: the seed start of the first refresh.
	expandStart time.Time
}

// New creates a stopped Service. Call Startup to begin scheduling and Close
// to release it.
func New(mgr *calendar.Manager, opts Options) *Service {
	opts.normalize()
	s := &Service{
		mgr:      mgr,
		opts:     opts,
		clk:      opts.Clock,
		policy:   Policy{Location: opts.Location, ShowMissed: opts.ShowMissed},
		loop:     newLoop(),
		notifier: newNotifier(),
		observed: make(map[string]calendar.Source),
		loaded:   make(map[string]bool),
		queries:  make(map[string]*sourceQuery),
	}
	s.bridge = &bridge{s: s}
	s.timers = newTimerRegistry(s.clk, s.loop.post, func(n int) { s.timerCount.Store(int64(n)) })
	return s
}

// Startup observes every registered source and runs the first refresh,
// then starts the periodic refresh. It is a no-op when already started. An
// invalid refresh schedule fails before anything is observed.
func (s *Service) Startup() error {
	sched, err := s.refreshSchedule()
	if err != nil {
		return err
	}

	var started bool
	err = s.loop.call(func() {
		if s.started {
			return
		}
		s.started = true
		started = true

		s.mgr.AddObserver(s.bridge)
		for _, src := range s.mgr.Sources() {
			s.observe(src)
		}
		appLog.Info("alarm service started",
			"sources", len(s.observed),
			"window_hours", s.opts.WindowHours,
			"show_missed", s.opts.ShowMissed,
		)
		s.tick()
	})
	if err != nil || !started {
		return err
	}
	s.startCron(sched)
	return nil
}

// refreshSchedule parses RefreshSpec. It returns nil when the periodic
// refresh is disabled.
func (s *Service) refreshSchedule() (cron.Schedule, error) {
	if s.opts.RefreshSpec == "-" {
		return nil, nil
	}
	sched, err := cron.ParseStandard(s.opts.RefreshSpec)
	if err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", s.opts.RefreshSpec, err)
	}
	return sched, nil
}

func (s *Service) startCron(sched cron.Schedule) {
	if sched == nil {
		return
	}
	c := cron.New(cron.WithLocation(s.opts.Location))
	c.Schedule(sched, cron.FuncJob(func() { s.loop.post(s.tick) }))
	c.Start()

	s.cronMu.Lock()
	s.cron = c
	s.cronMu.Unlock()
}

// Shutdown stops observing, disarms every timer and forgets the window.
// Listeners are told to drop every reminder.
func (s *Service) Shutdown() error {
	s.cronMu.Lock()
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	s.cronMu.Unlock()

	return s.loop.call(func() {
		if !s.started {
			return
		}
		s.mgr.RemoveObserver(s.bridge)
		for _, src := range s.observed {
			s.unobserve(src)
		}
		s.window = RangeWindow{}
		s.expandStart = time.Time{}
		s.started = false
		appLog.Info("alarm service stopped")
	})
}

// Restart is Shutdown followed by Startup.
func (s *Service) Restart() error {
	if err := s.Shutdown(); err != nil {
		return err
	}
	return s.Startup()
}

// Close shuts the service down and stops its loop.
func (s *Service) Close() error {
	err := s.Shutdown()
	s.loop.stop()
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// Refresh slides the window and re-queries every source now, as the
// periodic refresh does.
func (s *Service) Refresh() error {
	if !s.loop.post(s.tick) {
		return ErrNotRunning
	}
	return nil
}

// AddListener registers l for scheduler events.
func (s *Service) AddListener(l Listener) ListenerID {
	return s.notifier.add(l)
}

func (s *Service) RemoveListener(id ListenerID) bool {
	return s.notifier.remove(id)
}

// IsLoading reports whether any source's refresh is still outstanding.
func (s *Service) IsLoading() bool {
	return s.loadingCount.Load() > 0
}

// TimerCount returns the number of armed timers.
func (s *Service) TimerCount() int {
	return int(s.timerCount.Load())
}

// Sync waits until everything posted to the loop so far has run.
func (s *Service) Sync() error {
	return s.loop.call(func() {})
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Started bool
	Loading bool
	Window  RangeWindow
	Loaded  map[string]bool
	Timers  []ArmedTimer
}

func (s *Service) Status() (Status, error) {
	var st Status
	err := s.loop.call(func() {
		st = Status{
			Started: s.started,
			Loading: s.IsLoading(),
			Window:  s.window,
			Loaded:  make(map[string]bool, len(s.loaded)),
			Timers:  s.timers.list(),
		}
		for id, v := range s.loaded {
			st.Loaded[id] = v
		}
	})
	return st, err
}

// setLoaded updates LoadedState for a source. Loop only.
func (s *Service) setLoaded(id string, v bool) {
	prev, known := s.loaded[id]
	s.loaded[id] = v
	switch {
	case !v && (!known || prev):
		s.loadingCount.Add(1)
	case v && known && !prev:
		s.loadingCount.Add(-1)
	}
}

// dropLoaded forgets a source's LoadedState. Loop only.
func (s *Service) dropLoaded(id string) {
	if v, ok := s.loaded[id]; ok && !v {
		s.loadingCount.Add(-1)
	}
	delete(s.loaded, id)
}
