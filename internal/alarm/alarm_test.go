package alarm

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"calalarm/internal/calendar"
	"calalarm/internal/clock"
	"calalarm/internal/model"
)

var now0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu           sync.Mutex
	fired        []string
	loaded       []string
	removedItems []string
	removedCals  []string
}

func (r *recorder) OnAlarm(it *model.Item, _ model.Alarm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, it.HashID())
}

func (r *recorder) OnAlarmsLoaded(src calendar.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = append(r.loaded, src.ID())
}

func (r *recorder) OnRemoveAlarmsByItem(it *model.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removedItems = append(r.removedItems, it.HashID())
}

func (r *recorder) OnRemoveAlarmsByCalendar(src calendar.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removedCals = append(r.removedCals, src.ID())
}

func (r *recorder) firedList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.fired)
}

func (r *recorder) loadedList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.loaded)
}

func (r *recorder) removedCalList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.removedCals)
}

func event(uid string, start time.Time) *model.Item {
	return &model.Item{
		UID:    uid,
		Kind:   model.KindEvent,
		Start:  model.At(start),
		End:    model.At(start.Add(time.Hour)),
		Alarms: []model.Alarm{{Action: model.ActionDisplay, Offset: -15 * time.Minute}},
	}
}

type harness struct {
	clk *clock.Fake
	mgr *calendar.Manager
	src *calendar.MemorySource
	svc *Service
	rec *recorder
}

func newHarness(t *testing.T, opts Options, items ...*model.Item) *harness {
	t.Helper()
	clk := clock.NewFake(now0)
	mgr := calendar.NewManager()
	src := calendar.NewMemorySource("cal", "Calendar",
		calendar.WithLocation(time.UTC),
		calendar.WithBatchSize(2),
	)
	for _, it := range items {
		if err := src.AddItem(context.Background(), it); err != nil {
			t.Fatalf("AddItem(%s): %v", it.UID, err)
		}
	}
	if err := mgr.Register(src); err != nil {
		t.Fatalf("Register: %v", err)
	}

	opts.Clock = clk
	opts.Location = time.UTC
	if opts.RefreshSpec == "" {
		opts.RefreshSpec = "-"
	}
	svc := New(mgr, opts)
	rec := &recorder{}
	svc.AddListener(rec)
	t.Cleanup(func() { _ = svc.Close() })

	if err := svc.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	waitIdle(t, svc)
	return &harness{clk: clk, mgr: mgr, src: src, svc: svc, rec: rec}
}

// waitIdle waits until every posted closure ran and no refresh is pending.
func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := svc.Sync(); err != nil {
			t.Fatalf("Sync: %v", err)
		}
		if !svc.IsLoading() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("refresh did not finish")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func timers(t *testing.T, svc *Service) []ArmedTimer {
	t.Helper()
	st, err := svc.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st.Timers
}

func timerHashes(ts []ArmedTimer) []string {
	out := make([]string, 0, len(ts))
	for _, x := range ts {
		out = append(out, x.Key.ItemHash)
	}
	return out
}

func TestStartupArmsWithinWindow(t *testing.T) {
	h := newHarness(t, Options{ShowMissed: true},
		event("soon", now0.Add(time.Hour)),
		event("later", now0.Add(7*time.Hour+15*time.Minute)),
		event("far", now0.Add(10*24*time.Hour)),
	)

	ts := timers(t, h.svc)
	if got := timerHashes(ts); !slices.Equal(got, []string{"soon"}) {
		t.Fatalf("armed = %v, want [soon]", got)
	}
	if want := now0.Add(45 * time.Minute); !ts[0].FireAt.Equal(want) {
		t.Errorf("fire at = %v, want %v", ts[0].FireAt, want)
	}
	if got := h.rec.loadedList(); !slices.Equal(got, []string{"cal"}) {
		t.Errorf("loaded = %v", got)
	}

	h.clk.Advance(45 * time.Minute)
	if err := h.svc.Sync(); err != nil {
		t.Fatal(err)
	}
	if got := h.rec.firedList(); !slices.Equal(got, []string{"soon"}) {
		t.Fatalf("fired = %v, want [soon]", got)
	}
	if n := h.svc.TimerCount(); n != 0 {
		t.Errorf("timer count after fire = %d", n)
	}

	// Two hours in, the window reaches past the second alarm.
	h.clk.Advance(75 * time.Minute)
	if err := h.svc.Refresh(); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, h.svc)

	st, err := h.svc.Status()
	if err != nil {
		t.Fatal(err)
	}
	if want := now0.Add(6 * time.Hour); !st.Window.Start.Equal(want) {
		t.Errorf("window start = %v, want %v", st.Window.Start, want)
	}
	if want := now0.Add(8 * time.Hour); !st.Window.End.Equal(want) {
		t.Errorf("window end = %v, want %v", st.Window.End, want)
	}
	if got := timerHashes(st.Timers); !slices.Equal(got, []string{"later"}) {
		t.Errorf("armed after refresh = %v, want [later]", got)
	}
}

func TestDecideWindowBoundary(t *testing.T) {
	p := Policy{Location: time.UTC, ShowMissed: true}
	it := event("e", now0.Add(7*time.Hour+15*time.Minute))
	a := it.Alarms[0]

	d := p.Decide(it, a, now0, now0.Add(6*time.Hour))
	if d.Action != Skip {
		t.Fatalf("action = %v, want skip", d.Action)
	}
	d = p.Decide(it, a, now0, now0.Add(8*time.Hour))
	if d.Action != Arm || d.Delay != 7*time.Hour {
		t.Fatalf("decision = %+v, want arm in 7h", d)
	}
}

func TestDecideMissed(t *testing.T) {
	fire := now0.Add(-5 * time.Minute)
	before := fire.Add(-time.Minute)

	cases := []struct {
		name       string
		showMissed bool
		ack        *time.Time
		want       Action
	}{
		{"shown", true, nil, FireNow},
		{"hidden", false, nil, Skip},
		{"acked at fire time", true, &fire, Skip},
		{"acked after", true, &now0, Skip},
		{"acked before", true, &before, FireNow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			it := event("m", now0.Add(10*time.Minute))
			it.AlarmLastAck = tc.ack
			p := Policy{Location: time.UTC, ShowMissed: tc.showMissed}
			d := p.Decide(it, it.Alarms[0], now0, now0.Add(6*time.Hour))
			if d.Action != tc.want {
				t.Errorf("action = %v (%s), want %v", d.Action, d.Reason, tc.want)
			}
			if !d.FireAt.Equal(fire) {
				t.Errorf("fire at = %v, want %v", d.FireAt, fire)
			}
		})
	}
}

func TestDecideSnoozeNeverEarlier(t *testing.T) {
	p := Policy{Location: time.UTC, ShowMissed: true}
	base := event("s", now0.Add(2*time.Hour))
	baseFire := now0.Add(2*time.Hour - 15*time.Minute)

	for _, off := range []time.Duration{-3 * time.Hour, -time.Minute, 0, time.Minute, time.Hour} {
		it := base.Clone()
		it.Snoozes = map[string]time.Time{"": baseFire.Add(off)}
		d := p.Decide(it, it.Alarms[0], now0, now0.Add(6*time.Hour))
		if d.FireAt.Before(baseFire) {
			t.Errorf("snooze %v: fire at %v is before %v", off, d.FireAt, baseFire)
		}
		if off > 0 && !d.FireAt.Equal(baseFire.Add(off)) {
			t.Errorf("snooze %v: fire at %v, want %v", off, d.FireAt, baseFire.Add(off))
		}
	}
}

func TestDecideSkipsAndDateFlavours(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	p := Policy{Location: loc, ShowMissed: true}
	rangeEnd := now0.Add(48 * time.Hour)

	done := event("t", now0.Add(time.Hour))
	done.Kind = model.KindTask
	done.PercentComplete = 100
	if d := p.Decide(done, done.Alarms[0], now0, rangeEnd); d.Action != Skip {
		t.Errorf("completed task: %v", d.Action)
	}

	audio := event("a", now0.Add(time.Hour))
	audio.Alarms[0].Action = model.ActionAudio
	if d := p.Decide(audio, audio.Alarms[0], now0, rangeEnd); d.Action != Skip {
		t.Errorf("audio alarm: %v", d.Action)
	}

	undated := &model.Item{UID: "u", Kind: model.KindEvent}
	if d := p.Decide(undated, event("x", now0).Alarms[0], now0, rangeEnd); d.Action != Skip || !d.FireAt.IsZero() {
		t.Errorf("undated: %+v", d)
	}

	allDay := event("d", now0)
	allDay.Alarms = []model.Alarm{{Action: model.ActionDisplay, Related: model.RelatedAbsolute, Date: model.Date(2025, 3, 11)}}
	d := p.Decide(allDay, allDay.Alarms[0], now0, rangeEnd)
	if want := time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC); d.Action != Arm || !d.FireAt.Equal(want) {
		t.Errorf("all-day: %+v, want arm at %v", d, want)
	}

	floating := event("f", now0)
	floating.Alarms = []model.Alarm{{
		Action:  model.ActionDisplay,
		Related: model.RelatedAbsolute,
		Date:    model.Floating(time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC)),
	}}
	d = p.Decide(floating, floating.Alarms[0], now0, rangeEnd)
	if want := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC); d.Action != Arm || !d.FireAt.Equal(want) {
		t.Errorf("floating: %+v, want arm at %v", d, want)
	}
}

func TestRecurringOccurrencesArmDistinctKeys(t *testing.T) {
	daily := event("daily", now0.Add(time.Hour))
	daily.Alarms[0].Offset = -5 * time.Minute
	daily.RRule = "FREQ=DAILY;COUNT=5"

	h := newHarness(t, Options{ShowMissed: true, WindowHours: 48}, daily)

	want := []string{"daily#20250310T130000Z", "daily#20250311T130000Z"}
	ts := timers(t, h.svc)
	if got := timerHashes(ts); !slices.Equal(got, want) {
		t.Fatalf("armed = %v, want %v", got, want)
	}
	if ts[0].Key == ts[1].Key {
		t.Fatal("occurrences share a timer key")
	}
	if want := now0.Add(55 * time.Minute); !ts[0].FireAt.Equal(want) {
		t.Errorf("first fire at = %v, want %v", ts[0].FireAt, want)
	}
}

func TestSingleTimerPerKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{ShowMissed: true}, event("e", now0.Add(time.Hour)))

	for i := range 3 {
		cur, err := h.src.Get(ctx, "e")
		if err != nil {
			t.Fatal(err)
		}
		next := cur.Clone()
		next.Summary = "edit"
		next.Start = model.At(now0.Add(time.Hour + time.Duration(i)*time.Minute))
		if err := h.src.ModifyItem(ctx, next, cur); err != nil {
			t.Fatal(err)
		}
		if err := h.svc.Refresh(); err != nil {
			t.Fatal(err)
		}
		waitIdle(t, h.svc)

		if n := h.svc.TimerCount(); n != 1 {
			t.Fatalf("round %d: timer count = %d", i, n)
		}
		if n := h.clk.Pending(); n != 1 {
			t.Fatalf("round %d: host timers = %d", i, n)
		}
	}
	ts := timers(t, h.svc)
	if want := now0.Add(time.Hour + 2*time.Minute - 15*time.Minute); !ts[0].FireAt.Equal(want) {
		t.Errorf("fire at = %v, want %v", ts[0].FireAt, want)
	}
}

func TestModifyRearmsChangedAlarm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{ShowMissed: true}, event("e", now0.Add(time.Hour)))
	old := timers(t, h.svc)
	if len(old) != 1 {
		t.Fatalf("armed = %v", timerHashes(old))
	}

	cur, err := h.src.Get(ctx, "e")
	if err != nil {
		t.Fatal(err)
	}
	earlier := model.Alarm{Action: model.ActionDisplay, Offset: -30 * time.Minute}
	next := cur.Clone()
	next.Alarms = []model.Alarm{earlier}
	if err := h.src.ModifyItem(ctx, next, cur); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Sync(); err != nil {
		t.Fatal(err)
	}

	got := timers(t, h.svc)
	if len(got) != 1 || got[0].Key.AlarmKey != earlier.Key() || got[0].Key == old[0].Key {
		t.Fatalf("armed = %+v, want only %s", got, earlier.Key())
	}
	if want := now0.Add(30 * time.Minute); !got[0].FireAt.Equal(want) {
		t.Errorf("fire at = %v, want %v", got[0].FireAt, want)
	}
	if n := h.clk.Pending(); n != 1 {
		t.Errorf("host timers = %d", n)
	}
}

func TestRederiveIsIdempotent(t *testing.T) {
	daily := event("daily", now0.Add(30*time.Minute))
	daily.RRule = "FREQ=DAILY"
	h := newHarness(t, Options{ShowMissed: true, WindowHours: 72}, daily, event("one", now0.Add(2*time.Hour)))

	first := timers(t, h.svc)
	if len(first) != 4 {
		t.Fatalf("armed = %v", timerHashes(first))
	}

	if err := h.svc.Restart(); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, h.svc)
	if got := timers(t, h.svc); !slices.Equal(got, first) {
		t.Fatalf("after restart = %v, want %v", got, first)
	}

	// A reload of unchanged content re-derives the same schedule.
	h.src.Replace(h.src.Items())
	waitIdle(t, h.svc)
	if got := timers(t, h.svc); !slices.Equal(got, first) {
		t.Fatalf("after reload = %v, want %v", got, first)
	}
}

func TestMissedAlarmRespectsSetting(t *testing.T) {
	for _, show := range []bool{true, false} {
		h := newHarness(t, Options{ShowMissed: show}, event("m", now0.Add(10*time.Minute)))
		got := h.rec.firedList()
		if show && !slices.Equal(got, []string{"m"}) {
			t.Errorf("show missed: fired = %v", got)
		}
		if !show && len(got) != 0 {
			t.Errorf("hide missed: fired = %v", got)
		}
		if n := h.svc.TimerCount(); n != 0 {
			t.Errorf("timer count = %d", n)
		}
	}
}

func TestSnoozeThenDismissOccurrence(t *testing.T) {
	ctx := context.Background()
	series := event("r", now0.Add(10*time.Minute))
	series.RRule = "FREQ=DAILY;COUNT=3"
	h := newHarness(t, Options{ShowMissed: true}, series)

	const occ = "r#20250310T121000Z"
	if got := h.rec.firedList(); !slices.Equal(got, []string{occ}) {
		t.Fatalf("fired = %v, want [%s]", got, occ)
	}

	parent, err := h.src.Get(ctx, "r")
	if err != nil {
		t.Fatal(err)
	}
	occs := h.svc.opts.Expander.Occurrences(parent, now0, now0.Add(time.Hour))
	if len(occs) != 1 || occs[0].HashID() != occ {
		t.Fatalf("occurrences = %v", occs)
	}

	if err := h.svc.Snooze(ctx, occs[0], 10*time.Minute); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	if err := h.svc.Sync(); err != nil {
		t.Fatal(err)
	}
	ts := timers(t, h.svc)
	if len(ts) != 1 || ts[0].Key.ItemHash != occ || !ts[0].FireAt.Equal(now0.Add(10*time.Minute)) {
		t.Fatalf("after snooze = %+v", ts)
	}
	stored, _ := h.src.Get(ctx, "r")
	if stored.AlarmLastAck == nil || !stored.AlarmLastAck.Equal(now0) {
		t.Errorf("last ack = %v, want %v", stored.AlarmLastAck, now0)
	}

	h.clk.Advance(10 * time.Minute)
	if err := h.svc.Sync(); err != nil {
		t.Fatal(err)
	}
	if got := h.rec.firedList(); len(got) != 2 || got[1] != occ {
		t.Fatalf("fired after snooze = %v", got)
	}

	if err := h.svc.Dismiss(ctx, occs[0]); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if err := h.svc.Sync(); err != nil {
		t.Fatal(err)
	}
	stored, _ = h.src.Get(ctx, "r")
	if _, ok := stored.Snoozes["20250310T121000Z"]; ok {
		t.Errorf("snooze marker kept: %v", stored.Snoozes)
	}
	if want := now0.Add(10 * time.Minute); stored.AlarmLastAck == nil || !stored.AlarmLastAck.Equal(want) {
		t.Errorf("last ack = %v, want %v", stored.AlarmLastAck, want)
	}

	// A full re-derive treats the dismissed occurrence as acknowledged.
	if err := h.svc.Restart(); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, h.svc)
	if got := h.rec.firedList(); len(got) != 2 {
		t.Errorf("fired after dismiss = %v", got)
	}
	if n := h.svc.TimerCount(); n != 0 {
		t.Errorf("timer count = %d", n)
	}
}

func TestSnoozeErrorsLeaveScheduleAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{ShowMissed: true}, event("e", now0.Add(time.Hour)))
	before := timers(t, h.svc)

	stray := event("e", now0)
	stray.SourceID = "nope"
	if err := h.svc.Snooze(ctx, stray, time.Minute); !errors.Is(err, ErrNoSource) {
		t.Errorf("unknown source: %v", err)
	}

	missing := event("missing", now0)
	missing.SourceID = "cal"
	if err := h.svc.Dismiss(ctx, missing); !errors.Is(err, calendar.ErrNotFound) {
		t.Errorf("unknown item: %v", err)
	}

	ro := calendar.NewMemorySource("ro", "Read only", calendar.WithReadOnly())
	ro.Replace([]*model.Item{event("x", now0.Add(time.Hour))})
	if err := h.mgr.Register(ro); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, h.svc)
	x, _ := ro.Get(ctx, "x")
	if err := h.svc.Snooze(ctx, x, 0); !errors.Is(err, calendar.ErrReadOnly) {
		t.Errorf("read-only: %v", err)
	}
	waitIdle(t, h.svc)

	got := timers(t, h.svc)
	if len(got) != len(before)+1 {
		t.Errorf("timers = %v", timerHashes(got))
	}
}

// racingSource lets another writer change an item right after Get handed
// out its snapshot.
type racingSource struct {
	*calendar.MemorySource
	once    sync.Once
	raceErr error
}

func (r *racingSource) Get(ctx context.Context, uid string) (*model.Item, error) {
	snap, err := r.MemorySource.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	r.once.Do(func() {
		other := snap.Clone()
		other.Summary = "edited elsewhere"
		r.raceErr = r.MemorySource.ModifyItem(ctx, other, snap)
	})
	return snap, nil
}

func TestSnoozeConflictKeepsOtherWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{ShowMissed: true})
	race := &racingSource{MemorySource: calendar.NewMemorySource("race", "Race", calendar.WithLocation(time.UTC))}
	race.Replace([]*model.Item{event("e", now0.Add(time.Hour))})
	if err := h.mgr.Register(race); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, h.svc)

	e, _ := race.MemorySource.Get(ctx, "e")
	if err := h.svc.Snooze(ctx, e, 10*time.Minute); !errors.Is(err, calendar.ErrConflict) {
		t.Fatalf("snooze err = %v", err)
	}
	if race.raceErr != nil {
		t.Fatalf("concurrent write: %v", race.raceErr)
	}
	cur, _ := race.MemorySource.Get(ctx, "e")
	if cur.Summary != "edited elsewhere" || cur.AlarmLastAck != nil || cur.Snoozes != nil {
		t.Fatalf("stored = %q ack=%v snoozes=%v", cur.Summary, cur.AlarmLastAck, cur.Snoozes)
	}

	// A retry reads the current item and goes through.
	if err := h.svc.Snooze(ctx, e, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	cur, _ = race.MemorySource.Get(ctx, "e")
	if cur.Summary != "edited elsewhere" || cur.AlarmLastAck == nil {
		t.Errorf("after retry = %q ack=%v", cur.Summary, cur.AlarmLastAck)
	}
	if _, ok := cur.SnoozeTime(); !ok {
		t.Error("snooze marker missing after retry")
	}
}

func TestSuppressAndDisable(t *testing.T) {
	clk := clock.NewFake(now0)
	mgr := calendar.NewManager()
	src := calendar.NewMemorySource("cal", "Calendar", calendar.WithSuppressAlarms(true))
	src.Replace([]*model.Item{event("e", now0.Add(time.Hour))})
	if err := mgr.Register(src); err != nil {
		t.Fatal(err)
	}
	svc := New(mgr, Options{Clock: clk, Location: time.UTC, RefreshSpec: "-"})
	rec := &recorder{}
	svc.AddListener(rec)
	t.Cleanup(func() { _ = svc.Close() })
	if err := svc.Startup(); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, svc)

	if n := svc.TimerCount(); n != 0 {
		t.Fatalf("suppressed: timer count = %d", n)
	}
	if got := rec.loadedList(); !slices.Equal(got, []string{"cal"}) {
		t.Fatalf("suppressed source not reported loaded: %v", got)
	}

	src.DeleteProperty(calendar.PropSuppressAlarms)
	waitIdle(t, svc)
	if n := svc.TimerCount(); n != 1 {
		t.Fatalf("after unsuppress: timer count = %d", n)
	}

	src.SetProperty(calendar.PropDisabled, true)
	waitIdle(t, svc)
	if n := svc.TimerCount(); n != 0 {
		t.Fatalf("disabled: timer count = %d", n)
	}
	if got := rec.removedCalList(); len(got) != 2 {
		t.Errorf("calendar removals = %v", got)
	}
}

func TestFireGuardDropsCancelledItems(t *testing.T) {
	it := event("c", now0.Add(time.Hour))
	it.Status = model.StatusCancelled
	h := newHarness(t, Options{ShowMissed: true}, it)

	if n := h.svc.TimerCount(); n != 1 {
		t.Fatalf("timer count = %d", n)
	}
	h.clk.Advance(time.Hour)
	if err := h.svc.Sync(); err != nil {
		t.Fatal(err)
	}
	if got := h.rec.firedList(); len(got) != 0 {
		t.Errorf("cancelled item fired: %v", got)
	}
}

func TestSourceRegistrationLifecycle(t *testing.T) {
	h := newHarness(t, Options{ShowMissed: true}, event("a", now0.Add(time.Hour)))

	other := calendar.NewMemorySource("other", "Other")
	other.Replace([]*model.Item{event("b", now0.Add(2*time.Hour))})
	if err := h.mgr.Register(other); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, h.svc)
	if n := h.svc.TimerCount(); n != 2 {
		t.Fatalf("after register: timer count = %d", n)
	}

	// New items of an observed source are picked up incrementally.
	if err := other.AddItem(context.Background(), event("c", now0.Add(3*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Sync(); err != nil {
		t.Fatal(err)
	}
	if n := h.svc.TimerCount(); n != 3 {
		t.Fatalf("after add: timer count = %d", n)
	}

	if err := h.mgr.Unregister("other"); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Sync(); err != nil {
		t.Fatal(err)
	}
	st, err := h.svc.Status()
	if err != nil {
		t.Fatal(err)
	}
	if got := timerHashes(st.Timers); !slices.Equal(got, []string{"a"}) {
		t.Errorf("after unregister: armed = %v", got)
	}
	if _, ok := st.Loaded["other"]; ok {
		t.Error("loaded state kept for unregistered source")
	}
	if got := h.rec.removedCalList(); !slices.Contains(got, "other") {
		t.Errorf("calendar removals = %v", got)
	}

	// Deleting an item disarms it.
	a, err := h.src.Get(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.src.DeleteItem(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Sync(); err != nil {
		t.Fatal(err)
	}
	if n := h.svc.TimerCount(); n != 0 {
		t.Errorf("after delete: timer count = %d", n)
	}
}

// manualSource answers queries only when the test says so.
type manualSource struct {
	*calendar.MemorySource
	mu      sync.Mutex
	queries []manualQuery
}

type manualQuery struct {
	ctx context.Context
	l   calendar.Listener
}

func (m *manualSource) Query(ctx context.Context, _ calendar.Filter, _, _ time.Time, l calendar.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, manualQuery{ctx: ctx, l: l})
}

func (m *manualSource) query(t *testing.T, i int) manualQuery {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.queries) {
		t.Fatalf("query %d not issued (%d)", i, len(m.queries))
	}
	return m.queries[i]
}

func (m *manualSource) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

func manualItem(uid string) *model.Item {
	it := event(uid, now0.Add(time.Hour))
	it.SourceID = "manual"
	return it
}

func TestQuerySupersededAndFailed(t *testing.T) {
	clk := clock.NewFake(now0)
	mgr := calendar.NewManager()
	src := &manualSource{MemorySource: calendar.NewMemorySource("manual", "Manual")}
	if err := mgr.Register(src); err != nil {
		t.Fatal(err)
	}
	svc := New(mgr, Options{Clock: clk, Location: time.UTC, RefreshSpec: "-"})
	rec := &recorder{}
	svc.AddListener(rec)
	t.Cleanup(func() { _ = svc.Close() })

	if err := svc.Startup(); err != nil {
		t.Fatal(err)
	}
	if !svc.IsLoading() {
		t.Fatal("not loading after startup")
	}
	first := src.query(t, 0)

	if err := svc.Refresh(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Sync(); err != nil {
		t.Fatal(err)
	}
	second := src.query(t, 1)
	if first.ctx.Err() == nil {
		t.Error("superseded query not canceled")
	}

	first.l.OnBatch(src, []*model.Item{manualItem("stale")})
	first.l.OnComplete(src, context.Canceled)
	if err := svc.Sync(); err != nil {
		t.Fatal(err)
	}
	if n := svc.TimerCount(); n != 0 {
		t.Fatalf("stale batch armed %d timers", n)
	}
	if !svc.IsLoading() {
		t.Fatal("stale completion marked the source loaded")
	}

	second.l.OnBatch(src, []*model.Item{manualItem("x"), manualItem("y")})
	second.l.OnComplete(src, errors.New("backend down"))
	waitIdle(t, svc)

	if n := svc.TimerCount(); n != 2 {
		t.Errorf("timer count = %d", n)
	}
	if got := rec.loadedList(); !slices.Equal(got, []string{"manual"}) {
		t.Errorf("loaded = %v", got)
	}
}

func TestReloadWaitsForFirstQuery(t *testing.T) {
	mgr := calendar.NewManager()
	src := &manualSource{MemorySource: calendar.NewMemorySource("manual", "Manual")}
	if err := mgr.Register(src); err != nil {
		t.Fatal(err)
	}
	svc := New(mgr, Options{Clock: clock.NewFake(now0), Location: time.UTC, RefreshSpec: "-"})
	rec := &recorder{}
	svc.AddListener(rec)
	t.Cleanup(func() { _ = svc.Close() })
	if err := svc.Startup(); err != nil {
		t.Fatal(err)
	}

	// The first query is still running, so it covers this reload.
	src.Replace([]*model.Item{manualItem("a")})
	if err := svc.Sync(); err != nil {
		t.Fatal(err)
	}
	if n := src.count(); n != 1 {
		t.Fatalf("queries after early reload = %d, want 1", n)
	}

	first := src.query(t, 0)
	first.l.OnBatch(src, []*model.Item{manualItem("a")})
	first.l.OnComplete(src, nil)
	waitIdle(t, svc)
	if n := svc.TimerCount(); n != 1 {
		t.Fatalf("timer count = %d", n)
	}

	src.Replace([]*model.Item{manualItem("a"), manualItem("b")})
	if err := svc.Sync(); err != nil {
		t.Fatal(err)
	}
	if n := src.count(); n != 2 {
		t.Fatalf("queries after reload = %d, want 2", n)
	}
	if !svc.IsLoading() {
		t.Error("reload did not reset the loaded state")
	}
	if n := svc.TimerCount(); n != 0 {
		t.Errorf("timers kept across reload = %d", n)
	}

	second := src.query(t, 1)
	second.l.OnBatch(src, []*model.Item{manualItem("a"), manualItem("b")})
	second.l.OnComplete(src, nil)
	waitIdle(t, svc)
	if got := timerHashes(timers(t, svc)); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("armed = %v", got)
	}
	if got := rec.loadedList(); !slices.Equal(got, []string{"manual", "manual"}) {
		t.Errorf("loaded = %v", got)
	}
	if got := rec.removedCalList(); !slices.Equal(got, []string{"manual"}) {
		t.Errorf("calendar removals = %v", got)
	}
}

func TestClosedServiceRejectsCalls(t *testing.T) {
	svc := New(calendar.NewManager(), Options{Clock: clock.NewFake(now0), RefreshSpec: "-"})
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := svc.Startup(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Startup after close: %v", err)
	}
	if err := svc.Refresh(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Refresh after close: %v", err)
	}
}

func TestInvalidRefreshSpec(t *testing.T) {
	mgr := calendar.NewManager()
	src := calendar.NewMemorySource("cal", "Calendar", calendar.WithLocation(time.UTC))
	src.Replace([]*model.Item{event("e", now0.Add(time.Hour))})
	if err := mgr.Register(src); err != nil {
		t.Fatal(err)
	}
	svc := New(mgr, Options{Clock: clock.NewFake(now0), Location: time.UTC, RefreshSpec: "every now and then"})
	t.Cleanup(func() { _ = svc.Close() })
	if err := svc.Startup(); err == nil {
		t.Fatal("expected error for bad refresh schedule")
	}

	st, err := svc.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st.Started || len(st.Loaded) != 0 || len(st.Timers) != 0 || !st.Window.End.IsZero() {
		t.Errorf("state after failed startup = %+v", st)
	}

	// Source changes are not tracked by a service that never started.
	if err := src.AddItem(context.Background(), event("f", now0.Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := svc.Sync(); err != nil {
		t.Fatal(err)
	}
	if n := svc.TimerCount(); n != 0 {
		t.Errorf("timer count = %d", n)
	}
}

func TestTimerRegistryReplacesAndDisarms(t *testing.T) {
	clk := clock.NewFake(now0)
	l := newLoop()
	defer l.stop()

	var (
		mu    sync.Mutex
		fired []string
	)
	mark := func(s string) func() {
		return func() {
			mu.Lock()
			fired = append(fired, s)
			mu.Unlock()
		}
	}
	var size int
	r := newTimerRegistry(clk, l.post, func(n int) { size = n })
	k1 := TimerKey{SourceID: "s", ItemHash: "a", AlarmKey: "k"}
	k2 := TimerKey{SourceID: "s", ItemHash: "b", AlarmKey: "k"}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(l.call(func() {
		r.arm(k1, time.Minute, mark("first"))
		r.arm(k1, 2*time.Minute, mark("second"))
		r.arm(k2, time.Minute, mark("other"))
	}))
	must(l.call(func() {
		if r.len() != 2 || size != 2 {
			t.Errorf("len = %d, size = %d", r.len(), size)
		}
		if !r.disarm(k2) || r.disarm(k2) {
			t.Error("disarm should succeed once")
		}
	}))

	clk.Advance(5 * time.Minute)
	must(l.call(func() {}))

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(fired, []string{"second"}) {
		t.Errorf("fired = %v, want [second]", fired)
	}
	if size != 0 {
		t.Errorf("size = %d", size)
	}
}

func TestResumeDetection(t *testing.T) {
	if !resumed(10*time.Minute, time.Minute, 2*time.Minute) {
		t.Error("ten minute wall jump not detected")
	}
	if resumed(61*time.Second, time.Minute, 2*time.Minute) {
		t.Error("jitter reported as resume")
	}
}
