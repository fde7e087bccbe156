package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"calalarm/internal/alarm"
	"calalarm/internal/calendar"
	"calalarm/internal/config"
	"calalarm/internal/ics"
	appLog "calalarm/internal/log"
	"calalarm/internal/monitor"
	"calalarm/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
}

// sources groups the calendars built from the config by kind, since files
// are watched and subscriptions polled.
type sources struct {
	all    []calendar.Source
	files  []*calendar.FileSource
	remote []*calendar.RemoteSource
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("calalarm starting", "version", "0.1.0")

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("invalid timezone", err)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"refresh", conf.RefreshCron,
		"window_hours", conf.WindowHours,
		"max_snooze_months", conf.MaxSnoozeMonths,
		"show_missed_alarms", conf.ShowMissedAlarms,
		"calendar_count", len(conf.Calendars),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, loc, flags.once); err != nil {
		appLog.Error("calalarm failed", err)
		os.Exit(1)
	}
	appLog.Info("calalarm exiting")
}

func run(ctx context.Context, conf *config.Config, loc *time.Location, once bool) error {
	srcs, err := buildSources(ctx, conf, loc)
	if err != nil {
		return err
	}

	mgr := calendar.NewManager()
	for _, src := range srcs.all {
		if err := mgr.Register(src); err != nil {
			return err
		}
	}

	refresh := conf.RefreshCron
	if once {
		refresh = "-"
	}
	svc := alarm.New(mgr, alarm.Options{
		Location:        loc,
		ShowMissed:      conf.ShowMissedAlarms,
		WindowHours:     conf.WindowHours,
		MaxSnoozeMonths: conf.MaxSnoozeMonths,
		RefreshSpec:     refresh,
		DefaultSnooze:   conf.DefaultSnooze(),
	})
	defer svc.Close()

	mon := monitor.New(svc, monitor.Options{
		MaxPerMinute: conf.MaxAlarmsPerMinute,
		Notify: func(a monitor.Active) {
			appLog.Info("REMINDER",
				"id", a.ID.String(),
				"summary", a.Item.Summary,
				"start", a.Item.Start.In(loc).Format(time.RFC3339),
				"location", a.Item.Location,
			)
		},
	})
	svc.AddListener(mon)

	if err := svc.Startup(); err != nil {
		return fmt.Errorf("start alarm service: %w", err)
	}

	if once {
		return printSchedule(ctx, svc, mon)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range srcs.files {
		g.Go(func() error {
			if err := f.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watch %s: %w", f.ID(), err)
			}
			return nil
		})
	}
	for _, r := range srcs.remote {
		g.Go(func() error {
			r.Poll(gctx, conf.PollInterval())
			return nil
		})
	}
	g.Go(func() error {
		svc.WatchResume(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		return web.NewServer(conf, mgr, svc, mon).ListenAndServe(gctx)
	})
	return g.Wait()
}

// buildSources creates the configured calendars and loads them
// concurrently. A subscription that cannot be fetched starts empty and is
// retried by polling; a local file that cannot be read is fatal.
func buildSources(ctx context.Context, conf *config.Config, loc *time.Location) (*sources, error) {
	fetcher := ics.NewFetcher(conf.CacheDir, &http.Client{Timeout: 30 * time.Second})
	out := &sources{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range conf.Calendars {
		opts := []calendar.MemoryOption{
			calendar.WithLocation(loc),
			calendar.WithBatchSize(c.BatchSize),
			calendar.WithSuppressAlarms(c.SuppressAlarms),
			calendar.WithDisabled(c.Disabled),
		}

		if c.Path != "" {
			f := calendar.NewFileSource(c.ID, c.Name, c.Path, opts...)
			out.files = append(out.files, f)
			out.all = append(out.all, f)
			g.Go(func() error {
				if err := f.Load(); err != nil {
					return fmt.Errorf("calendar %s: %w", c.ID, err)
				}
				return nil
			})
			continue
		}

		r := calendar.NewRemoteSource(c.ID, c.Name, c.URL, fetcher, opts...)
		out.remote = append(out.remote, r)
		out.all = append(out.all, r)
		g.Go(func() error {
			if err := r.Refresh(gctx); err != nil {
				appLog.Error("calendar subscription unavailable", err, "calendar", c.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// printSchedule waits for the first refresh and prints what is armed and
// what is due.
func printSchedule(ctx context.Context, svc *alarm.Service, mon *monitor.Monitor) error {
	for svc.IsLoading() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	st, err := svc.Status()
	if err != nil {
		return err
	}
	fmt.Printf("window %s .. %s\n", st.Window.Start.Format(time.RFC3339), st.Window.End.Format(time.RFC3339))
	for _, t := range st.Timers {
		fmt.Printf("armed  %s  %s/%s  %s\n", t.FireAt.Format(time.RFC3339), t.Key.SourceID, t.Key.ItemHash, t.Key.AlarmKey)
	}
	for _, a := range mon.List() {
		fmt.Printf("due    %s  %s/%s  %s\n", a.FiredAt.Format(time.RFC3339), a.Item.SourceID, a.Item.HashID(), a.Item.Summary)
	}
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calalarm/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh, print the schedule and exit")

	flag.Parse()

	return cfg
}
