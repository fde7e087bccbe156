package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"calalarm/internal/alarm"
	"calalarm/internal/calendar"
	"calalarm/internal/config"
	appLog "calalarm/internal/log"
	"calalarm/internal/model"
	"calalarm/internal/monitor"
)

// Scheduler is the part of *alarm.Service the API uses.
type Scheduler interface {
	Status() (alarm.Status, error)
	Refresh() error
}

// Reminders is the part of *monitor.Monitor the API uses.
type Reminders interface {
	List() []monitor.Active
	Snooze(ctx context.Context, id uuid.UUID, d time.Duration) error
	Dismiss(ctx context.Context, id uuid.UUID) error
}

// Server provides the HTTP API for the scheduler state, the active
// reminders and the calendar occurrences.
type Server struct {
	cfg       *config.Config
	mgr       *calendar.Manager
	composite *calendar.Composite
	sched     Scheduler
	reminders Reminders
	loc       *time.Location
	mux       *http.ServeMux

	// In-memory cache for /api/occurrences responses; expansion of every
	// calendar is not worth repeating on each request.
	occMu    sync.RWMutex
	occCache map[string]*occurrencesCache
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, mgr *calendar.Manager, sched Scheduler, reminders Reminders) *Server {
	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", cfg.Timezone)
		loc = time.Local
	}
	s := &Server{
		cfg:       cfg,
		mgr:       mgr,
		composite: calendar.NewComposite(mgr),
		sched:     sched,
		reminders: reminders,
		loc:       loc,
		mux:       http.NewServeMux(),
		occCache:  make(map[string]*occurrencesCache),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calalarm", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts the
// server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/alarms", s.handleAlarms)
	s.mux.HandleFunc("POST /api/alarms/{id}/snooze", s.handleSnooze)
	s.mux.HandleFunc("POST /api/alarms/{id}/dismiss", s.handleDismiss)
	s.mux.HandleFunc("GET /api/occurrences", s.handleOccurrences)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Started     bool          `json:"started"`
	Loading     bool          `json:"loading"`
	WindowStart *time.Time    `json:"window_start,omitempty"`
	WindowEnd   *time.Time    `json:"window_end,omitempty"`
	Calendars   []calendarDTO `json:"calendars"`
	Timers      []timerDTO    `json:"timers"`
}

type calendarDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Loaded         bool   `json:"loaded"`
	SuppressAlarms bool   `json:"suppress_alarms"`
	Disabled       bool   `json:"disabled"`
	ReadOnly       bool   `json:"read_only"`
}

type timerDTO struct {
	CalendarID string    `json:"calendar_id"`
	Item       string    `json:"item"`
	Alarm      string    `json:"alarm"`
	FireAt     time.Time `json:"fire_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := s.sched.Status()
	if err != nil {
		appLog.Error("api status: scheduler unavailable", err)
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}

	resp := statusResponse{
		Started:   st.Started,
		Loading:   st.Loading,
		Calendars: []calendarDTO{},
		Timers:    make([]timerDTO, 0, len(st.Timers)),
	}
	if !st.Window.End.IsZero() {
		start, end := st.Window.Start, st.Window.End
		resp.WindowStart, resp.WindowEnd = &start, &end
	}
	for _, src := range s.mgr.Sources() {
		resp.Calendars = append(resp.Calendars, calendarDTO{
			ID:             src.ID(),
			Name:           src.Name(),
			Loaded:         st.Loaded[src.ID()],
			SuppressAlarms: src.Suppressed(),
			Disabled:       src.Disabled(),
			ReadOnly:       src.ReadOnly(),
		})
	}
	for _, t := range st.Timers {
		resp.Timers = append(resp.Timers, timerDTO{
			CalendarID: t.Key.SourceID,
			Item:       t.Key.ItemHash,
			Alarm:      t.Key.AlarmKey,
			FireAt:     t.FireAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	if err := s.sched.Refresh(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	s.occMu.Lock()
	clear(s.occCache)
	s.occMu.Unlock()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

// alarmDTO is a JSON-friendly view of an active reminder.
type alarmDTO struct {
	ID           string    `json:"id"`
	CalendarID   string    `json:"calendar_id"`
	UID          string    `json:"uid"`
	RecurrenceID string    `json:"recurrence_id,omitempty"`
	Summary      string    `json:"summary"`
	Location     string    `json:"location,omitempty"`
	Start        time.Time `json:"start"`
	Alarm        string    `json:"alarm"`
	FiredAt      time.Time `json:"fired_at"`
	Notified     bool      `json:"notified"`
}

func (s *Server) handleAlarms(w http.ResponseWriter, _ *http.Request) {
	list := s.reminders.List()
	out := make([]alarmDTO, 0, len(list))
	for _, a := range list {
		out = append(out, alarmDTO{
			ID:           a.ID.String(),
			CalendarID:   a.Item.SourceID,
			UID:          a.Item.UID,
			RecurrenceID: a.Item.RecurrenceKey(),
			Summary:      a.Item.Summary,
			Location:     a.Item.Location,
			Start:        a.Item.Start.In(s.loc),
			Alarm:        a.Alarm.Key(),
			FiredAt:      a.FiredAt,
			Notified:     a.Notified,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"alarms": out})
}

// handleSnooze snoozes a reminder.
//
// POST /api/alarms/{id}/snooze?minutes=10
//   - minutes: snooze length; the configured default when omitted
func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	id, ok := alarmID(w, r)
	if !ok {
		return
	}
	minutes := parseIntDefault(r.URL.Query().Get("minutes"), 0)
	if minutes < 0 {
		writeError(w, http.StatusBadRequest, "minutes must not be negative")
		return
	}
	err := s.reminders.Snooze(r.Context(), id, time.Duration(minutes)*time.Minute)
	s.writeAckResult(w, "snooze", id, err)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id, ok := alarmID(w, r)
	if !ok {
		return
	}
	err := s.reminders.Dismiss(r.Context(), id)
	s.writeAckResult(w, "dismiss", id, err)
}

func alarmID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alarm id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeAckResult(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, monitor.ErrUnknownAlarm), errors.Is(err, alarm.ErrNoSource), errors.Is(err, calendar.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, calendar.ErrReadOnly), errors.Is(err, calendar.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		appLog.Error("api "+op+" failed", err, "id", id.String())
		writeError(w, http.StatusInternalServerError, "failed to "+op+" alarm")
	}
}

// occurrencesResponse is the JSON response shape for /api/occurrences.
type occurrencesResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
}

type occurrencesCache struct {
	resp      occurrencesResponse
	updatedAt time.Time
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	CalendarID   string    `json:"calendar_id"`
	UID          string    `json:"uid"`
	RecurrenceID string    `json:"recurrence_id,omitempty"`
	Kind         string    `json:"kind"`
	Summary      string    `json:"summary"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	Status       string    `json:"status,omitempty"`
	AllDay       bool      `json:"all_day"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Alarms       int       `json:"alarms"`
}

// handleOccurrences returns the occurrences of every enabled calendar in a
// window around now.
//
// GET /api/occurrences?days=7&backfill=1
//   - days:     days ahead (default 7)
//   - backfill: days back (default 1)
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}

	const occurrencesCacheTTL = 30 * time.Second
	cacheKey := strconv.Itoa(days) + "/" + strconv.Itoa(backfill)
	s.occMu.RLock()
	oc := s.occCache[cacheKey]
	s.occMu.RUnlock()
	if oc != nil && time.Since(oc.updatedAt) < occurrencesCacheTTL {
		writeJSON(w, http.StatusOK, oc.resp)
		return
	}

	now := time.Now().In(s.loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	items, err := s.composite.Collect(r.Context(), calendar.FilterAll|calendar.FilterOccurrences, rangeStart, rangeEnd, s.loc)
	if err != nil {
		// Partial results are still useful; the failing calendars are logged.
		appLog.Error("api occurrences: one or more calendars failed", err)
	}

	dtos := make([]occurrenceDTO, 0, len(items))
	for _, it := range items {
		dtos = append(dtos, toOccurrenceDTO(it, s.loc))
	}
	resp := occurrencesResponse{
		Occurrences:     dtos,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: s.loc.String(),
	}

	if err == nil {
		s.occMu.Lock()
		s.occCache[cacheKey] = &occurrencesCache{resp: resp, updatedAt: time.Now()}
		s.occMu.Unlock()
	}
	writeJSON(w, http.StatusOK, resp)
}

func toOccurrenceDTO(it *model.Item, loc *time.Location) occurrenceDTO {
	return occurrenceDTO{
		CalendarID:   it.SourceID,
		UID:          it.UID,
		RecurrenceID: it.RecurrenceKey(),
		Kind:         it.Kind.String(),
		Summary:      it.Summary,
		Description:  it.Description,
		Location:     it.Location,
		Status:       it.Status,
		AllDay:       it.Start.IsDate,
		Start:        it.Start.In(loc),
		End:          it.End.In(loc),
		Alarms:       len(it.Alarms),
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
