package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"calalarm/internal/ics"
	appLog "calalarm/internal/log"
)

// RemoteSource is a read-only calendar subscribed over HTTP. Its content is
// replaced on each Refresh that sees a changed payload.
type RemoteSource struct {
	*MemorySource

	fetcher *ics.Fetcher
	feed    ics.Feed

	mu     sync.Mutex
	loaded bool
}

func NewRemoteSource(id, name, url string, fetcher *ics.Fetcher, opts ...MemoryOption) *RemoteSource {
	opts = append(opts, WithReadOnly())
	r := &RemoteSource{
		MemorySource: NewMemorySource(id, name, opts...),
		fetcher:      fetcher,
		feed:         ics.Feed{ID: id, URL: url},
	}
	r.self = r
	return r
}

// Refresh fetches the feed and reloads when the payload changed or nothing
// was loaded yet.
func (r *RemoteSource) Refresh(ctx context.Context) error {
	res, err := r.fetcher.Fetch(ctx, r.feed)
	if err != nil {
		return err
	}

	r.mu.Lock()
	skip := r.loaded && !res.Changed
	r.mu.Unlock()
	if skip {
		return nil
	}

	items, err := ics.Parse(r.id, res.Body, r.loc)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", r.id, err)
	}

	r.mu.Lock()
	r.loaded = true
	r.mu.Unlock()
	r.Replace(items)
	return nil
}

// Poll refreshes every interval until ctx is done.
func (r *RemoteSource) Poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Refresh(ctx); err != nil {
				appLog.Error("calendar remote refresh failed", err, "calendar", r.id)
			}
		}
	}
}
