// Package fanin aggregates several asynchronous sub-operations into a single
// completion. It is shared by the alarm engine (one query per source, one
// work unit per result batch) and the composite calendar (one sub-query per
// member calendar).
package fanin

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled is reported when a Join is canceled before it settles.
var ErrCanceled = errors.New("fanin: canceled")

// Join counts outstanding units of work and waits for a closing signal from
// the producer. It settles exactly once: when it has been closed and every
// added unit is done, or when it is canceled.
//
// A producer that delivers nothing simply calls Close; the Join then settles
// immediately with no units ever added.
type Join struct {
	mu      sync.Mutex
	pending int
	closed  bool
	settled bool
	errs    []error
	err     error
	done    chan struct{}
	onDone  func(error)
}

// New returns a Join that calls onDone once it settles. onDone runs on the
// goroutine that makes the final Done, Close or Cancel call. It may be nil.
func New(onDone func(error)) *Join {
	return &Join{done: make(chan struct{}), onDone: onDone}
}

// Add registers n more outstanding units. It reports false once the Join has
// settled; callers should then drop the work.
func (j *Join) Add(n int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.settled {
		return false
	}
	j.pending += n
	return true
}

// Done marks one unit finished. A non-nil err is recorded and reported at
// settlement but does not stop other units.
func (j *Join) Done(err error) {
	j.mu.Lock()
	if j.settled {
		j.mu.Unlock()
		return
	}
	if err != nil {
		j.errs = append(j.errs, err)
	}
	if j.pending > 0 {
		j.pending--
	}
	j.settleLocked()
}

// Close is the producer's completion signal. Only the first call counts.
func (j *Join) Close(err error) {
	j.mu.Lock()
	if j.settled || j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	if err != nil {
		j.errs = append(j.errs, err)
	}
	j.settleLocked()
}

// Cancel settles the Join with ErrCanceled. Outstanding units are abandoned.
func (j *Join) Cancel() {
	j.mu.Lock()
	if j.settled {
		j.mu.Unlock()
		return
	}
	j.finishLocked(ErrCanceled)
}

// Canceled reports whether the Join was settled by Cancel.
func (j *Join) Canceled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.settled && errors.Is(j.err, ErrCanceled)
}

// Settled is closed once the Join settles.
func (j *Join) Settled() <-chan struct{} {
	return j.done
}

// Err returns the settlement error. It is nil until the Join settles.
func (j *Join) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Wait blocks until the Join settles or ctx is done.
func (j *Join) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settleLocked must be called with j.mu held; it releases the lock.
func (j *Join) settleLocked() {
	if !j.closed || j.pending > 0 {
		j.mu.Unlock()
		return
	}
	j.finishLocked(errors.Join(j.errs...))
}

// finishLocked must be called with j.mu held; it releases the lock.
func (j *Join) finishLocked(err error) {
	j.settled = true
	j.err = err
	close(j.done)
	cb := j.onDone
	j.mu.Unlock()

	if cb != nil {
		cb(err)
	}
}
