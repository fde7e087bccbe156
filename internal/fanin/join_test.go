package fanin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestJoinSettlesAfterCloseAndUnits(t *testing.T) {
	calls := 0
	j := New(func(err error) {
		calls++
		if err != nil {
			t.Errorf("unexpected err: %v", err)
		}
	})

	j.Add(2)
	j.Done(nil)
	j.Close(nil)
	if calls != 0 {
		t.Fatal("settled with a unit still pending")
	}
	j.Done(nil)
	if calls != 1 {
		t.Fatalf("onDone calls = %d, want 1", calls)
	}

	// Late signals are ignored.
	j.Done(nil)
	j.Close(nil)
	if calls != 1 {
		t.Fatalf("onDone calls after settle = %d", calls)
	}
}

func TestJoinEmptyProducer(t *testing.T) {
	j := New(nil)
	j.Close(nil)
	select {
	case <-j.Settled():
	default:
		t.Fatal("a producer with no batches must settle on Close")
	}
}

func TestJoinUnitsMayFinishBeforeClose(t *testing.T) {
	j := New(nil)
	j.Add(1)
	j.Done(nil)
	select {
	case <-j.Settled():
		t.Fatal("settled before Close")
	default:
	}
	j.Close(nil)
	if err := j.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestJoinCollectsErrors(t *testing.T) {
	e1 := errors.New("item failed")
	e2 := errors.New("query failed")
	var got error
	j := New(func(err error) { got = err })
	j.Add(2)
	j.Done(e1)
	j.Done(nil)
	j.Close(e2)

	if !errors.Is(got, e1) || !errors.Is(got, e2) {
		t.Fatalf("settlement error = %v, want both", got)
	}
}

func TestJoinCancel(t *testing.T) {
	var got error
	j := New(func(err error) { got = err })
	j.Add(1)
	j.Cancel()

	if !errors.Is(got, ErrCanceled) || !j.Canceled() {
		t.Fatalf("got %v, canceled=%v", got, j.Canceled())
	}
	if j.Add(1) {
		t.Error("Add after cancel should report false")
	}
}

func TestJoinConcurrentUnits(t *testing.T) {
	j := New(nil)
	const n = 50
	j.Add(n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Done(nil)
		}()
	}
	j.Close(nil)
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := j.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
