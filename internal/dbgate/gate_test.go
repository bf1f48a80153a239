package dbgate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGate_LimitsConcurrency(t *testing.T) {
	const limit = 3
	g := New(limit, nil)

	var (
		inFlight int64
		peak     int64
		wg       sync.WaitGroup
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > limit {
		t.Errorf("peak concurrency %d exceeds limit %d", got, limit)
	}
}

func TestGate_ContextCancellation(t *testing.T) {
	g := New(1, nil)

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := g.Do(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestGate_PropagatesError(t *testing.T) {
	g := New(1, nil)

	want := errors.New("boom")
	err := g.Do(context.Background(), func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}

	// Slot must be released after an error.
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
	g.Release()
}

func TestGate_ObserverCalled(t *testing.T) {
	var calls int64
	g := New(2, func(wait time.Duration) { atomic.AddInt64(&calls, 1) })

	if err := g.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected 1 observer call, got %d", calls)
	}
}
