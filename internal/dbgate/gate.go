// Package dbgate bounds concurrent access to the SQL database.
//
// Request handlers fan out far wider than the connection pool; without a
// gate, bursts pile up inside database/sql's connection wait queue and
// individual queries time out. The gate caps in-flight SQL work so excess
// requests queue here, where the wait is observable, instead.
package dbgate

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// WaitObserver is notified of time spent waiting for a slot.
type WaitObserver func(wait time.Duration)

// Gate is a counting semaphore wrapped around database access.
type Gate struct {
	sem     *semaphore.Weighted
	observe WaitObserver
}

// New creates a Gate admitting at most limit concurrent holders.
// observer may be nil.
func New(limit int, observer WaitObserver) *Gate {
	if limit <= 0 {
		limit = 1
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(limit)),
		observe: observer,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if g.observe != nil {
		g.observe(time.Since(start))
	}
	return nil
}

// Release frees a slot acquired with Acquire.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Do runs fn while holding a gate slot.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}
