package accounting

import (
	"context"
	"sync"
	"time"

	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

// MaxBatchSize is the largest transfer batch the cluster accepts per call.
const MaxBatchSize = 8190

// TransferSubmitter sends a transfer batch to the ledger cluster and returns
// per-index results for the transfers that failed. Successful transfers
// produce no result entry.
type TransferSubmitter interface {
	CreateTransfers(transfers []types.Transfer) ([]types.TransferEventResult, error)
}

// BatchObserver is notified after each network round trip.
type BatchObserver func(size int, err error)

type submission struct {
	transfers []types.Transfer
	processed int
	errs      []types.TransferEventResult
	failed    error
	done      chan struct{}
}

// LiveBatcher coalesces concurrent transfer submissions into unified network
// batches. A single worker drains the queue: while one batch is in flight,
// new submissions pile up, and each batch completion immediately triggers
// the next. Under load this packs thousands of transfers per round trip
// without any flush timer.
type LiveBatcher struct {
	client   TransferSubmitter
	maxBatch int
	observe  BatchObserver

	mu            sync.Mutex
	submissions   []*submission
	workerRunning bool
}

// NewLiveBatcher creates a batcher on top of client. observer may be nil.
func NewLiveBatcher(client TransferSubmitter, observer BatchObserver) *LiveBatcher {
	return &LiveBatcher{
		client:   client,
		maxBatch: MaxBatchSize,
		observe:  observer,
	}
}

// Submit queues transfers and blocks until their batch round trip completes
// or ctx is done. The returned slice holds one entry per failed transfer,
// with indexes local to the submitted slice.
func (b *LiveBatcher) Submit(ctx context.Context, transfers []types.Transfer) ([]types.TransferEventResult, error) {
	if len(transfers) == 0 {
		return nil, nil
	}

	sub := &submission{
		transfers: append([]types.Transfer(nil), transfers...),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.submissions = append(b.submissions, sub)
	if !b.workerRunning {
		b.workerRunning = true
		go b.processBatches()
	}
	b.mu.Unlock()

	select {
	case <-sub.done:
		return sub.errs, sub.failed
	case <-ctx.Done():
		// The worker still delivers the batch; only the caller gives up.
		return nil, ctx.Err()
	}
}

// processBatches runs until the queue is empty, packing as many queued
// transfers as fit into each network call.
func (b *LiveBatcher) processBatches() {
	for {
		b.mu.Lock()
		if len(b.submissions) == 0 {
			b.workerRunning = false
			b.mu.Unlock()
			return
		}

		// (submission index, submission-local start, batch start, count)
		type mapping struct {
			subIndex   int
			subStart   int
			batchStart int
			count      int
		}

		batch := make([]types.Transfer, 0, b.maxBatch)
		var mappings []mapping

		for i := 0; i < len(b.submissions) && len(batch) < b.maxBatch; i++ {
			sub := b.submissions[i]
			remaining := len(sub.transfers) - sub.processed
			if remaining == 0 {
				continue
			}
			take := remaining
			if room := b.maxBatch - len(batch); take > room {
				take = room
			}
			mappings = append(mappings, mapping{
				subIndex:   i,
				subStart:   sub.processed,
				batchStart: len(batch),
				count:      take,
			})
			batch = append(batch, sub.transfers[sub.processed:sub.processed+take]...)
			sub.processed += take
		}
		b.mu.Unlock()

		if len(batch) == 0 {
			b.mu.Lock()
			b.workerRunning = false
			b.mu.Unlock()
			return
		}

		results, err := b.client.CreateTransfers(batch)
		if b.observe != nil {
			b.observe(len(batch), err)
		}

		// Reconstruct the full result vector: nil entry means success.
		fullResults := make([]*types.TransferEventResult, len(batch))
		if err == nil {
			for i := range results {
				r := results[i]
				fullResults[r.Index] = &r
			}
		}

		b.mu.Lock()
		for _, m := range mappings {
			sub := b.submissions[m.subIndex]
			if err != nil {
				sub.failed = err
				continue
			}
			for j := 0; j < m.count; j++ {
				if r := fullResults[m.batchStart+j]; r != nil {
					sub.errs = append(sub.errs, types.TransferEventResult{
						Index:  uint32(m.subStart + j),
						Result: r.Result,
					})
				}
			}
		}

		// Resolve completed submissions.
		remaining := b.submissions[:0]
		for _, sub := range b.submissions {
			if sub.processed == len(sub.transfers) {
				close(sub.done)
			} else {
				remaining = append(remaining, sub)
			}
		}
		b.submissions = remaining
		b.mu.Unlock()
	}
}

// Flush blocks until all queued transfers have been delivered or ctx is
// done. Used during shutdown.
func (b *LiveBatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		idle := len(b.submissions) == 0 && !b.workerRunning
		b.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
