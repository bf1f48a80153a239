package accounting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"
)

// fakeSubmitter records every batch it receives and answers via fn.
// When gate is non-nil, each call blocks until the gate is signalled.
type fakeSubmitter struct {
	mu      sync.Mutex
	batches [][]types.Transfer
	fn      func(batch []types.Transfer) ([]types.TransferEventResult, error)
	gate    chan struct{}
}

func (f *fakeSubmitter) CreateTransfers(transfers []types.Transfer) ([]types.TransferEventResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.batches = append(f.batches, append([]types.Transfer(nil), transfers...))
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(transfers)
	}
	return nil, nil
}

func (f *fakeSubmitter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func makeTransfers(n int) []types.Transfer {
	out := make([]types.Transfer, n)
	for i := range out {
		out[i] = types.Transfer{ID: types.ID(), Amount: types.ToUint128(1)}
	}
	return out
}

func TestLiveBatcher_EmptySubmit(t *testing.T) {
	b := NewLiveBatcher(&fakeSubmitter{}, nil)
	errs, err := b.Submit(context.Background(), nil)
	if err != nil || len(errs) != 0 {
		t.Fatalf("expected no results for empty submit, got %v, %v", errs, err)
	}
}

func TestLiveBatcher_SingleSubmission(t *testing.T) {
	fake := &fakeSubmitter{}
	b := NewLiveBatcher(fake, nil)

	errs, err := b.Submit(context.Background(), makeTransfers(3))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("expected no failures, got %v", errs)
	}
	if got := fake.batchCount(); got != 1 {
		t.Fatalf("expected 1 batch, got %d", got)
	}
}

func TestLiveBatcher_MapsFailuresToLocalIndexes(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeSubmitter{gate: gate}
	fake.fn = func(batch []types.Transfer) ([]types.TransferEventResult, error) {
		// Fail the last transfer of the batch, whatever it is.
		return []types.TransferEventResult{
			{Index: uint32(len(batch) - 1), Result: types.TransferExceedsCredits},
		}, nil
	}
	b := NewLiveBatcher(fake, nil)

	// First submission occupies the worker so the next two coalesce.
	var wg sync.WaitGroup
	wg.Add(3)
	var errs1, errs2, errs3 []types.TransferEventResult
	go func() { defer wg.Done(); errs1, _ = b.Submit(context.Background(), makeTransfers(1)) }()

	time.Sleep(10 * time.Millisecond)
	go func() { defer wg.Done(); errs2, _ = b.Submit(context.Background(), makeTransfers(2)) }()
	go func() { defer wg.Done(); errs3, _ = b.Submit(context.Background(), makeTransfers(2)) }()

	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := fake.batchCount(); got != 2 {
		t.Fatalf("expected 2 batches (1 + coalesced 4), got %d", got)
	}

	// First batch had a single transfer; its failure maps to local index 0.
	if len(errs1) != 1 || errs1[0].Index != 0 {
		t.Errorf("first submission: expected failure at local index 0, got %v", errs1)
	}

	// The coalesced batch of 4 fails its last transfer, which belongs to
	// whichever submission landed second; that submission sees local
	// index 1, the other sees no failure.
	total := len(errs2) + len(errs3)
	if total != 1 {
		t.Fatalf("expected exactly 1 failure across coalesced submissions, got %d", total)
	}
	failed := errs2
	if len(errs3) == 1 {
		failed = errs3
	}
	if failed[0].Index != 1 {
		t.Errorf("expected failure at local index 1, got %d", failed[0].Index)
	}
}

func TestLiveBatcher_CoalescesWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeSubmitter{gate: gate}
	b := NewLiveBatcher(fake, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); b.Submit(context.Background(), makeTransfers(1)) }()
	time.Sleep(10 * time.Millisecond)

	// Queue up while the first batch is blocked in flight.
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); b.Submit(context.Background(), makeTransfers(2)) }()
	}
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := fake.batchCount(); got != 2 {
		t.Fatalf("expected 2 batches, got %d", got)
	}
	fake.mu.Lock()
	second := len(fake.batches[1])
	fake.mu.Unlock()
	if second != 10 {
		t.Errorf("expected coalesced batch of 10, got %d", second)
	}
}

func TestLiveBatcher_SplitsOversizeSubmission(t *testing.T) {
	fake := &fakeSubmitter{}
	b := NewLiveBatcher(fake, nil)
	b.maxBatch = 4

	errs, err := b.Submit(context.Background(), makeTransfers(10))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("expected no failures, got %v", errs)
	}
	if got := fake.batchCount(); got != 3 {
		t.Fatalf("expected 3 batches of <=4, got %d", got)
	}
}

func TestLiveBatcher_WholesaleErrorFailsSubmission(t *testing.T) {
	want := errors.New("cluster unreachable")
	fake := &fakeSubmitter{fn: func(batch []types.Transfer) ([]types.TransferEventResult, error) {
		return nil, want
	}}
	b := NewLiveBatcher(fake, nil)

	_, err := b.Submit(context.Background(), makeTransfers(2))
	if !errors.Is(err, want) {
		t.Fatalf("expected wholesale error, got %v", err)
	}

	// The worker must keep serving later submissions.
	fake.fn = nil
	errs, err := b.Submit(context.Background(), makeTransfers(1))
	if err != nil || len(errs) != 0 {
		t.Fatalf("batcher did not recover: %v, %v", errs, err)
	}
}

func TestLiveBatcher_ContextCancellation(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeSubmitter{gate: gate}
	b := NewLiveBatcher(fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Submit(ctx, makeTransfers(1))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(gate)

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestLiveBatcher_ObserverSeesBatchSizes(t *testing.T) {
	var (
		mu    sync.Mutex
		sizes []int
	)
	fake := &fakeSubmitter{}
	b := NewLiveBatcher(fake, func(size int, err error) {
		mu.Lock()
		sizes = append(sizes, size)
		mu.Unlock()
	})

	if _, err := b.Submit(context.Background(), makeTransfers(3)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 1 || sizes[0] != 3 {
		t.Errorf("expected observer to see [3], got %v", sizes)
	}
}
