package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"till/internal/connectivity"
	"till/internal/journal"
	"till/internal/metrics"
	"till/internal/model"
	"till/internal/remote"
	"till/internal/store"
)

// scriptedInvoicer fails specific submissions by idempotency key and records
// the order everything arrived in.
type scriptedInvoicer struct {
	mu       sync.Mutex
	failWith map[string]error
	got      []string
	nextID   int64

	started   chan struct{} // when set, closed as soon as the first call begins
	startOnce sync.Once
	gate      chan struct{} // when set, every call blocks until the gate closes
}

func (s *scriptedInvoicer) CreateInvoice(ctx context.Context, _ []model.TransactionItem, idemKey string) (remote.CreatedInvoice, error) {
	if s.started != nil {
		s.startOnce.Do(func() { close(s.started) })
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return remote.CreatedInvoice{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, idemKey)
	if err := s.failWith[idemKey]; err != nil {
		return remote.CreatedInvoice{}, err
	}
	s.nextID++
	return remote.CreatedInvoice{ID: s.nextID}, nil
}

func (s *scriptedInvoicer) keyCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func (s *scriptedInvoicer) failNothing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = nil
}

func queueN(t *testing.T, db store.Store, n int) []model.PendingTransaction {
	t.Helper()
	txns := make([]model.PendingTransaction, 0, n)
	for i := 0; i < n; i++ {
		txn, err := db.AppendTransaction(context.Background(), []model.TransactionItem{
			{ProductID: int64(i + 1), Quantity: 2, UnitPrice: 100000},
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		txns = append(txns, txn)
	}
	return txns
}

func TestDrain_SubmitsOldestFirstAndMarksSynced(t *testing.T) {
	db := store.NewMemoryStore()
	txns := queueN(t, db, 2)
	backend := &scriptedInvoicer{}
	c := NewCoordinator(db, backend, nil, metrics.NewRegistry(), time.Second)

	res, err := c.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Submitted != 2 || res.Failed != 0 || res.LeftPending != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	calls := backend.keyCalls()
	if len(calls) != 2 || calls[0] != txns[0].IdempotencyKey || calls[1] != txns[1].IdempotencyKey {
		t.Fatalf("submission order wrong: %v", calls)
	}

	pending, err := db.TransactionsByStatus(context.Background(), model.StatusPending)
	if err != nil {
		t.Fatalf("by status: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("still pending after drain: %+v", pending)
	}
	if _, ok, _ := db.LastSync(context.Background()); !ok {
		t.Fatalf("last sync not recorded")
	}
}

func TestDrain_SecondPassSubmitsNothing(t *testing.T) {
	db := store.NewMemoryStore()
	queueN(t, db, 2)
	backend := &scriptedInvoicer{}
	c := NewCoordinator(db, backend, nil, metrics.NewRegistry(), time.Second)

	if _, err := c.Drain(context.Background()); err != nil {
		t.Fatalf("drain 1: %v", err)
	}
	res, err := c.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain 2: %v", err)
	}
	if res.Submitted != 0 {
		t.Fatalf("synced records resubmitted: %+v", res)
	}
	if calls := backend.keyCalls(); len(calls) != 2 {
		t.Fatalf("backend saw %d submissions, want 2", len(calls))
	}
}

func TestDrain_OneRejectionDoesNotBlockTheRest(t *testing.T) {
	db := store.NewMemoryStore()
	txns := queueN(t, db, 3)
	backend := &scriptedInvoicer{failWith: map[string]error{
		txns[1].IdempotencyKey: fmt.Errorf("%w: status 422", remote.ErrRejected),
	}}
	c := NewCoordinator(db, backend, nil, metrics.NewRegistry(), time.Second)

	res, err := c.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Submitted != 2 || res.Failed != 1 || res.LeftPending != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	failed, err := db.TransactionsByStatus(context.Background(), model.StatusFailed)
	if err != nil {
		t.Fatalf("by status: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != txns[1].ID {
		t.Fatalf("unexpected failed set: %+v", failed)
	}
}

func TestDrain_TransientFailureLeavesPending(t *testing.T) {
	db := store.NewMemoryStore()
	txns := queueN(t, db, 1)
	backend := &scriptedInvoicer{failWith: map[string]error{
		txns[0].IdempotencyKey: fmt.Errorf("%w: connection refused", remote.ErrUnavailable),
	}}
	c := NewCoordinator(db, backend, nil, metrics.NewRegistry(), time.Second)

	res, err := c.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.LeftPending != 1 || res.Submitted != 0 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	// the next drain, with the backend healthy again, picks it up
	backend.failNothing()
	res, err = c.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain 2: %v", err)
	}
	if res.Submitted != 1 {
		t.Fatalf("retry did not submit: %+v", res)
	}
	pending, _ := db.TransactionsByStatus(context.Background(), model.StatusPending)
	if len(pending) != 0 {
		t.Fatalf("still pending: %+v", pending)
	}
}

func TestDrain_ConcurrentInvocationRefused(t *testing.T) {
	db := store.NewMemoryStore()
	queueN(t, db, 1)
	started := make(chan struct{})
	gate := make(chan struct{})
	backend := &scriptedInvoicer{started: started, gate: gate}
	c := NewCoordinator(db, backend, nil, metrics.NewRegistry(), time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := c.Drain(context.Background())
		done <- err
	}()

	// the submission has begun, so the first drain provably holds the lock
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("first drain never reached the backend")
	}

	if _, err := c.Drain(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("want ErrAlreadyRunning, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first drain: %v", err)
	}
}

func waitDrained(t *testing.T, db store.Store) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := db.TransactionsByStatus(context.Background(), model.StatusPending)
		if err != nil {
			t.Fatalf("by status: %v", err)
		}
		if len(pending) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue never drained: %d still pending", len(pending))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_DrainsOnWentOnline(t *testing.T) {
	db := store.NewMemoryStore()
	queueN(t, db, 2)
	backend := &scriptedInvoicer{}
	c := NewCoordinator(db, backend, nil, metrics.NewRegistry(), time.Second)

	mon := connectivity.NewMonitor(func(context.Context) bool { return false }, time.Hour)
	mon.Start(context.Background())
	defer mon.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, mon, time.Hour)
	}()

	mon.SetOnline(true)
	waitDrained(t, db)

	cancel()
	<-done
	if calls := backend.keyCalls(); len(calls) != 2 {
		t.Fatalf("backend saw %d submissions, want 2", len(calls))
	}
}

func TestRun_DrainsAtStartupWhenAlreadyOnline(t *testing.T) {
	db := store.NewMemoryStore()
	queueN(t, db, 1)
	backend := &scriptedInvoicer{}
	c := NewCoordinator(db, backend, nil, metrics.NewRegistry(), time.Second)

	mon := connectivity.NewMonitor(func(context.Context) bool { return true }, time.Hour)
	mon.Start(context.Background())
	defer mon.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, mon, time.Hour)
	}()

	waitDrained(t, db)
	cancel()
	<-done
}

func TestRun_PeriodicTickRetriesLeftPending(t *testing.T) {
	db := store.NewMemoryStore()
	txns := queueN(t, db, 1)
	backend := &scriptedInvoicer{failWith: map[string]error{
		txns[0].IdempotencyKey: fmt.Errorf("%w: connection refused", remote.ErrUnavailable),
	}}
	c := NewCoordinator(db, backend, nil, metrics.NewRegistry(), time.Second)

	mon := connectivity.NewMonitor(func(context.Context) bool { return true }, time.Hour)
	mon.Start(context.Background())
	defer mon.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, mon, 20*time.Millisecond)
	}()

	// wait for the startup drain to have left the record pending
	deadline := time.Now().Add(2 * time.Second)
	for len(backend.keyCalls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("startup drain never reached the backend")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// backend recovers; a later tick must pick the record up
	backend.failNothing()
	waitDrained(t, db)

	cancel()
	<-done
}

type markFailStore struct {
	store.Store
}

func (m *markFailStore) UpdateTransactionStatus(context.Context, int64, model.TxnStatus) error {
	return errors.New("disk full")
}

func TestDrain_AbortsWhenMarkingFails(t *testing.T) {
	inner := store.NewMemoryStore()
	db := &markFailStore{Store: inner}
	queueN(t, inner, 2)
	backend := &scriptedInvoicer{}
	c := NewCoordinator(db, backend, nil, metrics.NewRegistry(), time.Second)

	_, err := c.Drain(context.Background())
	if err == nil {
		t.Fatalf("expected drain to abort on storage failure")
	}
	// it stopped after the first submission instead of risking a double
	// submission of an unmarked record
	if calls := backend.keyCalls(); len(calls) != 1 {
		t.Fatalf("backend saw %d submissions, want 1", len(calls))
	}
}

func TestDrain_JournalsEveryOutcome(t *testing.T) {
	db := store.NewMemoryStore()
	txns := queueN(t, db, 2)
	backend := &scriptedInvoicer{failWith: map[string]error{
		txns[1].IdempotencyKey: fmt.Errorf("%w: status 400", remote.ErrRejected),
	}}
	jw := &captureJournal{}
	c := NewCoordinator(db, backend, jw, metrics.NewRegistry(), time.Second)

	if _, err := c.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(jw.entries) != 2 {
		t.Fatalf("want 2 journal entries, got %d", len(jw.entries))
	}
	if jw.entries[0].Event != journal.EventSynced || jw.entries[0].TxnID != txns[0].ID {
		t.Fatalf("unexpected first entry: %+v", jw.entries[0])
	}
	if jw.entries[1].Event != journal.EventFailed || jw.entries[1].TxnID != txns[1].ID {
		t.Fatalf("unexpected second entry: %+v", jw.entries[1])
	}
}

type captureJournal struct{ entries []journal.Entry }

func (c *captureJournal) Append(e journal.Entry) error { c.entries = append(c.entries, e); return nil }
func (c *captureJournal) Close() error                 { return nil }
