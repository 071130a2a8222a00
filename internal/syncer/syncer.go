// Package syncer drains the pending-transaction queue against the backend.
// One drain at a time, one transaction at a time, oldest first; each record
// is marked synced before the next one is touched, so an interruption leaves
// a consistent partial result and never a double submission.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"till/internal/connectivity"
	"till/internal/journal"
	"till/internal/metrics"
	"till/internal/model"
	"till/internal/remote"
	"till/internal/store"
)

// ErrAlreadyRunning means a drain was requested while one is in flight; the
// request is a no-op, not a queued second run.
var ErrAlreadyRunning = errors.New("drain already running")

// Invoicer is the slice of the backend client the coordinator needs.
type Invoicer interface {
	CreateInvoice(ctx context.Context, items []model.TransactionItem, idemKey string) (remote.CreatedInvoice, error)
}

// Events is the slice of the connectivity monitor Run listens to.
type Events interface {
	Online() bool
	Subscribe() (<-chan connectivity.Event, func())
}

// Result summarizes one drain pass.
type Result struct {
	Submitted   int `json:"submitted"`
	Failed      int `json:"failed"`
	LeftPending int `json:"leftPending"`
}

type Coordinator struct {
	db      store.Store
	backend Invoicer
	jw      journal.Writer
	mreg    *metrics.Registry

	// attemptTimeout bounds each submission so one hung call cannot stall
	// the whole drain.
	attemptTimeout time.Duration

	mu sync.Mutex
}

func NewCoordinator(db store.Store, backend Invoicer, jw journal.Writer, mreg *metrics.Registry, attemptTimeout time.Duration) *Coordinator {
	if jw == nil {
		jw = journal.Discard{}
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 10 * time.Second
	}
	return &Coordinator{db: db, backend: backend, jw: jw, mreg: mreg, attemptTimeout: attemptTimeout}
}

// Drain submits all pending transactions in creation order. A transient
// failure leaves the record pending for the next drain; a rejection by the
// backend marks it failed terminally. One transaction's failure never blocks
// the rest.
func (c *Coordinator) Drain(ctx context.Context) (Result, error) {
	if !c.mu.TryLock() {
		return Result{}, ErrAlreadyRunning
	}
	defer c.mu.Unlock()

	start := time.Now()
	pending, err := c.db.TransactionsByStatus(ctx, model.StatusPending)
	if err != nil {
		return Result{}, fmt.Errorf("load pending: %w", err)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	var res Result
	for _, txn := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome, err := c.submitOne(ctx, txn)
		if err != nil {
			// Storage failure while marking: abort rather than risk
			// resubmitting a synced record on the next pass.
			return res, err
		}
		switch outcome {
		case journal.EventSynced:
			res.Submitted++
			c.mreg.SyncSynced.Inc()
		case journal.EventFailed:
			res.Failed++
			c.mreg.SyncFailed.Inc()
		case journal.EventLeftPending:
			res.LeftPending++
			c.mreg.SyncLeftPending.Inc()
		}
	}

	if err := c.db.SetLastSync(ctx, model.NowUTC()); err != nil {
		return res, fmt.Errorf("record last sync: %w", err)
	}
	if count, err := c.db.TransactionsByStatus(ctx, model.StatusPending); err == nil {
		c.mreg.PendingTxns.Set(float64(len(count)))
	}
	c.mreg.DrainLatencySec.Observe(time.Since(start).Seconds())
	log.Printf("drain: submitted=%d failed=%d left=%d", res.Submitted, res.Failed, res.LeftPending)
	return res, nil
}

// submitOne pushes a single transaction and settles its status. The synced
// mark is written before returning, never deferred past the next dequeue.
func (c *Coordinator) submitOne(ctx context.Context, txn model.PendingTransaction) (string, error) {
	actx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	inv, err := c.backend.CreateInvoice(actx, txn.Items, txn.IdempotencyKey)
	cancel()

	switch {
	case err == nil:
		if uerr := c.db.UpdateTransactionStatus(ctx, txn.ID, model.StatusSynced); uerr != nil {
			return "", fmt.Errorf("mark synced %d: %w", txn.ID, uerr)
		}
		c.appendJournal(journal.Entry{
			TxnID:     txn.ID,
			Event:     journal.EventSynced,
			Reference: inv.ID,
			ItemCount: len(txn.Items),
			TS:        model.NowUTC().Unix(),
		})
		return journal.EventSynced, nil

	case errors.Is(err, remote.ErrRejected):
		if uerr := c.db.UpdateTransactionStatus(ctx, txn.ID, model.StatusFailed); uerr != nil {
			return "", fmt.Errorf("mark failed %d: %w", txn.ID, uerr)
		}
		log.Printf("drain: txn %d rejected by backend: %v", txn.ID, err)
		c.appendJournal(journal.Entry{
			TxnID:     txn.ID,
			Event:     journal.EventFailed,
			ItemCount: len(txn.Items),
			TS:        model.NowUTC().Unix(),
		})
		return journal.EventFailed, nil

	default:
		// Transient: stays pending, retried on the next drain.
		log.Printf("drain: txn %d submission failed, left pending: %v", txn.ID, err)
		c.appendJournal(journal.Entry{
			TxnID:     txn.ID,
			Event:     journal.EventLeftPending,
			ItemCount: len(txn.Items),
			TS:        model.NowUTC().Unix(),
		})
		return journal.EventLeftPending, nil
	}
}

func (c *Coordinator) appendJournal(e journal.Entry) {
	if err := c.jw.Append(e); err != nil {
		log.Printf("drain: journal append failed: %v", err)
		return
	}
	c.mreg.JournalAppended.Inc()
}

// Run drains on every went-online transition and on a periodic tick until
// ctx is cancelled. An extra invocation while a drain runs is dropped.
func (c *Coordinator) Run(ctx context.Context, mon Events, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	events, unsubscribe := mon.Subscribe()
	defer unsubscribe()

	if mon.Online() {
		c.drainQuietly(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Online {
				c.drainQuietly(ctx)
			}
		case <-ticker.C:
			if mon.Online() {
				c.drainQuietly(ctx)
			}
		}
	}
}

func (c *Coordinator) drainQuietly(ctx context.Context) {
	if _, err := c.Drain(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) && !errors.Is(err, context.Canceled) {
		log.Printf("drain: %v", err)
	}
}
