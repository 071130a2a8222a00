// Package queue owns checkout: every completed sale goes through here, and
// the connectivity state decides whether it is submitted live or durably
// queued for later synchronization.
package queue

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"till/internal/journal"
	"till/internal/metrics"
	"till/internal/model"
	"till/internal/remote"
	"till/internal/store"
)

// Mode says how a checkout concluded.
type Mode string

const (
	ModeCompleted Mode = "completed" // submitted live, reference is the remote invoice id
	ModeQueued    Mode = "queued"    // stored locally, reference is the local transaction id
)

type Result struct {
	Mode      Mode  `json:"mode"`
	Reference int64 `json:"reference"`
}

// Invoicer is the slice of the backend client checkout needs.
type Invoicer interface {
	CreateInvoice(ctx context.Context, items []model.TransactionItem, idemKey string) (remote.CreatedInvoice, error)
}

// Connectivity reports the current reachability state.
type Connectivity interface {
	Online() bool
}

// CartSource supplies and clears the in-progress cart.
type CartSource interface {
	Lines() []model.CartLine
	Clear(ctx context.Context) error
}

type Manager struct {
	db      store.Store
	cart    CartSource
	backend Invoicer
	conn    Connectivity
	jw      journal.Writer
	mreg    *metrics.Registry
}

func NewManager(db store.Store, cart CartSource, backend Invoicer, conn Connectivity, jw journal.Writer, mreg *metrics.Registry) *Manager {
	if jw == nil {
		jw = journal.Discard{}
	}
	return &Manager{db: db, cart: cart, backend: backend, conn: conn, jw: jw, mreg: mreg}
}

// Checkout completes the sale in the current cart.
//
// Online: the payload is submitted directly; a submission failure is returned
// to the caller, not demoted to queuing — the operator decides whether to
// retry. Offline: the payload is durably queued and the call never fails for
// lack of connectivity.
func (m *Manager) Checkout(ctx context.Context) (Result, error) {
	lines := m.cart.Lines()
	items := model.ItemsFromCart(lines)
	if err := model.ValidateItems(items); err != nil {
		return Result{}, err
	}

	if m.conn.Online() {
		inv, err := m.backend.CreateInvoice(ctx, items, uuid.NewString())
		if err != nil {
			return Result{}, fmt.Errorf("submit invoice: %w", err)
		}
		if err := m.cart.Clear(ctx); err != nil {
			return Result{}, fmt.Errorf("clear cart after checkout: %w", err)
		}
		m.mreg.CheckoutCompleted.Inc()
		log.Printf("checkout: completed online, invoice=%d", inv.ID)
		return Result{Mode: ModeCompleted, Reference: inv.ID}, nil
	}

	txn, err := m.db.AppendTransaction(ctx, items)
	if err != nil {
		return Result{}, fmt.Errorf("queue transaction: %w", err)
	}
	if err := m.cart.Clear(ctx); err != nil {
		return Result{}, fmt.Errorf("clear cart after queuing: %w", err)
	}
	m.mreg.CheckoutQueued.Inc()
	m.appendJournal(journal.Entry{
		TxnID:     txn.ID,
		Event:     journal.EventQueued,
		ItemCount: len(txn.Items),
		Amount:    amountOf(txn.Items),
		TS:        txn.CreatedAt.Unix(),
	})
	if _, err := m.PendingCount(ctx); err != nil {
		log.Printf("queue: pending count refresh failed: %v", err)
	}
	log.Printf("checkout: queued offline, txn=%d", txn.ID)
	return Result{Mode: ModeQueued, Reference: txn.ID}, nil
}

// PendingCount reports how many transactions still await submission and
// refreshes the gauge behind the UI badge.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	pending, err := m.db.TransactionsByStatus(ctx, model.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	m.mreg.PendingTxns.Set(float64(len(pending)))
	return len(pending), nil
}

func (m *Manager) appendJournal(e journal.Entry) {
	if err := m.jw.Append(e); err != nil {
		log.Printf("queue: journal append failed: %v", err)
		return
	}
	m.mreg.JournalAppended.Inc()
}

func amountOf(items []model.TransactionItem) int64 {
	var sum int64
	for _, it := range items {
		sum += it.Quantity * it.UnitPrice
	}
	return sum
}
