package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"till/internal/model"
)

// MemoryStore is a thread-safe in-memory Store for tests and dev runs.
type MemoryStore struct {
	mu           sync.RWMutex
	catalog      map[int64]model.CatalogEntry
	cart         map[int64]model.CartLine
	transactions map[int64]model.PendingTransaction
	seq          int64
	lastSync     time.Time
	lastSyncSet  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		catalog:      make(map[int64]model.CatalogEntry),
		cart:         make(map[int64]model.CartLine),
		transactions: make(map[int64]model.PendingTransaction),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) ReplaceCatalog(ctx context.Context, entries []model.CatalogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = make(map[int64]model.CatalogEntry, len(entries))
	for _, e := range entries {
		s.catalog[e.ID] = e
	}
	return nil
}

func (s *MemoryStore) Catalog(ctx context.Context) ([]model.CatalogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CatalogEntry, 0, len(s.catalog))
	for _, e := range s.catalog {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ReplaceCart(ctx context.Context, lines []model.CartLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = make(map[int64]model.CartLine, len(lines))
	for _, l := range lines {
		s.cart[l.ProductID] = l
	}
	return nil
}

func (s *MemoryStore) UpsertCartLine(ctx context.Context, line model.CartLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart[line.ProductID] = line
	return nil
}

func (s *MemoryStore) Cart(ctx context.Context) ([]model.CartLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CartLine, 0, len(s.cart))
	for _, l := range s.cart {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, items []model.TransactionItem) (model.PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return model.PendingTransaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	txn := model.PendingTransaction{
		ID:             s.seq,
		IdempotencyKey: uuid.NewString(),
		Items:          append([]model.TransactionItem(nil), items...),
		CreatedAt:      model.NowUTC(),
		Status:         model.StatusPending,
	}
	s.transactions[txn.ID] = txn
	return txn, nil
}

func (s *MemoryStore) Transactions(ctx context.Context) ([]model.PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PendingTransaction, 0, len(s.transactions))
	for _, txn := range s.transactions {
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) TransactionsByStatus(ctx context.Context, status model.TxnStatus) ([]model.PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PendingTransaction
	for _, txn := range s.transactions {
		if txn.Status == status {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateTransactionStatus(ctx context.Context, id int64, status model.TxnStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[id]
	if !ok {
		return ErrTxnNotFound
	}
	if txn.Status != model.StatusPending {
		return ErrStatusFinal
	}
	txn.Status = status
	s.transactions[id] = txn
	return nil
}

func (s *MemoryStore) LastSync(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync, s.lastSyncSet, nil
}

func (s *MemoryStore) SetLastSync(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = at
	s.lastSyncSet = true
	return nil
}
