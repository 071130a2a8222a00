// Package cart holds the in-progress sale. The in-memory slice is a
// projection of the persisted cart collection; every mutation is written
// through before it is visible to callers.
package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"till/internal/model"
	"till/internal/store"
)

var ErrNotInCart = errors.New("product not in cart")

type Manager struct {
	// One terminal session mutates the cart, but HTTP handlers may overlap;
	// the lock keeps mutations serialized.
	mu    sync.Mutex
	db    store.Store
	lines []model.CartLine
}

func NewManager(db store.Store) *Manager {
	return &Manager{db: db}
}

// Load refreshes the projection from the store, typically once at startup.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines, err := m.db.Cart(ctx)
	if err != nil {
		return fmt.Errorf("load cart: %w", err)
	}
	m.lines = lines
	return nil
}

// Lines returns a copy of the current cart.
func (m *Manager) Lines() []model.CartLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.CartLine(nil), m.lines...)
}

// Add puts one unit of the product in the cart. A product already present
// gets its quantity bumped instead of a second line; name, code and price
// are snapshotted from the catalog entry on first add.
func (m *Manager) Add(ctx context.Context, entry model.CatalogEntry) ([]model.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.UnitPrice < 0 {
		return nil, fmt.Errorf("product %d: %w", entry.ID, model.ErrInvalidPrice)
	}
	next := append([]model.CartLine(nil), m.lines...)
	merged := false
	for i := range next {
		if next[i].ProductID == entry.ID {
			next[i].Quantity++
			next[i].LineTotal = next[i].Quantity * next[i].UnitPrice
			merged = true
			break
		}
	}
	if !merged {
		next = append(next, model.CartLine{
			ProductID: entry.ID,
			Code:      entry.Code,
			Name:      entry.Name,
			Quantity:  1,
			UnitPrice: entry.UnitPrice,
			LineTotal: entry.UnitPrice,
		})
	}
	return m.commit(ctx, next)
}

// UpdateQuantity sets the line quantity and recomputes its total.
func (m *Manager) UpdateQuantity(ctx context.Context, productID, quantity int64) ([]model.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if quantity < 1 {
		return nil, model.ErrInvalidQuantity
	}
	next := append([]model.CartLine(nil), m.lines...)
	for i := range next {
		if next[i].ProductID == productID {
			next[i].Quantity = quantity
			next[i].LineTotal = quantity * next[i].UnitPrice
			return m.commit(ctx, next)
		}
	}
	return nil, fmt.Errorf("product %d: %w", productID, ErrNotInCart)
}

func (m *Manager) Remove(ctx context.Context, productID int64) ([]model.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make([]model.CartLine, 0, len(m.lines))
	found := false
	for _, l := range m.lines {
		if l.ProductID == productID {
			found = true
			continue
		}
		next = append(next, l)
	}
	if !found {
		return nil, fmt.Errorf("product %d: %w", productID, ErrNotInCart)
	}
	return m.commit(ctx, next)
}

func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.commit(ctx, nil)
	return err
}

// commit persists the candidate cart and only then replaces the projection,
// so the visible cart never runs ahead of the store.
func (m *Manager) commit(ctx context.Context, next []model.CartLine) ([]model.CartLine, error) {
	if err := m.db.ReplaceCart(ctx, next); err != nil {
		return nil, fmt.Errorf("persist cart: %w", err)
	}
	m.lines = next
	return append([]model.CartLine(nil), next...), nil
}
