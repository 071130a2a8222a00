package cart

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"till/internal/model"
	"till/internal/store"
)

var water = model.CatalogEntry{ID: 1, Code: "SP001", Name: "Mineral Water", UnitPrice: 8000, Quantity: 40}
var tea = model.CatalogEntry{ID: 2, Code: "SP002", Name: "Green Tea", UnitPrice: 12000, Quantity: 15}

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	db := store.NewMemoryStore()
	m := NewManager(db)
	require.NoError(t, m.Load(context.Background()))
	return m, db
}

func TestAdd_MergesExistingLine(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lines, err := m.Add(ctx, water)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(1), lines[0].Quantity)
	assert.Equal(t, int64(8000), lines[0].LineTotal)

	// adding the same product bumps quantity, no second line
	lines, err = m.Add(ctx, water)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(2), lines[0].Quantity)
	assert.Equal(t, int64(16000), lines[0].LineTotal)

	lines, err = m.Add(ctx, tea)
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestAdd_SnapshotsDisplayFields(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Add(ctx, water)
	require.NoError(t, err)

	// a later catalog change must not touch the line snapshot
	lines := m.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "Mineral Water", lines[0].Name)
	assert.Equal(t, "SP001", lines[0].Code)
	assert.Equal(t, int64(8000), lines[0].UnitPrice)
}

func TestUpdateQuantity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Add(ctx, water)
	require.NoError(t, err)

	lines, err := m.UpdateQuantity(ctx, water.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), lines[0].Quantity)
	assert.Equal(t, int64(40000), lines[0].LineTotal)

	_, err = m.UpdateQuantity(ctx, water.ID, 0)
	assert.ErrorIs(t, err, model.ErrInvalidQuantity)

	_, err = m.UpdateQuantity(ctx, 999, 2)
	assert.ErrorIs(t, err, ErrNotInCart)
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Add(ctx, water)
	require.NoError(t, err)
	_, err = m.Add(ctx, tea)
	require.NoError(t, err)

	lines, err := m.Remove(ctx, water.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, tea.ID, lines[0].ProductID)

	_, err = m.Remove(ctx, water.ID)
	assert.ErrorIs(t, err, ErrNotInCart)
}

func TestMutationsPersistToStore(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	_, err := m.Add(ctx, water)
	require.NoError(t, err)
	_, err = m.Add(ctx, water)
	require.NoError(t, err)

	persisted, err := db.Cart(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, int64(2), persisted[0].Quantity)

	require.NoError(t, m.Clear(ctx))
	persisted, err = db.Cart(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestLoad_RestoresPersistedCart(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, db.ReplaceCart(ctx, []model.CartLine{
		{ProductID: 1, Code: "SP001", Name: "Mineral Water", Quantity: 3, UnitPrice: 8000, LineTotal: 24000},
	}))

	m := NewManager(db)
	require.NoError(t, m.Load(ctx))
	lines := m.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, int64(3), lines[0].Quantity)
}

// failingStore wraps the memory store and fails cart writes.
type failingStore struct {
	store.Store
}

var errDisk = errors.New("disk full")

func (f *failingStore) ReplaceCart(context.Context, []model.CartLine) error { return errDisk }

func TestAdd_StoreFailureLeavesProjectionUntouched(t *testing.T) {
	m := NewManager(&failingStore{Store: store.NewMemoryStore()})
	ctx := context.Background()

	_, err := m.Add(ctx, water)
	assert.ErrorIs(t, err, errDisk)
	// the visible cart must not run ahead of the store
	assert.Empty(t, m.Lines())
}
