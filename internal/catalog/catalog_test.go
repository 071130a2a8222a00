package catalog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"till/internal/metrics"
	"till/internal/model"
	"till/internal/remote"
	"till/internal/store"
)

// fakeSearcher scripts the backend per call.
type fakeSearcher struct {
	calls   []string // queries seen, in order
	results map[string][]model.CatalogEntry
	err     error
}

func (f *fakeSearcher) SearchProducts(_ context.Context, query string, _, _ int) (remote.SearchResult, error) {
	f.calls = append(f.calls, query)
	if f.err != nil {
		return remote.SearchResult{}, f.err
	}
	items := f.results[query]
	return remote.SearchResult{Items: items, Total: int64(len(items))}, nil
}

var sampleCatalog = []model.CatalogEntry{
	{ID: 1, Code: "SP001", Name: "Mineral Water", UnitPrice: 8000, Quantity: 40},
	{ID: 2, Code: "SP002", Name: "Green Tea", UnitPrice: 12000, Quantity: 15},
}

func TestSearch_LiveResultWinsAndSnapshotPersists(t *testing.T) {
	db := store.NewMemoryStore()
	backend := &fakeSearcher{results: map[string][]model.CatalogEntry{"": sampleCatalog}}
	m := NewManager(backend, db, metrics.NewRegistry())

	res, err := m.Search(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Len(t, res.Items, 2)

	m.persistWG.Wait()
	cached, err := db.Catalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, cached, 2)
}

func TestSearch_FilteredQueryPersistsFullSnapshot(t *testing.T) {
	db := store.NewMemoryStore()
	backend := &fakeSearcher{results: map[string][]model.CatalogEntry{
		"water": sampleCatalog[:1],
		"":      sampleCatalog,
	}}
	m := NewManager(backend, db, metrics.NewRegistry())

	res, err := m.Search(context.Background(), "water")
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)

	// the snapshot must hold the full catalog, not the filtered page
	m.persistWG.Wait()
	cached, err := db.Catalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, cached, 2)
	assert.Equal(t, []string{"water", ""}, backend.calls)
}

func TestSearch_FallsBackToCacheWhenBackendDown(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryStore()
	require.NoError(t, db.ReplaceCatalog(ctx, sampleCatalog))
	backend := &fakeSearcher{err: fmt.Errorf("%w: connection refused", remote.ErrUnavailable)}
	m := NewManager(backend, db, metrics.NewRegistry())

	res, err := m.Search(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Len(t, res.Items, 2)
}

func TestSearch_CacheFilterIsCaseInsensitiveOverNameAndCode(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryStore()
	require.NoError(t, db.ReplaceCatalog(ctx, sampleCatalog))
	backend := &fakeSearcher{err: fmt.Errorf("%w: connection refused", remote.ErrUnavailable)}
	m := NewManager(backend, db, metrics.NewRegistry())

	res, err := m.Search(ctx, "WATER")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "SP001", res.Items[0].Code)

	res, err = m.Search(ctx, "sp002")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Green Tea", res.Items[0].Name)

	res, err = m.Search(ctx, "nothing matches this")
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

// ctxCheckingSearcher refuses any call arriving with an already-dead ctx.
type ctxCheckingSearcher struct {
	inner *fakeSearcher
}

func (c *ctxCheckingSearcher) SearchProducts(ctx context.Context, query string, page, limit int) (remote.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return remote.SearchResult{}, err
	}
	return c.inner.SearchProducts(ctx, query, page, limit)
}

func TestSearch_SharedFetchSurvivesCallerCancellation(t *testing.T) {
	db := store.NewMemoryStore()
	inner := &fakeSearcher{results: map[string][]model.CatalogEntry{"": sampleCatalog}}
	m := NewManager(&ctxCheckingSearcher{inner: inner}, db, metrics.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := m.Search(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Len(t, res.Items, 2)
	m.persistWG.Wait()
}

func TestSearch_EmptyCacheYieldsEmptyResultNotError(t *testing.T) {
	db := store.NewMemoryStore()
	backend := &fakeSearcher{err: fmt.Errorf("%w: connection refused", remote.ErrUnavailable)}
	m := NewManager(backend, db, metrics.NewRegistry())

	res, err := m.Search(context.Background(), "water")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Empty(t, res.Items)
}
