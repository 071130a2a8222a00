// Package catalog keeps a read-through local mirror of the product catalog.
// Live searches win; when the backend is unreachable the cached snapshot
// answers instead, as-is, with no staleness check.
package catalog

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"till/internal/metrics"
	"till/internal/model"
	"till/internal/remote"
	"till/internal/store"
)

// Source tags where a result set came from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
)

// Result is a search answer plus its origin, so the display layer can show
// an offline hint.
type Result struct {
	Items  []model.CatalogEntry `json:"items"`
	Source Source               `json:"source"`
}

// Searcher is the slice of the backend client the manager needs.
type Searcher interface {
	SearchProducts(ctx context.Context, query string, page, limit int) (remote.SearchResult, error)
}

const (
	// fullFetchLimit is the page size used when pulling the whole catalog
	// for the local snapshot. The empty-query result is treated as the
	// current full catalog.
	fullFetchLimit = 1000
	persistTimeout = 30 * time.Second
	// searchTimeout bounds the shared fetch instead of any one caller's ctx.
	searchTimeout = 10 * time.Second
)

type Manager struct {
	backend Searcher
	db      store.Store
	mreg    *metrics.Registry
	sfg     singleflight.Group

	// persistWG tracks in-flight snapshot writes so tests can wait on them.
	persistWG sync.WaitGroup
}

func NewManager(backend Searcher, db store.Store, mreg *metrics.Registry) *Manager {
	return &Manager{backend: backend, db: db, mreg: mreg}
}

// Search tries the backend first and falls back to the cached snapshot on
// failure. Concurrent identical queries are collapsed into one remote call;
// that call is detached from the first caller's cancellation so one hung-up
// caller cannot fail the answer shared by the rest.
func (m *Manager) Search(ctx context.Context, query string) (Result, error) {
	v, err, _ := m.sfg.Do(query, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), searchTimeout)
		defer cancel()
		res, err := m.backend.SearchProducts(fctx, query, 1, fullFetchLimit)
		if err != nil {
			log.Printf("catalog: live search failed, falling back to cache: %v", err)
			return m.fromCache(fctx, query)
		}
		m.mreg.CatalogRefreshed.Inc()
		m.persistSnapshot(query, res.Items)
		return Result{Items: res.Items, Source: SourceRemote}, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// persistSnapshot overwrites the local snapshot with the current full
// catalog. A filtered result set is never written as the snapshot: for a
// non-empty query the full set is fetched separately. The write is detached
// from the request so a slow disk never delays the answer.
func (m *Manager) persistSnapshot(query string, items []model.CatalogEntry) {
	m.persistWG.Add(1)
	go func() {
		defer m.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		full := items
		if query != "" {
			res, err := m.backend.SearchProducts(ctx, "", 1, fullFetchLimit)
			if err != nil {
				log.Printf("catalog: full snapshot fetch failed: %v", err)
				return
			}
			full = res.Items
		}
		if err := m.db.ReplaceCatalog(ctx, full); err != nil {
			log.Printf("catalog: snapshot persist failed: %v", err)
		}
	}()
}

// fromCache answers a query from the local snapshot: everything for an empty
// query, otherwise a case-insensitive substring match over name and code.
func (m *Manager) fromCache(ctx context.Context, query string) (Result, error) {
	entries, err := m.db.Catalog(ctx)
	if err != nil {
		return Result{}, err
	}
	m.mreg.CacheFallback.Inc()
	if query == "" {
		return Result{Items: entries, Source: SourceCache}, nil
	}
	q := strings.ToLower(query)
	var matched []model.CatalogEntry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Name), q) || strings.Contains(strings.ToLower(e.Code), q) {
			matched = append(matched, e)
		}
	}
	return Result{Items: matched, Source: SourceCache}, nil
}
