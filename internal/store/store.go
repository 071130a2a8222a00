package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"till/internal/model"
)

// SchemaVersion is the on-disk layout version this build understands.
// First open stamps it; an on-disk version newer than this refuses to open.
const SchemaVersion = 1

// Store is the local durable persistence layer behind the offline feature
// set. It holds three independent collections (catalog snapshot, in-progress
// cart, transaction queue) plus one sync-metadata row. Every operation either
// fully applies or fully fails; a bulk replace is atomic as observed by
// readers.
type Store interface {
	// ReplaceCatalog transactionally clears and repopulates the catalog
	// snapshot. Readers see the old set or the new set, never a mix.
	ReplaceCatalog(ctx context.Context, entries []model.CatalogEntry) error
	Catalog(ctx context.Context) ([]model.CatalogEntry, error)

	ReplaceCart(ctx context.Context, lines []model.CartLine) error
	UpsertCartLine(ctx context.Context, line model.CartLine) error
	Cart(ctx context.Context) ([]model.CartLine, error)

	// AppendTransaction durably records a completed sale. The store assigns
	// the next monotonic id, stamps creation time, generates the idempotency
	// key and sets status=pending, all in one write.
	AppendTransaction(ctx context.Context, items []model.TransactionItem) (model.PendingTransaction, error)
	Transactions(ctx context.Context) ([]model.PendingTransaction, error)
	TransactionsByStatus(ctx context.Context, status model.TxnStatus) ([]model.PendingTransaction, error)
	// UpdateTransactionStatus moves a pending record to synced or failed.
	// Terminal states are never reversed; updating a non-pending record
	// returns ErrStatusFinal.
	UpdateTransactionStatus(ctx context.Context, id int64, status model.TxnStatus) error

	LastSync(ctx context.Context) (time.Time, bool, error)
	SetLastSync(ctx context.Context, at time.Time) error

	Close() error
}

var (
	ErrTxnNotFound = errors.New("transaction not found")
	ErrStatusFinal = errors.New("transaction status is final")
	// ErrSchemaTooNew means the on-disk store was written by a newer build.
	ErrSchemaTooNew = errors.New("store schema version is newer than supported")
)

// Key layout. Collections are key prefixes; numeric ids are zero-padded so
// iteration order equals id order, which for the append-only transaction
// queue is creation order.
const (
	keySchema   = "meta/schema"
	keyTxnSeq   = "meta/txn_seq"
	keyLastSync = "meta/last_sync"

	prefixCatalog   = "catalog/"
	prefixCart      = "cart/"
	prefixTxn       = "txn/"
	prefixTxnStatus = "txnstatus/"
)

func catalogKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixCatalog, id))
}

func cartKey(productID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixCart, productID))
}

func txnKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixTxn, id))
}

func statusKey(status model.TxnStatus, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefixTxnStatus, status, id))
}

// syncMeta is the single sync-metadata row.
type syncMeta struct {
	LastSync time.Time `json:"last_sync"`
}
