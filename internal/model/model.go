package model

import (
	"errors"
	"fmt"
	"time"
)

// CatalogEntry mirrors one remote product. The local copy is a read-only
// snapshot, bulk-replaced on every successful remote fetch.
type CatalogEntry struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
}

// CartLine is one row of the in-progress cart. Name, code and unit price are
// copied from the catalog at add time and never re-synced.
type CartLine struct {
	ProductID int64  `json:"product_id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

// TxnStatus is the lifecycle state of a queued transaction. Transitions are
// pending->synced or pending->failed only; both targets are terminal.
type TxnStatus string

const (
	StatusPending TxnStatus = "pending"
	StatusSynced  TxnStatus = "synced"
	StatusFailed  TxnStatus = "failed"
)

// TransactionItem is the submission shape for one sold line: display fields
// stripped, only what the invoicing endpoint needs.
type TransactionItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// PendingTransaction is a durable record of a sale completed while offline.
// ID is assigned by the store (monotonic) and stable for the record's life.
// Records are kept after syncing for audit; nothing deletes them.
type PendingTransaction struct {
	ID             int64             `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Items          []TransactionItem `json:"items"`
	CreatedAt      time.Time         `json:"created_at"`
	Status         TxnStatus         `json:"status"`
}

var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrInvalidPrice    = errors.New("unit price must not be negative")
)

// ItemsFromCart builds the submission payload from cart lines.
func ItemsFromCart(lines []CartLine) []TransactionItem {
	items := make([]TransactionItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, TransactionItem{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}
	return items
}

// ValidateItems rejects a payload before it reaches the store or the wire.
func ValidateItems(items []TransactionItem) error {
	if len(items) == 0 {
		return ErrEmptyCart
	}
	for _, it := range items {
		if it.Quantity < 1 {
			return fmt.Errorf("product %d: %w", it.ProductID, ErrInvalidQuantity)
		}
		if it.UnitPrice < 0 {
			return fmt.Errorf("product %d: %w", it.ProductID, ErrInvalidPrice)
		}
	}
	return nil
}

// NowUTC returns current time. Split for testability.
var NowUTC = func() time.Time { return time.Now().UTC() }
