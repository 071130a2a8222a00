package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"till/internal/model"
)

// PebbleStore implements Store on PebbleDB. This is the default backend.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		// A terminal writes a few records per sale; keep the footprint small
		// and the WAL on for durability.
		MemTableSize:          8 << 20,
		L0CompactionThreshold: 4,
		DisableWAL:            false,
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	s := &PebbleStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) initSchema() error {
	v, closer, err := s.db.Get([]byte(keySchema))
	if err == pebble.ErrNotFound {
		// First open: stamp the version. Collections are prefixes, nothing
		// else to create.
		return s.db.Set([]byte(keySchema), []byte(strconv.Itoa(SchemaVersion)), pebble.Sync)
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	ver, perr := strconv.Atoi(string(v))
	_ = closer.Close()
	if perr != nil {
		return fmt.Errorf("parse schema version: %w", perr)
	}
	if ver > SchemaVersion {
		return fmt.Errorf("%w: on-disk %d, supported %d", ErrSchemaTooNew, ver, SchemaVersion)
	}
	return nil
}

// replacePrefix clears every key under prefix and writes the replacements in
// the same batch, so the swap is atomic for readers.
func (s *PebbleStore) replacePrefix(prefix string, records map[string][]byte) error {
	wb := s.db.NewBatch()
	defer wb.Close()
	if err := wb.DeleteRange([]byte(prefix), []byte(prefix+"\xff"), nil); err != nil {
		return fmt.Errorf("clear %s: %w", prefix, err)
	}
	for k, v := range records {
		if err := wb.Set([]byte(k), v, nil); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit replace %s: %w", prefix, err)
	}
	return nil
}

func (s *PebbleStore) scanPrefix(prefix string, fn func(val []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return fmt.Errorf("iter %s: %w", prefix, err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		v := append([]byte(nil), it.Value()...)
		if err := fn(v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *PebbleStore) ReplaceCatalog(ctx context.Context, entries []model.CatalogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records := make(map[string][]byte, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal catalog entry %d: %w", e.ID, err)
		}
		records[string(catalogKey(e.ID))] = b
	}
	return s.replacePrefix(prefixCatalog, records)
}

func (s *PebbleStore) Catalog(ctx context.Context) ([]model.CatalogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.CatalogEntry
	err := s.scanPrefix(prefixCatalog, func(v []byte) error {
		var e model.CatalogEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("unmarshal catalog entry: %w", err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s *PebbleStore) ReplaceCart(ctx context.Context, lines []model.CartLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records := make(map[string][]byte, len(lines))
	for _, l := range lines {
		b, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("marshal cart line %d: %w", l.ProductID, err)
		}
		records[string(cartKey(l.ProductID))] = b
	}
	return s.replacePrefix(prefixCart, records)
}

func (s *PebbleStore) UpsertCartLine(ctx context.Context, line model.CartLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal cart line %d: %w", line.ProductID, err)
	}
	if err := s.db.Set(cartKey(line.ProductID), b, pebble.Sync); err != nil {
		return fmt.Errorf("upsert cart line %d: %w", line.ProductID, err)
	}
	return nil
}

func (s *PebbleStore) Cart(ctx context.Context) ([]model.CartLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.CartLine
	err := s.scanPrefix(prefixCart, func(v []byte) error {
		var l model.CartLine
		if err := json.Unmarshal(v, &l); err != nil {
			return fmt.Errorf("unmarshal cart line: %w", err)
		}
		out = append(out, l)
		return nil
	})
	return out, err
}

func (s *PebbleStore) nextTxnID() (int64, error) {
	var seq int64
	v, closer, err := s.db.Get([]byte(keyTxnSeq))
	if err == nil {
		seq, err = strconv.ParseInt(string(v), 10, 64)
		_ = closer.Close()
		if err != nil {
			return 0, fmt.Errorf("parse txn sequence: %w", err)
		}
	} else if err != pebble.ErrNotFound {
		return 0, fmt.Errorf("read txn sequence: %w", err)
	}
	return seq + 1, nil
}

func (s *PebbleStore) AppendTransaction(ctx context.Context, items []model.TransactionItem) (model.PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return model.PendingTransaction{}, err
	}
	id, err := s.nextTxnID()
	if err != nil {
		return model.PendingTransaction{}, err
	}
	txn := model.PendingTransaction{
		ID:             id,
		IdempotencyKey: uuid.NewString(),
		Items:          items,
		CreatedAt:      model.NowUTC(),
		Status:         model.StatusPending,
	}
	b, err := json.Marshal(txn)
	if err != nil {
		return model.PendingTransaction{}, fmt.Errorf("marshal transaction: %w", err)
	}
	// Record, status index entry and sequence advance commit together.
	wb := s.db.NewBatch()
	defer wb.Close()
	if err := wb.Set(txnKey(id), b, nil); err != nil {
		return model.PendingTransaction{}, fmt.Errorf("set transaction: %w", err)
	}
	if err := wb.Set(statusKey(model.StatusPending, id), nil, nil); err != nil {
		return model.PendingTransaction{}, fmt.Errorf("set status index: %w", err)
	}
	if err := wb.Set([]byte(keyTxnSeq), []byte(strconv.FormatInt(id, 10)), nil); err != nil {
		return model.PendingTransaction{}, fmt.Errorf("set txn sequence: %w", err)
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return model.PendingTransaction{}, fmt.Errorf("commit transaction: %w", err)
	}
	return txn, nil
}

func (s *PebbleStore) getTransaction(id int64) (model.PendingTransaction, error) {
	v, closer, err := s.db.Get(txnKey(id))
	if err == pebble.ErrNotFound {
		return model.PendingTransaction{}, fmt.Errorf("transaction %d: %w", id, ErrTxnNotFound)
	}
	if err != nil {
		return model.PendingTransaction{}, fmt.Errorf("get transaction %d: %w", id, err)
	}
	defer closer.Close()
	var txn model.PendingTransaction
	if err := json.Unmarshal(v, &txn); err != nil {
		return model.PendingTransaction{}, fmt.Errorf("unmarshal transaction %d: %w", id, err)
	}
	return txn, nil
}

func (s *PebbleStore) Transactions(ctx context.Context) ([]model.PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.PendingTransaction
	err := s.scanPrefix(prefixTxn, func(v []byte) error {
		var txn model.PendingTransaction
		if err := json.Unmarshal(v, &txn); err != nil {
			return fmt.Errorf("unmarshal transaction: %w", err)
		}
		out = append(out, txn)
		return nil
	})
	return out, err
}

func (s *PebbleStore) TransactionsByStatus(ctx context.Context, status model.TxnStatus) ([]model.PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("%s%s/", prefixTxnStatus, status)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("iter status index: %w", err)
	}
	defer it.Close()
	var out []model.PendingTransaction
	for it.First(); it.Valid(); it.Next() {
		id, perr := strconv.ParseInt(string(it.Key()[len(prefix):]), 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("parse status index key %q: %w", it.Key(), perr)
		}
		txn, gerr := s.getTransaction(id)
		if gerr != nil {
			return nil, gerr
		}
		out = append(out, txn)
	}
	return out, it.Error()
}

func (s *PebbleStore) UpdateTransactionStatus(ctx context.Context, id int64, status model.TxnStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn, err := s.getTransaction(id)
	if err != nil {
		return err
	}
	if txn.Status != model.StatusPending {
		return fmt.Errorf("transaction %d is %s: %w", id, txn.Status, ErrStatusFinal)
	}
	old := txn.Status
	txn.Status = status
	b, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("marshal transaction %d: %w", id, err)
	}
	// Record and both index entries move in one batch.
	wb := s.db.NewBatch()
	defer wb.Close()
	if err := wb.Set(txnKey(id), b, nil); err != nil {
		return fmt.Errorf("set transaction %d: %w", id, err)
	}
	if err := wb.Delete(statusKey(old, id), nil); err != nil {
		return fmt.Errorf("delete status index: %w", err)
	}
	if err := wb.Set(statusKey(status, id), nil, nil); err != nil {
		return fmt.Errorf("set status index: %w", err)
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit status update %d: %w", id, err)
	}
	return nil
}

func (s *PebbleStore) LastSync(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	v, closer, err := s.db.Get([]byte(keyLastSync))
	if err == pebble.ErrNotFound {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read last sync: %w", err)
	}
	defer closer.Close()
	var m syncMeta
	if err := json.Unmarshal(v, &m); err != nil {
		return time.Time{}, false, fmt.Errorf("unmarshal last sync: %w", err)
	}
	return m.LastSync, true, nil
}

func (s *PebbleStore) SetLastSync(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(syncMeta{LastSync: at})
	if err != nil {
		return fmt.Errorf("marshal last sync: %w", err)
	}
	if err := s.db.Set([]byte(keyLastSync), b, pebble.Sync); err != nil {
		return fmt.Errorf("write last sync: %w", err)
	}
	return nil
}
