package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"till/internal/model"
)

// BadgerStore implements Store on BadgerDB. Alternate backend, selected with
// -store-backend=badger.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	s := &BadgerStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) initSchema() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySchema))
		if err == badger.ErrKeyNotFound {
			return txn.Set([]byte(keySchema), []byte(strconv.Itoa(SchemaVersion)))
		}
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		ver, err := strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if ver > SchemaVersion {
			return fmt.Errorf("%w: on-disk %d, supported %d", ErrSchemaTooNew, ver, SchemaVersion)
		}
		return nil
	})
}

func deletePrefix(txn *badger.Txn, prefix string) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	var keys [][]byte
	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) replacePrefix(prefix string, records map[string][]byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, prefix); err != nil {
			return err
		}
		for k, v := range records {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", prefix, err)
	}
	return nil
}

func (s *BadgerStore) scanPrefix(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) ReplaceCatalog(ctx context.Context, entries []model.CatalogEntry) error {
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

func (s *BadgerStore) Catalog(ctx context.Context) ([]model.CatalogEntry, error) {
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

func (s *BadgerStore) ReplaceCart(ctx context.Context, lines []model.CartLine) error {
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

func (s *BadgerStore) UpsertCartLine(ctx context.Context, line model.CartLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal cart line %d: %w", line.ProductID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cartKey(line.ProductID), b)
	})
	if err != nil {
		return fmt.Errorf("upsert cart line %d: %w", line.ProductID, err)
	}
	return nil
}

func (s *BadgerStore) Cart(ctx context.Context) ([]model.CartLine, error) {
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

func (s *BadgerStore) AppendTransaction(ctx context.Context, items []model.TransactionItem) (model.PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return model.PendingTransaction{}, err
	}
	var out model.PendingTransaction
	err := s.db.Update(func(txn *badger.Txn) error {
		var seq int64
		item, err := txn.Get([]byte(keyTxnSeq))
		if err == nil {
			v, e := item.ValueCopy(nil)
			if e != nil {
				return e
			}
			seq, e = strconv.ParseInt(string(v), 10, 64)
			if e != nil {
				return fmt.Errorf("parse txn sequence: %w", e)
			}
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("read txn sequence: %w", err)
		}
		id := seq + 1
		rec := model.PendingTransaction{
			ID:             id,
			IdempotencyKey: uuid.NewString(),
			Items:          items,
			CreatedAt:      model.NowUTC(),
			Status:         model.StatusPending,
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal transaction: %w", err)
		}
		if err := txn.Set(txnKey(id), b); err != nil {
			return err
		}
		if err := txn.Set(statusKey(model.StatusPending, id), nil); err != nil {
			return err
		}
		if err := txn.Set([]byte(keyTxnSeq), []byte(strconv.FormatInt(id, 10))); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return model.PendingTransaction{}, fmt.Errorf("append transaction: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) Transactions(ctx context.Context) ([]model.PendingTransaction, error) {
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

func (s *BadgerStore) TransactionsByStatus(ctx context.Context, status model.TxnStatus) ([]model.PendingTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("%s%s/", prefixTxnStatus, status)
	var out []model.PendingTransaction
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			k := it.Item().KeyCopy(nil)
			id, perr := strconv.ParseInt(string(k[len(prefix):]), 10, 64)
			if perr != nil {
				return fmt.Errorf("parse status index key %q: %w", k, perr)
			}
			item, gerr := txn.Get(txnKey(id))
			if gerr != nil {
				return fmt.Errorf("get transaction %d: %w", id, gerr)
			}
			v, verr := item.ValueCopy(nil)
			if verr != nil {
				return verr
			}
			var rec model.PendingTransaction
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal transaction %d: %w", id, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) UpdateTransactionStatus(ctx context.Context, id int64, status model.TxnStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(txnKey(id))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("transaction %d: %w", id, ErrTxnNotFound)
		}
		if err != nil {
			return fmt.Errorf("get transaction %d: %w", id, err)
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var rec model.PendingTransaction
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal transaction %d: %w", id, err)
		}
		if rec.Status != model.StatusPending {
			return fmt.Errorf("transaction %d is %s: %w", id, rec.Status, ErrStatusFinal)
		}
		old := rec.Status
		rec.Status = status
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal transaction %d: %w", id, err)
		}
		if err := txn.Set(txnKey(id), b); err != nil {
			return err
		}
		if err := txn.Delete(statusKey(old, id)); err != nil {
			return err
		}
		return txn.Set(statusKey(status, id), nil)
	})
}

func (s *BadgerStore) LastSync(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	var m syncMeta
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLastSync))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("unmarshal last sync: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read last sync: %w", err)
	}
	return m.LastSync, found, nil
}

func (s *BadgerStore) SetLastSync(ctx context.Context, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(syncMeta{LastSync: at})
	if err != nil {
		return fmt.Errorf("marshal last sync: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyLastSync), b)
	})
	if err != nil {
		return fmt.Errorf("write last sync: %w", err)
	}
	return nil
}
