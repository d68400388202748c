package store

import (
	"bytes"
	"context"
	"errors"
	"log"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type BadgerStore struct {
	db         *badger.DB
	log        *log.Logger
	maxRetries int
}

// OpenBadger opens a Badger database at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, logger *log.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return NewBadgerStore(db, logger), nil
}

func NewBadgerStore(db *badger.DB, logger *log.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: logger, maxRetries: defaultMaxRetries}
}

func (s *BadgerStore) View(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

func (s *BadgerStore) Update(ctx context.Context, fn func(Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTxn{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}

		if attempt >= s.maxRetries {
			if s.log != nil {
				s.log.Printf("badger: giving up after %d conflicting attempts", attempt+1)
			}
			return ErrConflict
		}
	}
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(key, value []byte, expiresAt time.Time) error {
	e := badger.NewEntry(key, value)
	if !expiresAt.IsZero() {
		e.ExpiresAt = uint64(expiresAt.Unix())
	}
	return t.txn.SetEntry(e)
}

func (t *badgerTxn) Delete(key []byte) error {
	return t.txn.Delete(key)
}

func (t *badgerTxn) Scan(prefix []byte, opts ScanOptions, fn func(key, value []byte) (bool, error)) error {
	iopts := badger.DefaultIteratorOptions
	iopts.Reverse = opts.Reverse
	iopts.Prefix = prefix
	it := t.txn.NewIterator(iopts)
	defer it.Close()

	var seek []byte
	switch {
	case opts.After != nil:
		seek = opts.After
	case opts.Reverse:
		// largest possible key under the prefix
		seek = append(append([]byte{}, prefix...), 0xff)
	default:
		seek = prefix
	}

	n := 0
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if opts.After != nil && bytes.Equal(key, opts.After) {
			continue
		}

		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		more, err := fn(key, value)
		if err != nil {
			return err
		}
		n++
		if !more || (opts.Limit > 0 && n >= opts.Limit) {
			break
		}
	}
	return nil
}
