package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const defaultMaxRetries = 64

var (
	ErrNotFound = errors.New("store: key not found")
	ErrConflict = errors.New("store: transaction conflict")
	ErrClosed   = errors.New("store: closed")
)

// Store is the only coordination point shared by request handlers. Update runs
// fn in a serializable transaction and re-runs it when a concurrent
// transaction touched the same keys, so fn must not leak side effects outside
// of the transaction.
type Store interface {
	View(ctx context.Context, fn func(Txn) error) error
	Update(ctx context.Context, fn func(Txn) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Txn is a view of the store inside a transaction. Records whose expiry has
// passed are invisible to Get and Scan.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte, expiresAt time.Time) error
	Delete(key []byte) error
	// Scan calls fn for every live key starting with prefix, in key order
	// (or reverse key order). fn must not call back into the Txn; collect
	// keys first and act on them after Scan returns.
	Scan(prefix []byte, opts ScanOptions, fn func(key, value []byte) (bool, error)) error
}

type ScanOptions struct {
	Reverse bool
	// After resumes the scan strictly after this key.
	After []byte
	Limit int
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: cbor enc mode: %v", err))
	}
	return em
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// GetValue reads key and decodes it into v.
func GetValue(txn Txn, key []byte, v any) error {
	raw, err := txn.Get(key)
	if err != nil {
		return err
	}
	if err := Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// SetValue encodes v and writes it under key.
func SetValue(txn Txn, key []byte, v any, expiresAt time.Time) error {
	raw, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return txn.Set(key, raw, expiresAt)
}

func Exists(txn Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// AddUint adds delta to the big-endian counter stored at key and returns the
// new value. A missing counter starts at zero.
func AddUint(txn Txn, key []byte, delta uint64, expiresAt time.Time) (uint64, error) {
	var cur uint64
	raw, err := txn.Get(key)
	switch {
	case err == nil:
		if len(raw) != 8 {
			return 0, fmt.Errorf("counter %q: bad length %d", key, len(raw))
		}
		cur = binary.BigEndian.Uint64(raw)
	case errors.Is(err, ErrNotFound):
	default:
		return 0, err
	}

	cur += delta
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cur)
	if err := txn.Set(key, buf, expiresAt); err != nil {
		return 0, err
	}
	return cur, nil
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
