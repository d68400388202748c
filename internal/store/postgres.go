package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	getRecordQuery = "SELECT value FROM kv_records " +
		"WHERE key = $1 AND (expires_at IS NULL OR expires_at > now()) LIMIT 1"
	setRecordQuery = "INSERT INTO kv_records (key, value, expires_at) VALUES ($1, $2, $3) " +
		"ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at"
	deleteRecordQuery = "DELETE FROM kv_records WHERE key = $1"
)

// PostgresStore keeps every record in a single kv_records table so that
// several server instances can share one store.
type PostgresStore struct {
	conn       *sql.DB
	log        *log.Logger
	maxRetries int
}

func OpenPostgres(dsn string, logger *log.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PostgresStore{conn: db, log: logger, maxRetries: defaultMaxRetries}, nil
}

// DB exposes the underlying pool for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.conn
}

func (s *PostgresStore) View(ctx context.Context, fn func(Txn) error) error {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&pgTxn{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Update(ctx context.Context, fn func(Txn) error) error {
	for attempt := 0; ; attempt++ {
		err := s.update(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}

		if attempt >= s.maxRetries {
			if s.log != nil {
				s.log.Printf("postgres: giving up after %d conflicting attempts", attempt+1)
			}
			return ErrConflict
		}
	}
}

func (s *PostgresStore) update(ctx context.Context, fn func(Txn) error) (err error) {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&pgTxn{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	err = tx.Commit()
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// isSerializationFailure reports whether err is a serialization failure or
// deadlock that is safe to retry.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

type pgTxn struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTxn) Get(key []byte) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, getRecordQuery, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (t *pgTxn) Set(key, value []byte, expiresAt time.Time) error {
	var exp sql.NullTime
	if !expiresAt.IsZero() {
		exp = sql.NullTime{Time: expiresAt.UTC(), Valid: true}
	}
	_, err := t.tx.ExecContext(t.ctx, setRecordQuery, key, value, exp)
	return err
}

func (t *pgTxn) Delete(key []byte) error {
	_, err := t.tx.ExecContext(t.ctx, deleteRecordQuery, key)
	return err
}

func (t *pgTxn) Scan(prefix []byte, opts ScanOptions, fn func(key, value []byte) (bool, error)) error {
	query, args := scanQuery(prefix, opts)
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return fmt.Errorf("scan %q: %w", prefix, err)
	}

	type record struct{ key, value []byte }
	var records []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.key, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	for _, r := range records {
		more, err := fn(r.key, r.value)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

func scanQuery(prefix []byte, opts ScanOptions) (string, []any) {
	query := "SELECT key, value FROM kv_records WHERE key >= $1"
	args := []any{prefix}

	if end := prefixEnd(prefix); end != nil {
		args = append(args, end)
		query += fmt.Sprintf(" AND key < $%d", len(args))
	}

	if opts.After != nil {
		args = append(args, opts.After)
		if opts.Reverse {
			query += fmt.Sprintf(" AND key < $%d", len(args))
		} else {
			query += fmt.Sprintf(" AND key > $%d", len(args))
		}
	}

	query += " AND (expires_at IS NULL OR expires_at > now())"
	if opts.Reverse {
		query += " ORDER BY key DESC"
	} else {
		query += " ORDER BY key ASC"
	}

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
