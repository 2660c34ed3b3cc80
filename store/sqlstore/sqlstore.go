// Package sqlstore provides a SQLite-backed store.Backend.
//
// Each logical table becomes one SQL table keyed by (pk, rk); row attributes
// are stored as a JSON object. Batches run inside a SQL transaction, which
// gives the same all-or-nothing guarantee as a single-partition batch.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"unicode/utf8"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jacentio/trellis-identity/store"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Backend is a store.Backend over one SQLite database.
type Backend struct {
	db     *sql.DB
	config store.Config

	mu      sync.Mutex
	created map[string]bool
}

// Open opens the SQLite database at dsn. In-memory databases are limited to
// a single connection, so a query must be fully ranged before the next call.
func Open(dsn string, config store.Config) (*Backend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: sqlite dsn is required", store.ErrInvalidArgument)
	}
	if config.MaxBatchSize < 1 {
		config.MaxBatchSize = store.DynamoMaxBatchSize
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if dsn == MemoryDSN || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Backend{db: db, config: config, created: make(map[string]bool)}, nil
}

// Close closes the database handle.
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Table returns a PartitionedStore over the named SQL table, created on first use.
func (b *Backend) Table(name string) store.PartitionedStore {
	return &table{backend: b, name: name, quoted: quoteIdent(name)}
}

func (b *Backend) ensure(ctx context.Context, t *table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.created[t.name] {
		return nil
	}
	_, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+t.quoted+` (
		pk TEXT NOT NULL,
		rk TEXT NOT NULL,
		kind TEXT NOT NULL,
		key_version INTEGER NOT NULL,
		version INTEGER NOT NULL,
		attrs TEXT NOT NULL,
		PRIMARY KEY (pk, rk)
	) WITHOUT ROWID`)
	if err != nil {
		return mapError(fmt.Errorf("create table %s: %w", t.name, err))
	}
	b.created[t.name] = true
	return nil
}

type table struct {
	backend *Backend
	name    string
	quoted  string
}

func (t *table) Get(ctx context.Context, partitionKey, rowKey string) (*store.Row, error) {
	if partitionKey == "" || rowKey == "" {
		return nil, fmt.Errorf("%w: empty key", store.ErrInvalidArgument)
	}
	if err := t.backend.ensure(ctx, t); err != nil {
		return nil, err
	}
	row := &store.Row{PartitionKey: partitionKey, RowKey: rowKey}
	var kind, attrs string
	err := t.backend.db.QueryRowContext(ctx,
		`SELECT kind, key_version, version, attrs FROM `+t.quoted+` WHERE pk = ? AND rk = ?`,
		partitionKey, rowKey,
	).Scan(&kind, &row.KeyVersion, &row.Version, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	row.Kind = store.Kind(kind)
	if err := decodeAttrs(attrs, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (t *table) Put(ctx context.Context, row *store.Row) error {
	if err := store.ValidateRow(row); err != nil {
		return err
	}
	return t.inTx(ctx, []store.Op{store.PutOp(row)})
}

func (t *table) Delete(ctx context.Context, partitionKey, rowKey string) error {
	if partitionKey == "" || rowKey == "" {
		return fmt.Errorf("%w: empty key", store.ErrInvalidArgument)
	}
	if err := t.backend.ensure(ctx, t); err != nil {
		return err
	}
	res, err := t.backend.db.ExecContext(ctx,
		`DELETE FROM `+t.quoted+` WHERE pk = ? AND rk = ?`, partitionKey, rowKey)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 && t.backend.config.StrictDelete {
		return store.ErrNotFound
	}
	return nil
}

// Query streams rows from an open cursor as the caller ranges.
func (t *table) Query(ctx context.Context, partitionKey, rowKeyPrefix string) iter.Seq2[*store.Row, error] {
	return store.SingleUse(func(yield func(*store.Row, error) bool) {
		if partitionKey == "" {
			yield(nil, fmt.Errorf("%w: empty partition key", store.ErrInvalidArgument))
			return
		}
		if err := t.backend.ensure(ctx, t); err != nil {
			yield(nil, err)
			return
		}
		query := `SELECT rk, kind, key_version, version, attrs FROM ` + t.quoted + ` WHERE pk = ?`
		args := []any{partitionKey}
		if rowKeyPrefix != "" {
			query += ` AND substr(rk, 1, ?) = ?`
			args = append(args, utf8.RuneCountInString(rowKeyPrefix), rowKeyPrefix)
		}
		query += ` ORDER BY rk`

		rows, err := t.backend.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, mapError(err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			row := &store.Row{PartitionKey: partitionKey}
			var kind, attrs string
			if err := rows.Scan(&row.RowKey, &kind, &row.KeyVersion, &row.Version, &attrs); err != nil {
				yield(nil, mapError(err))
				return
			}
			row.Kind = store.Kind(kind)
			if err := decodeAttrs(attrs, row); err != nil {
				yield(nil, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, mapError(err))
		}
	})
}

func (t *table) Batch(ctx context.Context, partitionKey string, ops []store.Op) error {
	if err := store.ValidateBatch(partitionKey, ops, t.backend.config.MaxBatchSize); err != nil {
		return err
	}
	return t.inTx(ctx, ops)
}

// inTx checks every condition, then applies every op, inside one transaction.
func (t *table) inTx(ctx context.Context, ops []store.Op) (err error) {
	if err := t.backend.ensure(ctx, t); err != nil {
		return err
	}
	tx, err := t.backend.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, op := range ops {
		if err := t.checkCondition(ctx, tx, op); err != nil {
			return err
		}
	}
	for _, op := range ops {
		if err := t.apply(ctx, tx, op); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit tx: %w", err))
	}
	for _, op := range ops {
		if op.Type == store.OpPut {
			op.Row.Version++
		}
	}
	return nil
}

func (t *table) checkCondition(ctx context.Context, tx *sql.Tx, op store.Op) error {
	if op.Condition == store.Always {
		return nil
	}
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM `+t.quoted+` WHERE pk = ? AND rk = ?`,
		op.Row.PartitionKey, op.Row.RowKey,
	).Scan(&version)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return mapError(err)
	}
	switch {
	case op.Condition == store.IfAbsent && exists,
		op.Condition == store.IfVersion && op.Row.Version == 0 && exists:
		return fmt.Errorf("%w: %s/%s", store.ErrAlreadyExists, op.Row.PartitionKey, op.Row.RowKey)
	case op.Condition == store.IfVersion && op.Row.Version != 0 && (!exists || version != op.Row.Version):
		return fmt.Errorf("%w: %s/%s", store.ErrConcurrentModification, op.Row.PartitionKey, op.Row.RowKey)
	}
	return nil
}

func (t *table) apply(ctx context.Context, tx *sql.Tx, op store.Op) error {
	switch op.Type {
	case store.OpPut:
		attrs, err := encodeAttrs(op.Row)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+t.quoted+` (pk, rk, kind, key_version, version, attrs)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (pk, rk) DO UPDATE SET
			   kind = excluded.kind,
			   key_version = excluded.key_version,
			   version = excluded.version,
			   attrs = excluded.attrs`,
			op.Row.PartitionKey, op.Row.RowKey, string(op.Row.Kind), op.Row.KeyVersion, op.Row.Version+1, attrs,
		)
		if err != nil {
			return mapError(err)
		}
	case store.OpDelete:
		_, err := tx.ExecContext(ctx,
			`DELETE FROM `+t.quoted+` WHERE pk = ? AND rk = ?`, op.PartitionKey, op.RowKey)
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

func encodeAttrs(row *store.Row) (string, error) {
	if len(row.Attributes) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(row.Attributes)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(data), nil
}

func decodeAttrs(data string, row *store.Row) error {
	if data == "" || data == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), &row.Attributes); err != nil {
		return fmt.Errorf("decode attributes: %w", err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// mapError marks lock contention as transient.
func mapError(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		if code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED {
			return fmt.Errorf("%w: %w", store.ErrBackendUnavailable, err)
		}
	}
	return err
}
