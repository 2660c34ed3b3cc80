package store

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
)

// PartitionedStore is the only boundary to a physical wide-column backend.
// Implementations must be safe for concurrent use.
type PartitionedStore interface {
	// Get returns the row at (partitionKey, rowKey) or ErrNotFound.
	Get(ctx context.Context, partitionKey, rowKey string) (*Row, error)

	// Put inserts or replaces a row.
	Put(ctx context.Context, row *Row) error

	// Delete removes a row. Absent rows succeed unless the store was
	// configured with StrictDelete, in which case ErrNotFound is returned.
	Delete(ctx context.Context, partitionKey, rowKey string) error

	// Query lazily yields the rows of a partition whose row key starts with
	// rowKeyPrefix, in row-key order. The sequence may only be ranged once.
	Query(ctx context.Context, partitionKey, rowKeyPrefix string) iter.Seq2[*Row, error]

	// Batch applies ops atomically. Every op must target partitionKey.
	Batch(ctx context.Context, partitionKey string, ops []Op) error
}

// Backend hands out table handles by physical table name.
type Backend interface {
	Table(name string) PartitionedStore
}

// Collect drains a query sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[*Row, error]) ([]*Row, error) {
	var rows []*Row
	for row, err := range seq {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ValidateBatch checks the batch rules shared by every backend.
func ValidateBatch(partitionKey string, ops []Op, maxSize int) error {
	if partitionKey == "" {
		return fmt.Errorf("%w: empty partition key", ErrInvalidArgument)
	}
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidArgument)
	}
	if maxSize > 0 && len(ops) > maxSize {
		return fmt.Errorf("%w: %d ops, limit %d", ErrBatchTooLarge, len(ops), maxSize)
	}
	seen := make(map[string]struct{}, len(ops))
	for i, op := range ops {
		pk, rk := op.PartitionKey, op.RowKey
		switch op.Type {
		case OpPut, OpCheck:
			if op.Row == nil {
				return fmt.Errorf("%w: op %d: missing row", ErrInvalidArgument, i)
			}
			pk, rk = op.Row.PartitionKey, op.Row.RowKey
		case OpDelete:
			if op.Condition != Always {
				if op.Row == nil {
					return fmt.Errorf("%w: op %d: conditional delete without row", ErrInvalidArgument, i)
				}
				pk, rk = op.Row.PartitionKey, op.Row.RowKey
			}
		default:
			return fmt.Errorf("%w: op %d: unknown type %d", ErrInvalidArgument, i, op.Type)
		}
		if pk != partitionKey {
			return fmt.Errorf("%w: op %d targets %q, batch is %q", ErrPartitionMismatch, i, pk, partitionKey)
		}
		if rk == "" {
			return fmt.Errorf("%w: op %d: empty row key", ErrInvalidArgument, i)
		}
		if _, dup := seen[rk]; dup {
			return fmt.Errorf("%w: op %d: row %q appears twice", ErrInvalidArgument, i, rk)
		}
		seen[rk] = struct{}{}
	}
	return nil
}

// ValidateRow checks that a row can be written.
func ValidateRow(row *Row) error {
	if row == nil {
		return fmt.Errorf("%w: nil row", ErrInvalidArgument)
	}
	if row.PartitionKey == "" || row.RowKey == "" {
		return fmt.Errorf("%w: row needs partition and row key", ErrInvalidArgument)
	}
	return nil
}

// SingleUse wraps a sequence so that a second range yields ErrIteratorReused.
func SingleUse(seq iter.Seq2[*Row, error]) iter.Seq2[*Row, error] {
	var used atomic.Bool
	return func(yield func(*Row, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrIteratorReused)
			return
		}
		seq(yield)
	}
}

// ErrSeq returns a sequence that yields only err.
func ErrSeq(err error) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		yield(nil, err)
	}
}
