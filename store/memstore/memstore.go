// Package memstore provides an in-memory store.Backend with fault injection.
//
// It honors the full PartitionedStore contract (conditions, batch limits,
// strict deletes, single-use queries) and is meant for tests and local tools.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/jacentio/trellis-identity/store"
)

// Operation names passed to a FaultFunc.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpQuery  = "query"
	OpBatch  = "batch"
)

// FaultFunc is consulted before every operation. A non-nil error aborts the
// operation without side effects and is returned to the caller.
type FaultFunc func(table, op, partitionKey string) error

// Backend is an in-memory store.Backend.
type Backend struct {
	config store.Config

	mu     sync.Mutex
	tables map[string]*Table
	fault  FaultFunc
}

// New creates an empty backend. StrictDelete and MaxBatchSize are taken from config.
func New(config store.Config) *Backend {
	if config.MaxBatchSize < 1 {
		config.MaxBatchSize = store.DynamoMaxBatchSize
	}
	return &Backend{
		config: config,
		tables: make(map[string]*Table),
	}
}

// Table returns the named table, creating it on first use.
func (b *Backend) Table(name string) store.PartitionedStore {
	return b.table(name)
}

// Inspect returns the named table for direct assertions in tests.
func (b *Backend) Inspect(name string) *Table {
	return b.table(name)
}

func (b *Backend) table(name string) *Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[name]
	if !ok {
		t = &Table{
			name:       name,
			backend:    b,
			partitions: make(map[string]map[string]*store.Row),
		}
		b.tables[name] = t
	}
	return t
}

// SetFault installs f for every table. Pass nil to clear it.
func (b *Backend) SetFault(f FaultFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = f
}

func (b *Backend) check(table, op, partitionKey string) error {
	b.mu.Lock()
	f := b.fault
	b.mu.Unlock()
	if f == nil {
		return nil
	}
	return f(table, op, partitionKey)
}

// Table is one in-memory table.
type Table struct {
	name    string
	backend *Backend

	mu         sync.RWMutex
	partitions map[string]map[string]*store.Row
}

// Len returns the number of rows in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.partitions {
		n += len(p)
	}
	return n
}

// Partition returns copies of the rows in a partition, sorted by row key.
func (t *Table) Partition(partitionKey string) []*store.Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot(partitionKey, "")
}

func (t *Table) snapshot(partitionKey, prefix string) []*store.Row {
	p := t.partitions[partitionKey]
	keys := make([]string, 0, len(p))
	for rk := range p {
		if strings.HasPrefix(rk, prefix) {
			keys = append(keys, rk)
		}
	}
	slices.Sort(keys)
	rows := make([]*store.Row, 0, len(keys))
	for _, rk := range keys {
		rows = append(rows, p[rk].Clone())
	}
	return rows
}

func (t *Table) Get(ctx context.Context, partitionKey, rowKey string) (*store.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if partitionKey == "" || rowKey == "" {
		return nil, fmt.Errorf("%w: empty key", store.ErrInvalidArgument)
	}
	if err := t.backend.check(t.name, OpGet, partitionKey); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.partitions[partitionKey][rowKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return row.Clone(), nil
}

func (t *Table) Put(ctx context.Context, row *store.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateRow(row); err != nil {
		return err
	}
	if err := t.backend.check(t.name, OpPut, row.PartitionKey); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	op := store.PutOp(row)
	if err := t.checkCondition(op); err != nil {
		return err
	}
	t.apply(op)
	return nil
}

func (t *Table) Delete(ctx context.Context, partitionKey, rowKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if partitionKey == "" || rowKey == "" {
		return fmt.Errorf("%w: empty key", store.ErrInvalidArgument)
	}
	if err := t.backend.check(t.name, OpDelete, partitionKey); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.partitions[partitionKey][rowKey]; !ok && t.backend.config.StrictDelete {
		return store.ErrNotFound
	}
	t.apply(store.DeleteOp(partitionKey, rowKey))
	return nil
}

// Query snapshots matching row keys on the first range and yields copies.
func (t *Table) Query(ctx context.Context, partitionKey, rowKeyPrefix string) iter.Seq2[*store.Row, error] {
	return store.SingleUse(func(yield func(*store.Row, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		if partitionKey == "" {
			yield(nil, fmt.Errorf("%w: empty partition key", store.ErrInvalidArgument))
			return
		}
		if err := t.backend.check(t.name, OpQuery, partitionKey); err != nil {
			yield(nil, err)
			return
		}
		t.mu.RLock()
		rows := t.snapshot(partitionKey, rowKeyPrefix)
		t.mu.RUnlock()
		for _, row := range rows {
			if !yield(row, nil) {
				return
			}
		}
	})
}

func (t *Table) Batch(ctx context.Context, partitionKey string, ops []store.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateBatch(partitionKey, ops, t.backend.config.MaxBatchSize); err != nil {
		return err
	}
	if err := t.backend.check(t.name, OpBatch, partitionKey); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, op := range ops {
		if err := t.checkCondition(op); err != nil {
			return err
		}
	}
	for _, op := range ops {
		t.apply(op)
	}
	return nil
}

// checkCondition must be called with t.mu held.
func (t *Table) checkCondition(op store.Op) error {
	if op.Condition == store.Always {
		return nil
	}
	existing, exists := t.partitions[op.Row.PartitionKey][op.Row.RowKey]
	switch {
	case op.Condition == store.IfAbsent && exists,
		op.Condition == store.IfVersion && op.Row.Version == 0 && exists:
		return fmt.Errorf("%w: %s/%s", store.ErrAlreadyExists, op.Row.PartitionKey, op.Row.RowKey)
	case op.Condition == store.IfVersion && op.Row.Version != 0 && (!exists || existing.Version != op.Row.Version):
		return fmt.Errorf("%w: %s/%s", store.ErrConcurrentModification, op.Row.PartitionKey, op.Row.RowKey)
	}
	return nil
}

// apply must be called with t.mu held.
func (t *Table) apply(op store.Op) {
	switch op.Type {
	case store.OpPut:
		stored := op.Row.Clone()
		stored.Version = op.Row.Version + 1
		p, ok := t.partitions[stored.PartitionKey]
		if !ok {
			p = make(map[string]*store.Row)
			t.partitions[stored.PartitionKey] = p
		}
		p[stored.RowKey] = stored
		op.Row.Version = stored.Version
	case store.OpDelete:
		p := t.partitions[op.PartitionKey]
		delete(p, op.RowKey)
		if len(p) == 0 {
			delete(t.partitions, op.PartitionKey)
		}
	}
}
