package store

import "maps"

// Kind tags a row with the entity it stores.
type Kind string

const (
	KindUser           Kind = "user"
	KindClaim          Kind = "claim"
	KindLogin          Kind = "login"
	KindRoleMembership Kind = "role_membership"
	KindRole           Kind = "role"
	KindIndex          Kind = "index"
)

// Row is one record in a partitioned table.
type Row struct {
	// PartitionKey scopes atomic batches and range queries.
	PartitionKey string

	// RowKey identifies the row within its partition.
	RowKey string

	// Kind is the entity tag.
	Kind Kind

	// KeyVersion is the key-scheme version the keys were derived with.
	KeyVersion int

	// Version is the optimistic lock version. A successful put stores
	// Version+1 and writes it back into the Row, so a freshly built row
	// lands at 1 and a read-modify-write keeps counting up. IfVersion
	// compares the stored version against Version before writing.
	Version int64

	// Attributes holds the entity fields.
	Attributes map[string]string
}

// Attr returns the named attribute or "".
func (r *Row) Attr(name string) string {
	if r == nil || r.Attributes == nil {
		return ""
	}
	return r.Attributes[name]
}

// SetAttr sets an attribute, allocating the map if needed.
// An empty value removes the attribute.
func (r *Row) SetAttr(name, value string) {
	if value == "" {
		delete(r.Attributes, name)
		return
	}
	if r.Attributes == nil {
		r.Attributes = make(map[string]string)
	}
	r.Attributes[name] = value
}

// Clone returns a deep copy of the row.
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	c := *r
	c.Attributes = maps.Clone(r.Attributes)
	return &c
}

// OpType distinguishes batch operations.
type OpType int

const (
	OpPut OpType = iota + 1
	OpDelete

	// OpCheck asserts a row's version without writing it.
	OpCheck
)

// Condition guards a put or a delete.
type Condition int

const (
	// Always writes unconditionally (insert-or-replace).
	Always Condition = iota

	// IfAbsent writes only if no row exists at the key; fails with ErrAlreadyExists.
	IfAbsent

	// IfVersion writes only if the stored version equals Row.Version;
	// fails with ErrConcurrentModification.
	IfVersion
)

// Op is a single operation inside a Batch.
type Op struct {
	Type      OpType
	Row       *Row
	Condition Condition

	// PartitionKey and RowKey address deletes. For puts they mirror Row.
	PartitionKey string
	RowKey       string
}

// PutOp returns an unconditional put.
func PutOp(row *Row) Op {
	return Op{Type: OpPut, Row: row, PartitionKey: row.PartitionKey, RowKey: row.RowKey}
}

// PutIfAbsentOp returns a put that fails if the row already exists.
func PutIfAbsentOp(row *Row) Op {
	op := PutOp(row)
	op.Condition = IfAbsent
	return op
}

// PutIfVersionOp returns a put that fails unless the stored version matches row.Version.
func PutIfVersionOp(row *Row) Op {
	op := PutOp(row)
	op.Condition = IfVersion
	return op
}

// CheckOp returns an op that fails the batch with ErrConcurrentModification
// unless the stored version of row equals row.Version. Nothing is written.
func CheckOp(row *Row) Op {
	return Op{Type: OpCheck, Row: row, Condition: IfVersion, PartitionKey: row.PartitionKey, RowKey: row.RowKey}
}

// DeleteOp returns a delete. Deletes inside a batch never fail on absent rows.
func DeleteOp(partitionKey, rowKey string) Op {
	return Op{Type: OpDelete, PartitionKey: partitionKey, RowKey: rowKey}
}

// DeleteIfVersionOp returns a delete that fails the batch with
// ErrConcurrentModification unless the stored version of row equals
// row.Version.
func DeleteIfVersionOp(row *Row) Op {
	return Op{Type: OpDelete, Row: row, Condition: IfVersion, PartitionKey: row.PartitionKey, RowKey: row.RowKey}
}
