// Package store provides the partitioned key-value layer the identity tables
// are built on.
//
// Every table is addressed by a partition key and a row key. Rows that share
// a partition can be written together in one atomic [PartitionedStore.Batch],
// which is how a user and its claims, logins and role memberships stay
// consistent. Three backends implement [Backend]: [Dynamo] (DynamoDB,
// TransactWriteItems), memstore (in-process, used by tests) and sqlstore
// (SQLite).
//
// # Key Features
//
//   - Atomic single-partition batches of up to [DynamoMaxBatchSize] ops
//   - Optimistic locking with a version field on every row
//   - Version checks that write nothing ([CheckOp])
//   - Version-checked deletes ([DeleteIfVersionOp])
//   - Lazy, single-use range queries by row key prefix
//   - Retry of transient failures with exponential backoff ([WithRetry])
//
// # Rows and Versions
//
// A successful put stores Row.Version+1 and writes it back into the Row:
//
//	row := &store.Row{PartitionKey: "U_1", RowKey: "C_1", Kind: store.KindClaim}
//	err := users.Batch(ctx, "U_1", []store.Op{
//	    store.CheckOp(owner),       // owner must still be at owner.Version
//	    store.PutIfAbsentOp(row),   // row.Version becomes 1
//	})
//
// # Configuration
//
// Use [DefaultConfig] and [Open] to get a [Session] over the users, roles and
// index tables. TablePrefix separates environments sharing an account:
//
//	cfg := store.DefaultConfig()
//	cfg.TablePrefix = "dev-"
//	session := store.Open(store.NewDynamo(client, cfg), cfg)
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrNotFound] - row doesn't exist
//   - [ErrAlreadyExists] - put-if-absent found a row; matches [ErrConflict]
//   - [ErrConcurrentModification] - optimistic lock failed
//   - [ErrBackendUnavailable] - transient failure, safe to retry
//   - [ErrPartitionMismatch] - batch op outside the batch partition
//   - [ErrBatchTooLarge] - batch over the backend limit
//   - [ErrIteratorReused] - query sequence ranged twice
//   - [ErrClosed] - table used after its session closed
package store
