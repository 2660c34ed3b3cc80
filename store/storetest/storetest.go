// Package storetest holds the conformance suite every store.Backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jacentio/trellis-identity/store"
)

// Factory returns a fresh, empty backend configured with config.
type Factory func(t *testing.T, config store.Config) store.Backend

// Run executes the conformance suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, newBackend Factory)
	}{
		{"GetMissing", testGetMissing},
		{"PutGet", testPutGet},
		{"PutReplaces", testPutReplaces},
		{"PutIfAbsent", testPutIfAbsent},
		{"PutIfVersion", testPutIfVersion},
		{"DeleteLenient", testDeleteLenient},
		{"DeleteStrict", testDeleteStrict},
		{"QueryPrefix", testQueryPrefix},
		{"QueryEmptyPartition", testQueryEmptyPartition},
		{"QueryReuse", testQueryReuse},
		{"QueryEarlyBreak", testQueryEarlyBreak},
		{"BatchAtomic", testBatchAtomic},
		{"BatchRejectsMismatch", testBatchRejectsMismatch},
		{"BatchTooLarge", testBatchTooLarge},
		{"BatchAtLimit", testBatchAtLimit},
		{"BatchDuplicateRowKey", testBatchDuplicateRowKey},
		{"BatchCheck", testBatchCheck},
		{"BatchDeleteIfVersion", testBatchDeleteIfVersion},
		{"TablesAreIsolated", testTablesAreIsolated},
		{"InvalidKeys", testInvalidKeys},
		{"ConcurrentPutIfAbsent", testConcurrentPutIfAbsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend)
		})
	}
}

func config() store.Config {
	cfg := store.DefaultConfig()
	cfg.MaxBatchSize = 10
	return cfg
}

func row(pk, rk string, attrs ...string) *store.Row {
	r := &store.Row{PartitionKey: pk, RowKey: rk, Kind: store.KindClaim, KeyVersion: 2}
	for i := 0; i+1 < len(attrs); i += 2 {
		r.SetAttr(attrs[i], attrs[i+1])
	}
	return r
}

func collect(t *testing.T, ps store.PartitionedStore, pk, prefix string) []*store.Row {
	t.Helper()
	rows, err := store.Collect(ps.Query(context.Background(), pk, prefix))
	if err != nil {
		t.Fatalf("query %s/%s: %v", pk, prefix, err)
	}
	return rows
}

func testGetMissing(t *testing.T, newBackend Factory) {
	ps := newBackend(t, config()).Table("t")
	_, err := ps.Get(context.Background(), "p", "r")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testPutGet(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	in := row("p", "r", "claim_type", "role", "claim_value", "ädmin")
	in.Kind = store.KindLogin
	in.KeyVersion = 1
	if err := ps.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}
	if in.Version != 1 {
		t.Errorf("expected written-back version 1, got %d", in.Version)
	}

	got, err := ps.Get(ctx, "p", "r")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != store.KindLogin {
		t.Errorf("expected kind %q, got %q", store.KindLogin, got.Kind)
	}
	if got.KeyVersion != 1 {
		t.Errorf("expected key version 1, got %d", got.KeyVersion)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
	if got.Attr("claim_value") != "ädmin" {
		t.Errorf("expected claim_value 'ädmin', got %q", got.Attr("claim_value"))
	}
	if len(got.Attributes) != 2 {
		t.Errorf("expected 2 attributes, got %v", got.Attributes)
	}
}

func testPutReplaces(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	if err := ps.Put(ctx, row("p", "r", "a", "1", "b", "2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ps.Put(ctx, row("p", "r", "a", "3")); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := ps.Get(ctx, "p", "r")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attr("a") != "3" || got.Attr("b") != "" {
		t.Errorf("expected replaced attributes {a:3}, got %v", got.Attributes)
	}
}

func testPutIfAbsent(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	if err := ps.Batch(ctx, "p", []store.Op{store.PutIfAbsentOp(row("p", "r", "a", "1"))}); err != nil {
		t.Fatalf("first put-if-absent: %v", err)
	}
	err := ps.Batch(ctx, "p", []store.Op{store.PutIfAbsentOp(row("p", "r", "a", "2"))})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrAlreadyExists to match ErrConflict")
	}
	got, _ := ps.Get(ctx, "p", "r")
	if got.Attr("a") != "1" {
		t.Errorf("expected original value to survive, got %q", got.Attr("a"))
	}
}

func testPutIfVersion(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	r := row("p", "r", "a", "1")
	if err := ps.Put(ctx, r); err != nil {
		t.Fatalf("put: %v", err)
	}

	stale := r.Clone()
	r.SetAttr("a", "2")
	if err := ps.Batch(ctx, "p", []store.Op{store.PutIfVersionOp(r)}); err != nil {
		t.Fatalf("versioned put: %v", err)
	}
	if r.Version != 2 {
		t.Errorf("expected version 2 after update, got %d", r.Version)
	}

	stale.SetAttr("a", "stale")
	err := ps.Batch(ctx, "p", []store.Op{store.PutIfVersionOp(stale)})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}

	fresh := row("p", "new", "a", "1")
	if err := ps.Batch(ctx, "p", []store.Op{store.PutIfVersionOp(fresh)}); err != nil {
		t.Errorf("version 0 put of absent row: %v", err)
	}
	again := row("p", "new", "a", "2")
	if err := ps.Batch(ctx, "p", []store.Op{store.PutIfVersionOp(again)}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected conflict for version 0 put of existing row, got %v", err)
	}

	ghost := row("p", "ghost")
	ghost.Version = 3
	if err := ps.Batch(ctx, "p", []store.Op{store.PutIfVersionOp(ghost)}); !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification for missing row, got %v", err)
	}
}

func testDeleteLenient(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	if err := ps.Delete(ctx, "p", "missing"); err != nil {
		t.Errorf("expected lenient delete of missing row to succeed, got %v", err)
	}
	if err := ps.Put(ctx, row("p", "r")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ps.Delete(ctx, "p", "r"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ps.Get(ctx, "p", "r"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected row gone, got %v", err)
	}
}

func testDeleteStrict(t *testing.T, newBackend Factory) {
	cfg := config()
	cfg.StrictDelete = true
	ps := newBackend(t, cfg).Table("t")

	err := ps.Delete(context.Background(), "p", "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound from strict delete, got %v", err)
	}
}

func testQueryPrefix(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	for _, rk := range []string{"U_1", "C_b", "C_a", "L_x", "CX"} {
		if err := ps.Put(ctx, row("p", rk)); err != nil {
			t.Fatalf("put %s: %v", rk, err)
		}
	}
	if err := ps.Put(ctx, row("other", "C_z")); err != nil {
		t.Fatalf("put: %v", err)
	}

	rows := collect(t, ps, "p", "C_")
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].RowKey != "C_a" || rows[1].RowKey != "C_b" {
		t.Errorf("expected [C_a C_b], got [%s %s]", rows[0].RowKey, rows[1].RowKey)
	}

	all := collect(t, ps, "p", "")
	if len(all) != 5 {
		t.Errorf("expected 5 rows in partition, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].RowKey >= all[i].RowKey {
			t.Errorf("rows out of order: %q before %q", all[i-1].RowKey, all[i].RowKey)
		}
	}
}

func testQueryEmptyPartition(t *testing.T, newBackend Factory) {
	ps := newBackend(t, config()).Table("t")
	if rows := collect(t, ps, "nothing", ""); len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}

func testQueryReuse(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")
	if err := ps.Put(ctx, row("p", "r")); err != nil {
		t.Fatalf("put: %v", err)
	}

	seq := ps.Query(ctx, "p", "")
	if _, err := store.Collect(seq); err != nil {
		t.Fatalf("first range: %v", err)
	}
	_, err := store.Collect(seq)
	if !errors.Is(err, store.ErrIteratorReused) {
		t.Errorf("expected ErrIteratorReused, got %v", err)
	}
}

func testQueryEarlyBreak(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")
	for i := range 3 {
		if err := ps.Put(ctx, row("p", fmt.Sprintf("r%d", i))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	n := 0
	for _, err := range ps.Query(ctx, "p", "") {
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		n++
		break
	}
	if n != 1 {
		t.Errorf("expected to stop after 1 row, got %d", n)
	}
	// The store stays usable after an abandoned query.
	if _, err := ps.Get(ctx, "p", "r2"); err != nil {
		t.Errorf("get after early break: %v", err)
	}
}

func testBatchAtomic(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	if err := ps.Put(ctx, row("p", "taken")); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := ps.Batch(ctx, "p", []store.Op{
		store.PutOp(row("p", "a")),
		store.DeleteOp("p", "other"),
		store.PutIfAbsentOp(row("p", "taken")),
	})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := ps.Get(ctx, "p", "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no partial write of 'a', got %v", err)
	}
	if _, err := ps.Get(ctx, "p", "taken"); err != nil {
		t.Errorf("expected 'taken' to survive failed batch, got %v", err)
	}

	err = ps.Batch(ctx, "p", []store.Op{
		store.PutOp(row("p", "a")),
		store.PutOp(row("p", "b")),
		store.DeleteOp("p", "taken"),
		store.DeleteOp("p", "never-existed"),
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	rows := collect(t, ps, "p", "")
	if len(rows) != 2 {
		t.Errorf("expected 2 rows after batch, got %d", len(rows))
	}
}

func testBatchRejectsMismatch(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	err := ps.Batch(ctx, "p", []store.Op{
		store.PutOp(row("p", "a")),
		store.PutOp(row("q", "b")),
	})
	if !errors.Is(err, store.ErrPartitionMismatch) {
		t.Fatalf("expected ErrPartitionMismatch, got %v", err)
	}
	if rows := collect(t, ps, "p", ""); len(rows) != 0 {
		t.Errorf("expected nothing written, got %d rows", len(rows))
	}
	if err := ps.Batch(ctx, "p", []store.Op{store.DeleteOp("q", "b")}); !errors.Is(err, store.ErrPartitionMismatch) {
		t.Errorf("expected ErrPartitionMismatch for delete, got %v", err)
	}
}

func testBatchTooLarge(t *testing.T, newBackend Factory) {
	cfg := config()
	ps := newBackend(t, cfg).Table("t")

	ops := make([]store.Op, cfg.MaxBatchSize+1)
	for i := range ops {
		ops[i] = store.PutOp(row("p", fmt.Sprintf("r%03d", i)))
	}
	err := ps.Batch(context.Background(), "p", ops)
	if !errors.Is(err, store.ErrBatchTooLarge) {
		t.Errorf("expected ErrBatchTooLarge, got %v", err)
	}
	if err := ps.Batch(context.Background(), "p", nil); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty batch, got %v", err)
	}
}

func testBatchAtLimit(t *testing.T, newBackend Factory) {
	cfg := config()
	ps := newBackend(t, cfg).Table("t")

	ops := make([]store.Op, cfg.MaxBatchSize)
	for i := range ops {
		ops[i] = store.PutOp(row("p", fmt.Sprintf("r%03d", i)))
	}
	if err := ps.Batch(context.Background(), "p", ops); err != nil {
		t.Fatalf("batch at limit: %v", err)
	}
	if rows := collect(t, ps, "p", ""); len(rows) != cfg.MaxBatchSize {
		t.Errorf("expected %d rows, got %d", cfg.MaxBatchSize, len(rows))
	}
}

func testBatchDuplicateRowKey(t *testing.T, newBackend Factory) {
	ps := newBackend(t, config()).Table("t")
	err := ps.Batch(context.Background(), "p", []store.Op{
		store.PutOp(row("p", "a")),
		store.DeleteOp("p", "a"),
	})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func testBatchCheck(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	owner := row("p", "owner")
	if err := ps.Put(ctx, owner); err != nil {
		t.Fatalf("put: %v", err)
	}
	guard := owner.Clone()
	if err := ps.Batch(ctx, "p", []store.Op{store.CheckOp(guard), store.PutOp(row("p", "a"))}); err != nil {
		t.Fatalf("batch with current version: %v", err)
	}
	if guard.Version != owner.Version {
		t.Errorf("check must not bump version: got %d, want %d", guard.Version, owner.Version)
	}
	got, err := ps.Get(ctx, "p", "owner")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != owner.Version {
		t.Errorf("check must not write: stored version %d, want %d", got.Version, owner.Version)
	}

	if err := ps.Put(ctx, owner); err != nil {
		t.Fatalf("put: %v", err)
	}
	err = ps.Batch(ctx, "p", []store.Op{store.CheckOp(guard), store.PutOp(row("p", "b"))})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if _, err := ps.Get(ctx, "p", "b"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no write after failed check, got %v", err)
	}

	missing := row("p", "missing")
	missing.Version = 3
	err = ps.Batch(ctx, "p", []store.Op{store.CheckOp(missing), store.PutOp(row("p", "c"))})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification for missing row, got %v", err)
	}
}

func testBatchDeleteIfVersion(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	owner := row("p", "owner")
	if err := ps.Put(ctx, owner); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ps.Put(ctx, row("p", "dep")); err != nil {
		t.Fatalf("put: %v", err)
	}
	stale := owner.Clone()
	if err := ps.Put(ctx, owner); err != nil {
		t.Fatalf("put: %v", err)
	}

	err := ps.Batch(ctx, "p", []store.Op{store.DeleteOp("p", "dep"), store.DeleteIfVersionOp(stale)})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification for stale delete, got %v", err)
	}
	if _, err := ps.Get(ctx, "p", "dep"); err != nil {
		t.Errorf("expected dependent to survive failed batch, got %v", err)
	}

	if err := ps.Batch(ctx, "p", []store.Op{store.DeleteOp("p", "dep"), store.DeleteIfVersionOp(owner)}); err != nil {
		t.Fatalf("batch with current version: %v", err)
	}
	if got := collect(t, ps, "p", ""); len(got) != 0 {
		t.Errorf("expected empty partition, got %d rows", len(got))
	}

	err = ps.Batch(ctx, "p", []store.Op{store.DeleteIfVersionOp(owner)})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification for deleted row, got %v", err)
	}
}

func testTablesAreIsolated(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	b := newBackend(t, config())
	if err := b.Table("one").Put(ctx, row("p", "r")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := b.Table("two").Get(ctx, "p", "r"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound in other table, got %v", err)
	}
	if _, err := b.Table("one").Get(ctx, "p", "r"); err != nil {
		t.Errorf("expected row through a second handle, got %v", err)
	}
}

func testInvalidKeys(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	if _, err := ps.Get(ctx, "", "r"); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("get: expected ErrInvalidArgument, got %v", err)
	}
	if err := ps.Put(ctx, row("p", "")); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("put: expected ErrInvalidArgument, got %v", err)
	}
	if err := ps.Delete(ctx, "p", ""); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("delete: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := store.Collect(ps.Query(ctx, "", "")); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("query: expected ErrInvalidArgument, got %v", err)
	}
}

func testConcurrentPutIfAbsent(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	ps := newBackend(t, config()).Table("t")

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ps.Batch(ctx, "p", []store.Op{store.PutIfAbsentOp(row("p", "r", "writer", fmt.Sprint(i)))})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			case errors.Is(err, store.ErrBackendUnavailable):
				// Lock contention is an acceptable outcome for a loser.
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Errorf("expected exactly 1 winner, got %d", successes)
	}
	if successes+conflicts != writers {
		t.Errorf("expected %d outcomes, got %d", writers, successes+conflicts)
	}
}
