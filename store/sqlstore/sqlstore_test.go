package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jacentio/trellis-identity/store"
	"github.com/jacentio/trellis-identity/store/sqlstore"
	"github.com/jacentio/trellis-identity/store/storetest"
)

func open(t *testing.T, dsn string, config store.Config) *sqlstore.Backend {
	t.Helper()
	b, err := sqlstore.Open(dsn, config)
	if err != nil {
		t.Fatalf("open %s: %v", dsn, err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, config store.Config) store.Backend {
		return open(t, sqlstore.MemoryDSN, config)
	})
}

func TestPersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "identity.db")

	b, err := sqlstore.Open(dsn, store.DefaultConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	row := &store.Row{PartitionKey: "U_1", RowKey: "U_1", Kind: store.KindUser, KeyVersion: 2}
	row.SetAttr("username", "alice")
	if err := b.Table("users").Put(ctx, row); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b = open(t, dsn, store.DefaultConfig())
	got, err := b.Table("users").Get(ctx, "U_1", "U_1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Attr("username") != "alice" {
		t.Errorf("expected username 'alice', got %q", got.Attr("username"))
	}
	if got.Kind != store.KindUser {
		t.Errorf("expected kind user, got %q", got.Kind)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := sqlstore.Open("  ", store.DefaultConfig()); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestQuotedTableNames(t *testing.T) {
	ctx := context.Background()
	b := open(t, sqlstore.MemoryDSN, store.DefaultConfig())
	ps := b.Table(`prod"index`)
	if err := ps.Put(ctx, &store.Row{PartitionKey: "p", RowKey: "r"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := ps.Get(ctx, "p", "r"); err != nil {
		t.Errorf("get: %v", err)
	}
}

func TestUnicodePrefix(t *testing.T) {
	ctx := context.Background()
	ps := open(t, sqlstore.MemoryDSN, store.DefaultConfig()).Table("t")
	for _, rk := range []string{"Ü_1", "Ü_2", "U_3"} {
		if err := ps.Put(ctx, &store.Row{PartitionKey: "p", RowKey: rk}); err != nil {
			t.Fatalf("put %s: %v", rk, err)
		}
	}
	rows, err := store.Collect(ps.Query(ctx, "p", "Ü_"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(rows))
	}
}
