package store_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/trellis-identity/store"
	"github.com/jacentio/trellis-identity/store/memstore"
)

func TestDefaultConfig(t *testing.T) {
	cfg := store.DefaultConfig()

	if cfg.UsersTableName() != "users" {
		t.Errorf("expected users table 'users', got %q", cfg.UsersTableName())
	}
	if cfg.RolesTableName() != "roles" {
		t.Errorf("expected roles table 'roles', got %q", cfg.RolesTableName())
	}
	if cfg.IndexTableName() != "index" {
		t.Errorf("expected index table 'index', got %q", cfg.IndexTableName())
	}
	if cfg.MaxBatchSize != store.DynamoMaxBatchSize {
		t.Errorf("expected MaxBatchSize %d, got %d", store.DynamoMaxBatchSize, cfg.MaxBatchSize)
	}
	if cfg.StrictDelete {
		t.Error("expected lenient deletes by default")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	if !errors.Is(store.ErrAlreadyExists, store.ErrConflict) {
		t.Error("expected ErrAlreadyExists to match ErrConflict")
	}
	if errors.Is(store.ErrConflict, store.ErrAlreadyExists) {
		t.Error("ErrConflict must not match ErrAlreadyExists")
	}
	if !store.IsTransient(errors.Join(errors.New("x"), store.ErrBackendUnavailable)) {
		t.Error("expected wrapped ErrBackendUnavailable to be transient")
	}
	if store.IsTransient(store.ErrConcurrentModification) {
		t.Error("ErrConcurrentModification is not transient")
	}
}

func TestRowHelpers(t *testing.T) {
	var nilRow *store.Row
	if nilRow.Attr("x") != "" {
		t.Error("expected empty attribute on nil row")
	}

	row := &store.Row{PartitionKey: "p", RowKey: "r"}
	row.SetAttr("a", "1")
	row.SetAttr("b", "")
	if row.Attr("a") != "1" {
		t.Errorf("expected a=1, got %q", row.Attr("a"))
	}
	if _, ok := row.Attributes["b"]; ok {
		t.Error("expected empty value not to be stored")
	}

	c := row.Clone()
	c.SetAttr("a", "2")
	if row.Attr("a") != "1" {
		t.Error("expected clone to be independent of the original")
	}
	row.SetAttr("a", "")
	if row.Attr("a") != "" {
		t.Error("expected empty value to remove the attribute")
	}
}

func TestValidateBatch(t *testing.T) {
	put := store.PutOp(&store.Row{PartitionKey: "p", RowKey: "a"})
	tests := []struct {
		name    string
		pk      string
		ops     []store.Op
		max     int
		wantErr error
	}{
		{"Valid", "p", []store.Op{put, store.DeleteOp("p", "b")}, 10, nil},
		{"Check", "p", []store.Op{store.CheckOp(&store.Row{PartitionKey: "p", RowKey: "p"}), put}, 10, nil},
		{"EmptyPartition", "", []store.Op{put}, 10, store.ErrInvalidArgument},
		{"Empty", "p", nil, 10, store.ErrInvalidArgument},
		{"TooLarge", "p", []store.Op{put, store.DeleteOp("p", "b")}, 1, store.ErrBatchTooLarge},
		{"Unlimited", "p", []store.Op{put, store.DeleteOp("p", "b")}, 0, nil},
		{"Mismatch", "p", []store.Op{store.DeleteOp("q", "b")}, 10, store.ErrPartitionMismatch},
		{"CheckMismatch", "p", []store.Op{store.CheckOp(&store.Row{PartitionKey: "q", RowKey: "q"})}, 10, store.ErrPartitionMismatch},
		{"CheckWithoutRow", "p", []store.Op{{Type: store.OpCheck, PartitionKey: "p", RowKey: "p"}}, 10, store.ErrInvalidArgument},
		{"PutWithoutRow", "p", []store.Op{{Type: store.OpPut, PartitionKey: "p", RowKey: "a"}}, 10, store.ErrInvalidArgument},
		{"EmptyRowKey", "p", []store.Op{store.DeleteOp("p", "")}, 10, store.ErrInvalidArgument},
		{"Duplicate", "p", []store.Op{put, store.DeleteOp("p", "a")}, 10, store.ErrInvalidArgument},
		{"DeleteIfVersion", "p", []store.Op{store.DeleteIfVersionOp(&store.Row{PartitionKey: "p", RowKey: "p", Version: 2}), put}, 10, nil},
		{"DeleteIfVersionMismatch", "p", []store.Op{store.DeleteIfVersionOp(&store.Row{PartitionKey: "q", RowKey: "q"})}, 10, store.ErrPartitionMismatch},
		{"ConditionalDeleteWithoutRow", "p", []store.Op{{Type: store.OpDelete, Condition: store.IfVersion, PartitionKey: "p", RowKey: "p"}}, 10, store.ErrInvalidArgument},
		{"UnknownType", "p", []store.Op{{Type: 99, PartitionKey: "p", RowKey: "a"}}, 10, store.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateBatch(tt.pk, tt.ops, tt.max)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func rows(rs ...*store.Row) iter.Seq2[*store.Row, error] {
	return func(yield func(*store.Row, error) bool) {
		for _, r := range rs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func TestSingleUse(t *testing.T) {
	seq := store.SingleUse(rows(&store.Row{RowKey: "a"}, &store.Row{RowKey: "b"}))
	got, err := store.Collect(seq)
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d (%v)", len(got), err)
	}
	if _, err := store.Collect(seq); !errors.Is(err, store.ErrIteratorReused) {
		t.Errorf("expected ErrIteratorReused, got %v", err)
	}
}

func TestCollect_Error(t *testing.T) {
	if _, err := store.Collect(store.ErrSeq(store.ErrClosed)); !errors.Is(err, store.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// --- Session Tests ---

func TestSession_Tables(t *testing.T) {
	ctx := context.Background()
	cfg := store.DefaultConfig()
	cfg.TablePrefix = "test-"
	backend := memstore.New(cfg)
	s := store.Open(backend, cfg)

	if err := s.Users().Put(ctx, &store.Row{PartitionKey: "U_1", RowKey: "U_1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if backend.Inspect("test-users").Len() != 1 {
		t.Error("expected the row in the prefixed users table")
	}
	if _, err := s.Roles().Get(ctx, "U_1", "U_1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected roles table to be separate, got %v", err)
	}
}

func TestSession_Closed(t *testing.T) {
	ctx := context.Background()
	cfg := store.DefaultConfig()
	s := store.Open(memstore.New(cfg), cfg)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if !s.Closed() {
		t.Error("expected session to report closed")
	}

	row := &store.Row{PartitionKey: "p", RowKey: "r"}
	checks := map[string]error{
		"Get": func() error { _, err := s.Users().Get(ctx, "p", "r"); return err }(),
		"Put": s.Roles().Put(ctx, row),
		"Delete": s.Index().Delete(ctx, "p", "r"),
		"Batch": s.Users().Batch(ctx, "p", []store.Op{store.PutOp(row)}),
		"Query": func() error { _, err := store.Collect(s.Users().Query(ctx, "p", "")); return err }(),
	}
	for name, err := range checks {
		if !errors.Is(err, store.ErrClosed) {
			t.Errorf("%s: expected ErrClosed, got %v", name, err)
		}
	}
}

// --- Retry Tests ---

// flaky fails the first n calls of every operation with err.
type flaky struct {
	store.PartitionedStore
	n     int
	err   error
	calls int
}

func (f *flaky) fail() error {
	f.calls++
	if f.calls <= f.n {
		return f.err
	}
	return nil
}

func (f *flaky) Get(ctx context.Context, partitionKey, rowKey string) (*store.Row, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.PartitionedStore.Get(ctx, partitionKey, rowKey)
}

func (f *flaky) Batch(ctx context.Context, partitionKey string, ops []store.Op) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.PartitionedStore.Batch(ctx, partitionKey, ops)
}

func (f *flaky) Query(ctx context.Context, partitionKey, rowKeyPrefix string) iter.Seq2[*store.Row, error] {
	if err := f.fail(); err != nil {
		return store.ErrSeq(err)
	}
	return f.PartitionedStore.Query(ctx, partitionKey, rowKeyPrefix)
}

func fastPolicy(attempts int) store.RetryPolicy {
	return store.RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func newFlaky(t *testing.T, n int, err error) *flaky {
	t.Helper()
	tbl := memstore.New(store.DefaultConfig()).Table("t")
	if err := tbl.Put(context.Background(), &store.Row{PartitionKey: "p", RowKey: "r"}); err != nil {
		t.Fatal(err)
	}
	return &flaky{PartitionedStore: tbl, n: n, err: err}
}

func TestWithRetry_RecoversTransient(t *testing.T) {
	f := newFlaky(t, 2, store.ErrBackendUnavailable)
	ps := store.WithRetry(f, fastPolicy(3))

	if _, err := ps.Get(context.Background(), "p", "r"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if f.calls != 3 {
		t.Errorf("expected 3 calls, got %d", f.calls)
	}
}

func TestWithRetry_GivesUp(t *testing.T) {
	f := newFlaky(t, 10, store.ErrBackendUnavailable)
	ps := store.WithRetry(f, fastPolicy(3))

	err := ps.Batch(context.Background(), "p", []store.Op{store.DeleteOp("p", "r")})
	if !errors.Is(err, store.ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
	if f.calls != 3 {
		t.Errorf("expected 3 calls, got %d", f.calls)
	}
}

func TestWithRetry_PermanentErrorNotRetried(t *testing.T) {
	f := newFlaky(t, 10, store.ErrConcurrentModification)
	ps := store.WithRetry(f, fastPolicy(3))

	if _, err := ps.Get(context.Background(), "p", "r"); !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
	if f.calls != 1 {
		t.Errorf("expected a single call, got %d", f.calls)
	}
}

func TestWithRetry_QueryRestarts(t *testing.T) {
	f := newFlaky(t, 1, store.ErrBackendUnavailable)
	ps := store.WithRetry(f, fastPolicy(2))

	got, err := store.Collect(ps.Query(context.Background(), "p", ""))
	if err != nil {
		t.Fatalf("expected query to recover, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 row, got %d", len(got))
	}
}

func TestWithRetry_SingleAttemptIsPassThrough(t *testing.T) {
	f := newFlaky(t, 0, nil)
	if ps := store.WithRetry(f, fastPolicy(1)); ps != store.PartitionedStore(f) {
		t.Error("expected the store to be returned undecorated")
	}
}

func TestRetryPolicy_DoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := store.RetryPolicy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: time.Second}.
		Do(ctx, func(context.Context) error {
			calls++
			return store.ErrBackendUnavailable
		})
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls > 1 {
		t.Errorf("expected no retries after cancellation, got %d calls", calls)
	}
}

// --- Dynamo Tests ---

type fakeDynamo struct {
	getOut   *dynamodb.GetItemOutput
	pages    []*dynamodb.QueryOutput
	queries  []*dynamodb.QueryInput
	put      *dynamodb.PutItemInput
	del      *dynamodb.DeleteItemInput
	transact *dynamodb.TransactWriteItemsInput
	err      error
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.getOut == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getOut, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.put = in
	return &dynamodb.PutItemOutput{}, f.err
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.del = in
	return &dynamodb.DeleteItemOutput{}, f.err
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.transact = in
	return &dynamodb.TransactWriteItemsOutput{}, f.err
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	if f.err != nil {
		return nil, f.err
	}
	i := len(f.queries) - 1
	if i >= len(f.pages) {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.pages[i], nil
}

func item(pk, rk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk":      &types.AttributeValueMemberS{Value: pk},
		"rk":      &types.AttributeValueMemberS{Value: rk},
		"kind":    &types.AttributeValueMemberS{Value: "claim"},
		"version": &types.AttributeValueMemberN{Value: "1"},
	}
}

func TestDynamo_GetMissing(t *testing.T) {
	tbl := store.NewDynamo(&fakeDynamo{}, store.DefaultConfig()).Table("users")
	if _, err := tbl.Get(context.Background(), "p", "r"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDynamo_GetTransientError(t *testing.T) {
	tbl := store.NewDynamo(&fakeDynamo{err: &types.InternalServerError{}}, store.DefaultConfig()).Table("users")
	if _, err := tbl.Get(context.Background(), "p", "r"); !errors.Is(err, store.ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestDynamo_PutBumpsVersion(t *testing.T) {
	f := &fakeDynamo{}
	tbl := store.NewDynamo(f, store.DefaultConfig()).Table("users")
	row := &store.Row{PartitionKey: "p", RowKey: "r", Version: 2}

	if err := tbl.Put(context.Background(), row); err != nil {
		t.Fatalf("put: %v", err)
	}
	if row.Version != 3 {
		t.Errorf("expected version 3, got %d", row.Version)
	}
	if f.put.ConditionExpression != nil {
		t.Errorf("expected unconditional put, got %q", *f.put.ConditionExpression)
	}
	if *f.put.TableName != "users" {
		t.Errorf("expected table 'users', got %q", *f.put.TableName)
	}
}

func TestDynamo_StrictDelete(t *testing.T) {
	f := &fakeDynamo{err: &types.ConditionalCheckFailedException{}}
	cfg := store.DefaultConfig()
	cfg.StrictDelete = true
	tbl := store.NewDynamo(f, cfg).Table("users")

	if err := tbl.Delete(context.Background(), "p", "r"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if f.del.ConditionExpression == nil || *f.del.ConditionExpression != "attribute_exists(#pk)" {
		t.Error("expected strict delete to carry an existence condition")
	}
}

func TestDynamo_BatchBuildsTransaction(t *testing.T) {
	f := &fakeDynamo{}
	tbl := store.NewDynamo(f, store.DefaultConfig()).Table("users")
	owner := &store.Row{PartitionKey: "U_1", RowKey: "U_1", Version: 3}
	claim := &store.Row{PartitionKey: "U_1", RowKey: "C_1", Kind: store.KindClaim}

	err := tbl.Batch(context.Background(), "U_1", []store.Op{
		store.CheckOp(owner),
		store.PutIfAbsentOp(claim),
		store.DeleteOp("U_1", "C_2"),
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	items := f.transact.TransactItems
	if len(items) != 3 {
		t.Fatalf("expected 3 transact items, got %d", len(items))
	}
	check := items[0].ConditionCheck
	if check == nil {
		t.Fatal("expected a ConditionCheck for the owner")
	}
	if *check.ConditionExpression != "#version = :expected_version" {
		t.Errorf("unexpected check expression %q", *check.ConditionExpression)
	}
	if v := check.ExpressionAttributeValues[":expected_version"].(*types.AttributeValueMemberN).Value; v != "3" {
		t.Errorf("expected check against version 3, got %s", v)
	}
	if items[1].Put == nil || *items[1].Put.ConditionExpression != "attribute_not_exists(#pk)" {
		t.Error("expected a put-if-absent")
	}
	if items[2].Delete == nil {
		t.Error("expected a delete")
	}

	if owner.Version != 3 {
		t.Errorf("check must not bump the version, got %d", owner.Version)
	}
	if claim.Version != 1 {
		t.Errorf("expected claim at version 1, got %d", claim.Version)
	}
}

func TestDynamo_BatchCheckFailure(t *testing.T) {
	code := "ConditionalCheckFailed"
	f := &fakeDynamo{err: &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: &code}, {}},
	}}
	tbl := store.NewDynamo(f, store.DefaultConfig()).Table("users")
	owner := &store.Row{PartitionKey: "U_1", RowKey: "U_1", Version: 3}
	claim := &store.Row{PartitionKey: "U_1", RowKey: "C_1"}

	err := tbl.Batch(context.Background(), "U_1", []store.Op{store.CheckOp(owner), store.PutOp(claim)})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
	if claim.Version != 0 {
		t.Errorf("failed batch must not bump versions, got %d", claim.Version)
	}
}

func TestDynamo_BatchDeleteIfVersion(t *testing.T) {
	f := &fakeDynamo{}
	tbl := store.NewDynamo(f, store.DefaultConfig()).Table("users")
	owner := &store.Row{PartitionKey: "U_1", RowKey: "U_1", Version: 5}

	err := tbl.Batch(context.Background(), "U_1", []store.Op{store.DeleteOp("U_1", "C_1"), store.DeleteIfVersionOp(owner)})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	items := f.transact.TransactItems
	if items[0].Delete.ConditionExpression != nil {
		t.Error("expected plain delete to carry no condition")
	}
	del := items[1].Delete
	if del == nil || del.ConditionExpression == nil || *del.ConditionExpression != "#version = :expected_version" {
		t.Fatalf("expected version-checked delete, got %+v", del)
	}
	if v := del.ExpressionAttributeValues[":expected_version"].(*types.AttributeValueMemberN).Value; v != "5" {
		t.Errorf("expected delete against version 5, got %s", v)
	}

	code := "ConditionalCheckFailed"
	f.err = &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{}, {Code: &code}},
	}
	err = tbl.Batch(context.Background(), "U_1", []store.Op{store.DeleteOp("U_1", "C_1"), store.DeleteIfVersionOp(owner)})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestDynamo_BatchSizeCapped(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.MaxBatchSize = 500
	tbl := store.NewDynamo(&fakeDynamo{}, cfg).Table("users")

	ops := make([]store.Op, store.DynamoMaxBatchSize+1)
	for i := range ops {
		ops[i] = store.DeleteOp("p", string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	if err := tbl.Batch(context.Background(), "p", ops); !errors.Is(err, store.ErrBatchTooLarge) {
		t.Errorf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestDynamo_QueryPages(t *testing.T) {
	f := &fakeDynamo{pages: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{item("p", "C_1"), item("p", "C_2")}, LastEvaluatedKey: item("p", "C_2")},
		{Items: []map[string]types.AttributeValue{item("p", "C_3")}},
	}}
	tbl := store.NewDynamo(f, store.DefaultConfig()).Table("users")

	got, err := store.Collect(tbl.Query(context.Background(), "p", "C_"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	if got[2].RowKey != "C_3" || got[2].Kind != store.KindClaim {
		t.Errorf("unexpected last row %+v", got[2])
	}
	if len(f.queries) != 2 {
		t.Errorf("expected 2 page requests, got %d", len(f.queries))
	}
	if *f.queries[0].KeyConditionExpression != "#pk = :pk AND begins_with(#rk, :prefix)" {
		t.Errorf("unexpected key condition %q", *f.queries[0].KeyConditionExpression)
	}
}
