// Package index maintains alternate-key to user-id mappings in the index table.
//
// Each entry lives in the partition derived from (kind, normalized value) and
// uses the target user id as its row key, so several users may share an email
// partition while username and login partitions are expected to hold one row.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jacentio/trellis-identity/keys"
	"github.com/jacentio/trellis-identity/store"
)

// Kind names an alternate key.
type Kind = keys.IndexKind

const (
	KindEmail    = keys.IndexEmail
	KindUsername = keys.IndexUsername
	KindLogin    = keys.IndexLogin
)

// Entry attribute names.
const (
	AttrUserID = "user_id"
	AttrKind   = "index_kind"
)

// Repository reads and writes index entries.
type Repository struct {
	table  store.PartitionedStore
	codec  keys.Codec
	logger *slog.Logger
}

// New creates a Repository over the index table. A nil logger uses slog.Default().
func New(table store.PartitionedStore, codec keys.Codec, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{table: table, codec: codec, logger: logger}
}

// Codec returns the key codec entries are derived with.
func (r *Repository) Codec() keys.Codec { return r.codec }

// WithCodec returns a Repository over the same table that derives partitions
// with codec, for entries written under an older key scheme.
func (r *Repository) WithCodec(codec keys.Codec) *Repository {
	c := *r
	c.codec = codec
	return &c
}

// Upsert points (kind, value) at userID. Writing the same triple again is a no-op.
func (r *Repository) Upsert(ctx context.Context, kind Kind, value, userID string) error {
	pk, err := r.partition(kind, value, userID)
	if err != nil {
		return err
	}
	row := &store.Row{
		PartitionKey: pk,
		RowKey:       userID,
		Kind:         store.KindIndex,
		KeyVersion:   r.codec.Version(),
		Attributes: map[string]string{
			AttrUserID: userID,
			AttrKind:   string(kind),
		},
	}
	if err := r.table.Put(ctx, row); err != nil {
		return fmt.Errorf("upsert %s index for %s: %w", kind, userID, err)
	}
	return nil
}

// Remove deletes the entry pointing (kind, value) at userID. A missing entry is not an error.
func (r *Repository) Remove(ctx context.Context, kind Kind, value, userID string) error {
	pk, err := r.partition(kind, value, userID)
	if err != nil {
		return err
	}
	err = r.table.Delete(ctx, pk, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("remove %s index for %s: %w", kind, userID, err)
	}
	return nil
}

// Lookup returns the sorted ids of every user (kind, value) points at.
// It returns an empty slice when there are none.
func (r *Repository) Lookup(ctx context.Context, kind Kind, value string) ([]string, error) {
	pk, err := r.codec.IndexPartition(kind, value)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for row, err := range r.table.Query(ctx, pk, "") {
		if err != nil {
			return nil, fmt.Errorf("lookup %s index: %w", kind, err)
		}
		ids = append(ids, row.RowKey)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// LookupUnique resolves a unique kind to a single user id. It fails with
// ErrNotFound when nothing matches and ErrConsistencyViolation when more than
// one user does, which happens mid-rename or after a broken write.
func (r *Repository) LookupUnique(ctx context.Context, kind Kind, value string) (string, error) {
	if !kind.Unique() {
		return "", fmt.Errorf("%w: %s index is not unique", store.ErrInvalidArgument, kind)
	}
	ids, err := r.Lookup(ctx, kind, value)
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", store.ErrNotFound
	case 1:
		return ids[0], nil
	}
	r.logger.Warn("index consistency violation",
		"kind", kind,
		"user_ids", ids,
	)
	return "", fmt.Errorf("%w: %s index resolves to %d users (%s)",
		store.ErrConsistencyViolation, kind, len(ids), strings.Join(ids, ", "))
}

func (r *Repository) partition(kind Kind, value, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is empty", store.ErrInvalidArgument)
	}
	return r.codec.IndexPartition(kind, value)
}
