// Package identity stores users and roles together with the claims, logins
// and role memberships that belong to a user.
//
// Dependents live in their user's partition, so a write that touches one user
// is a single atomic batch. Username, email and login are mirrored into the
// index table once the user partition is written. A username change moves
// the whole partition and is delegated to the migrate package.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/jacentio/trellis-identity/index"
	"github.com/jacentio/trellis-identity/keys"
	"github.com/jacentio/trellis-identity/migrate"
	"github.com/jacentio/trellis-identity/store"
)

// maxOwnerAttempts bounds re-reads when a user row changes under a dependent write.
const maxOwnerAttempts = 3

// Option configures a Repository.
type Option func(*options)

type options struct {
	codec    keys.Codec
	logger   *slog.Logger
	migrate  *migrate.Config
	tracer   trace.TracerProvider
	registry *store.Registry
}

// WithCodec sets the codec new rows are keyed with. The default is keys.New().
func WithCodec(codec keys.Codec) Option {
	return func(o *options) { o.codec = codec }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMigrateConfig sets the bounds applied to username changes.
func WithMigrateConfig(config migrate.Config) Option {
	return func(o *options) { o.migrate = &config }
}

// WithTracerProvider sets the tracer provider used for renames.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithRegistry sets the entity-kind registry. The default is store.DefaultRegistry().
func WithRegistry(registry *store.Registry) Option {
	return func(o *options) {
		if registry != nil {
			o.registry = registry
		}
	}
}

// Repository reads and writes identities over the tables of a store.Session.
type Repository struct {
	users    store.PartitionedStore
	roles    store.PartitionedStore
	index    *index.Repository
	migrator *migrate.Migrator
	codec    keys.Codec
	registry *store.Registry
	batch    int
	logger   *slog.Logger
}

// New creates a Repository over session's tables.
func New(session *store.Session, opts ...Option) *Repository {
	o := options{
		codec:    keys.New(),
		logger:   slog.Default(),
		registry: store.DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	batch := session.Config().MaxBatchSize
	mc := migrate.DefaultConfig()
	if o.migrate != nil {
		mc = *o.migrate
	}
	if mc.MaxBatchSize <= 0 || mc.MaxBatchSize > batch {
		mc.MaxBatchSize = batch
	}

	idx := index.New(session.Index(), o.codec, o.logger)
	migrateOpts := []migrate.Option{migrate.WithLogger(o.logger)}
	if o.tracer != nil {
		migrateOpts = append(migrateOpts, migrate.WithTracerProvider(o.tracer))
	}

	return &Repository{
		users:    session.Users(),
		roles:    session.Roles(),
		index:    idx,
		migrator: migrate.New(session.Users(), idx, o.codec, o.registry, mc, migrateOpts...),
		codec:    o.codec,
		registry: o.registry,
		batch:    batch,
		logger:   o.logger,
	}
}

// Index returns the index repository the Repository maintains.
func (r *Repository) Index() *index.Repository { return r.index }

// codecFor returns the codec a row's keys were derived with.
func (r *Repository) codecFor(keyVersion int) keys.Codec {
	if keyVersion == 0 || keyVersion == r.codec.Version() {
		return r.codec
	}
	c, err := keys.ForVersion(keyVersion)
	if err != nil {
		return r.codec
	}
	return c
}

// codecs returns the configured codec followed by every older key scheme.
func (r *Repository) codecs() []keys.Codec {
	out := []keys.Codec{r.codec}
	for _, v := range keys.Versions() {
		if v == r.codec.Version() {
			continue
		}
		if c, err := keys.ForVersion(v); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// prefix returns the row key prefix of a dependent kind.
func (r *Repository) prefix(kind store.Kind) string {
	if spec, ok := r.registry.Spec(kind); ok {
		return spec.RowKeyPrefix
	}
	switch kind {
	case store.KindClaim:
		return keys.PrefixClaim
	case store.KindLogin:
		return keys.PrefixLogin
	case store.KindRoleMembership:
		return keys.PrefixRoleMembership
	}
	return ""
}

// userRow reads the user row stored under id.
func (r *Repository) userRow(ctx context.Context, id string) (*store.Row, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: user id is empty", store.ErrInvalidArgument)
	}
	row, err := r.users.Get(ctx, id, id)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	if row.Kind != "" && row.Kind != store.KindUser {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return row, nil
}

// findUserRow resolves a username under the configured key scheme, then
// under older ones.
func (r *Repository) findUserRow(ctx context.Context, username string) (*store.Row, error) {
	for i, c := range r.codecs() {
		id, err := c.UserID(username)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			continue
		}
		row, err := r.userRow(ctx, id)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("username %q: %w", strings.TrimSpace(username), store.ErrNotFound)
}

// owner reads a user row that dependents may be written under. A user being
// renamed or deleted takes no new dependents.
func (r *Repository) owner(ctx context.Context, userID string) (*store.Row, error) {
	row, err := r.userRow(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := busy(row); err != nil {
		return nil, err
	}
	return row, nil
}

// busy returns store.ErrConflict for a user row stamped by a rename or a
// delete in flight.
func busy(row *store.Row) error {
	if target := row.Attr(store.AttrMigratingTo); target != "" {
		return fmt.Errorf("%w: user %s is being renamed to %s", store.ErrConflict, row.PartitionKey, target)
	}
	if row.Attr(store.AttrDeleting) != "" {
		return fmt.Errorf("%w: user %s is being deleted", store.ErrConflict, row.PartitionKey)
	}
	return nil
}

// writeDependent applies the ops built for a user's partition in one batch
// together with a check on the user row's version, so the write cannot slip
// in behind a rename's snapshot.
func (r *Repository) writeDependent(ctx context.Context, userID string, build func(owner *store.Row) ([]store.Op, error)) error {
	for attempt := 1; ; attempt++ {
		owner, err := r.owner(ctx, userID)
		if err != nil {
			return err
		}
		ops, err := build(owner)
		if err != nil {
			return err
		}
		err = r.users.Batch(ctx, userID, append([]store.Op{store.CheckOp(owner)}, ops...))
		if !errors.Is(err, store.ErrConcurrentModification) || attempt >= maxOwnerAttempts {
			return err
		}
	}
}

// dependents returns the rows of one kind in a user's partition.
func (r *Repository) dependents(ctx context.Context, userID string, kind store.Kind) ([]*store.Row, error) {
	if _, err := r.userRow(ctx, userID); err != nil {
		return nil, err
	}
	var out []*store.Row
	for row, err := range r.users.Query(ctx, userID, r.prefix(kind)) {
		if err != nil {
			return nil, fmt.Errorf("query %s of %s: %w", kind, userID, err)
		}
		if row.Kind == "" || row.Kind == kind {
			out = append(out, row)
		}
	}
	return out, nil
}

// loginHolders returns the ids of every user the login is indexed for, under
// any key scheme.
func (r *Repository) loginHolders(ctx context.Context, value string) ([]string, error) {
	var ids []string
	for _, c := range r.codecs() {
		found, err := r.index.WithCodec(c).Lookup(ctx, index.KindLogin, value)
		if err != nil {
			return nil, err
		}
		ids = append(ids, found...)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// removeIndex deletes the entry pointing (kind, value) at userID under every
// key scheme. Entries of other users are not touched.
func (r *Repository) removeIndex(ctx context.Context, kind index.Kind, value, userID string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	for _, c := range r.codecs() {
		if err := r.index.WithCodec(c).Remove(ctx, kind, value, userID); err != nil {
			return err
		}
	}
	return nil
}

// renameTarget returns the row every other row is being renamed to, if any.
func renameTarget(rows []*store.Row) *store.Row {
	for _, candidate := range rows {
		settled := true
		for _, other := range rows {
			if other != candidate && other.Attr(store.AttrMigratingTo) != candidate.PartitionKey {
				settled = false
				break
			}
		}
		if settled {
			return candidate
		}
	}
	return nil
}
