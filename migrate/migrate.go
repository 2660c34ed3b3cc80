// Package migrate moves a user and everything it owns to a new username.
//
// A user's id is derived from its username, so a rename re-keys the user row
// and every dependent row in its partition. The store only offers atomic
// batches within one partition, so the move is sequenced instead:
//
//  1. derive both ids and refuse a taken target name
//  2. claim the source row with a version-checked migrating_to marker
//  3. snapshot the source partition
//  4. create the new partition (user row first, put-if-absent)
//  5. repoint email, login and username index entries at the new id
//  6. delete old index entries, then the old partition, user row last
//
// Readers see the old identity, the new one, or both, never neither. Every
// step is idempotent, and calling Rename again after a failure resumes from
// wherever the previous attempt stopped.
//
// A claimed user refuses every other mutation until its rename finishes. If
// the process that stamped the claim died before writing the target row, the
// claim goes stale after Config.StaleClaimAfter; a rename to any name then
// takes it over, and renaming the user to its current name clears it.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jacentio/trellis-identity/index"
	"github.com/jacentio/trellis-identity/keys"
	"github.com/jacentio/trellis-identity/store"
)

const tracerName = "github.com/jacentio/trellis-identity/migrate"

// maxClaimAttempts bounds re-reads when the source row changes under a claim.
const maxClaimAttempts = 3

// Option configures a Migrator.
type Option func(*Migrator)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Migrator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider. The default is the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Migrator) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock sets the time source used to stamp and age rename claims.
func WithClock(now func() time.Time) Option {
	return func(m *Migrator) {
		if now != nil {
			m.now = now
		}
	}
}

// Migrator renames users.
type Migrator struct {
	users    store.PartitionedStore
	index    *index.Repository
	codec    keys.Codec
	registry *store.Registry
	config   Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a Migrator over the users table and the index repository.
// New rows are keyed with codec; a nil registry uses store.DefaultRegistry().
func New(users store.PartitionedStore, idx *index.Repository, codec keys.Codec, registry *store.Registry, config Config, opts ...Option) *Migrator {
	config.validate()
	if registry == nil {
		registry = store.DefaultRegistry()
	}
	m := &Migrator{
		users:    users,
		index:    idx,
		codec:    codec,
		registry: registry,
		config:   config,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rename moves the user registered as oldUsername to newUsername and returns
// the new user id.
//
// It fails with store.ErrConflict, without changing anything, when the new
// name belongs to another user or another rename of the same user is in
// flight, and with store.ErrNotFound when there is no such user. Once writing
// has begun, failures are reported as *Error; the old identity stays
// resolvable and the same call resumes the rename.
func (m *Migrator) Rename(ctx context.Context, oldUsername, newUsername string) (newID string, err error) {
	ctx, span := m.tracer.Start(ctx, "migrate.Rename")
	defer func() { endSpan(span, err) }()

	newID, err = m.codec.UserID(newUsername)
	if err != nil {
		return "", err
	}
	if _, err := m.codec.UserID(oldUsername); err != nil {
		return "", err
	}

	src, err := m.source(ctx, oldUsername)
	if errors.Is(err, store.ErrNotFound) {
		if err := m.finishCompleted(ctx, oldUsername, newID); err != nil {
			return "", err
		}
		return newID, nil
	}
	if err != nil {
		return "", err
	}
	oldID := src.PartitionKey
	span.SetAttributes(
		attribute.String("trellis.rename.from", oldID),
		attribute.String("trellis.rename.to", newID),
	)

	if oldID == newID {
		if err := m.renameInPlace(ctx, src, newUsername); err != nil {
			return "", err
		}
		return newID, nil
	}

	logger := m.logger.With("from", oldID, "to", newID)
	resuming := src.Attr(store.AttrMigratingTo) == newID

	var dst *store.Row
	err = m.step(ctx, StepDerive, func(ctx context.Context) error {
		var err error
		dst, err = m.holder(ctx, newUsername, oldID)
		return err
	})
	if err != nil {
		return "", err
	}
	if dst != nil && !(resuming && dst.PartitionKey == newID && dst.Attr(store.AttrRenamedFrom) == oldID) {
		if resuming {
			m.release(ctx, oldID, newID, logger)
		}
		return "", fmt.Errorf("%w: username %q is taken", store.ErrConflict, strings.TrimSpace(newUsername))
	}

	if resuming {
		logger.Info("resuming rename")
	} else {
		err = m.step(ctx, StepClaim, func(ctx context.Context) error {
			_, err := m.claim(ctx, src, newID)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			// Deleted or renamed away since it was read.
			if err := m.finishCompleted(ctx, oldUsername, newID); err != nil {
				return "", err
			}
			return newID, nil
		}
		if err != nil {
			return "", err
		}
		logger.Info("rename started")
	}

	// From here on the rename runs to completion or to a resumable failure,
	// regardless of the caller's context.
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.CompletionTimeout)
	defer cancel()

	var rows []*store.Row
	err = m.step(work, StepSnapshot, func(ctx context.Context) error {
		return m.config.Retry.Do(ctx, func(ctx context.Context) error {
			var err error
			rows, err = store.Collect(m.users.Query(ctx, oldID, ""))
			return err
		})
	})
	if err != nil {
		return "", m.incomplete(oldID, newID, StepSnapshot, err, logger)
	}

	p := m.plan(oldID, newID, newUsername, rows)
	if p.oldUsername == "" {
		p.oldUsername = oldUsername
	}
	if p.oldUser == nil {
		// A concurrent call for the same rename already removed the source.
		if err := m.finishCompleted(work, oldUsername, newID); err != nil {
			return "", err
		}
		return newID, nil
	}
	if p.oldUser.Attr(store.AttrMigratingTo) != newID {
		return "", fmt.Errorf("%w: %s changed during rename", store.ErrConcurrentModification, oldID)
	}

	err = m.step(work, StepCreateNew, func(ctx context.Context) error {
		return m.createNew(ctx, p)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			m.release(work, oldID, newID, logger)
			return "", err
		}
		return "", m.incomplete(oldID, newID, StepCreateNew, err, logger)
	}

	err = m.step(work, StepRepoint, func(ctx context.Context) error {
		return m.repoint(ctx, p)
	})
	if err != nil {
		return "", m.incomplete(oldID, newID, StepRepoint, err, logger)
	}

	err = m.step(work, StepDeleteOld, func(ctx context.Context) error {
		idx := m.indexFor(p.oldUser.KeyVersion)
		if err := m.removeOldIndex(ctx, idx, p.oldID, p.oldUsername, p.email, p.logins); err != nil {
			return err
		}
		return m.deleteOld(ctx, p)
	})
	if err != nil {
		return "", m.incomplete(oldID, newID, StepDeleteOld, err, logger)
	}

	logger.Info("rename complete", "rows", len(rows))
	return newID, nil
}

// plan is everything the write steps need, derived from the snapshot.
type plan struct {
	oldID, newID string
	oldUsername  string

	oldUser *store.Row
	oldDeps []*store.Row

	newUser *store.Row
	newDeps []*store.Row

	email  string
	logins []string
}

func (m *Migrator) plan(oldID, newID, newUsername string, rows []*store.Row) *plan {
	p := &plan{oldID: oldID, newID: newID}
	seen := make(map[string]bool)
	for _, row := range rows {
		if row.RowKey == oldID {
			p.oldUser = row
			continue
		}
		p.oldDeps = append(p.oldDeps, row)
		moved := m.rekey(row, newID)
		if seen[moved.RowKey] || moved.RowKey == newID {
			continue
		}
		seen[moved.RowKey] = true
		p.newDeps = append(p.newDeps, moved)

		if moved.Kind == store.KindLogin {
			provider, key := row.Attr(store.AttrLoginProvider), row.Attr(store.AttrProviderKey)
			if provider != "" && key != "" {
				p.logins = append(p.logins, keys.LoginValue(provider, key))
			}
		}
	}
	if p.oldUser == nil {
		return p
	}

	p.oldUsername = p.oldUser.Attr(store.AttrUsername)
	p.email = p.oldUser.Attr(store.AttrEmail)

	p.newUser = p.oldUser.Clone()
	p.newUser.PartitionKey = newID
	p.newUser.RowKey = newID
	p.newUser.Kind = store.KindUser
	p.newUser.KeyVersion = m.codec.Version()
	p.newUser.Version = 0
	p.newUser.SetAttr(store.AttrUsername, strings.TrimSpace(newUsername))
	p.newUser.SetAttr(store.AttrMigratingTo, "")
	p.newUser.SetAttr(store.AttrMigratingSince, "")
	p.newUser.SetAttr(store.AttrRenamedFrom, oldID)
	return p
}

// rekey copies a dependent row into the new partition, re-deriving its row
// key with the current codec when its key attributes are present.
func (m *Migrator) rekey(row *store.Row, newID string) *store.Row {
	moved := row.Clone()
	moved.PartitionKey = newID
	moved.Version = 0
	if moved.Kind == "" {
		moved.Kind, _ = m.registry.KindOfRowKey(store.KindUser, row.RowKey)
	}
	if !m.registry.IsDependentOf(moved.Kind, store.KindUser) {
		m.logger.Warn("copying unrecognized row", "partition", row.PartitionKey, "row", row.RowKey, "kind", row.Kind)
		return moved
	}

	var (
		rk  string
		err error
	)
	switch moved.Kind {
	case store.KindClaim:
		rk, err = m.codec.ClaimRowKey(row.Attr(store.AttrClaimType), row.Attr(store.AttrClaimValue))
	case store.KindLogin:
		rk, err = m.codec.LoginRowKey(row.Attr(store.AttrLoginProvider), row.Attr(store.AttrProviderKey))
	case store.KindRoleMembership:
		rk, err = m.codec.RoleMembershipRowKey(row.Attr(store.AttrRoleName))
	default:
		return moved
	}
	if err != nil {
		m.logger.Warn("keeping row key", "partition", row.PartitionKey, "row", row.RowKey, "error", err)
		return moved
	}
	moved.RowKey = rk
	moved.KeyVersion = m.codec.Version()
	return moved
}

// source finds the user row for username under the configured codec, then
// under older key schemes.
func (m *Migrator) source(ctx context.Context, username string) (*store.Row, error) {
	for _, c := range m.candidates(username) {
		row, err := m.users.Get(ctx, c.id, c.id)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, store.ErrNotFound
}

// holder returns the user row registered as username under any key scheme,
// or nil. The row at skipID, the rename source, does not count.
func (m *Migrator) holder(ctx context.Context, username, skipID string) (*store.Row, error) {
	for _, c := range m.candidates(username) {
		if c.id == skipID {
			continue
		}
		row, err := m.users.Get(ctx, c.id, c.id)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

type candidate struct {
	id    string
	codec keys.Codec
}

func (m *Migrator) candidates(username string) []candidate {
	var out []candidate
	if id, err := m.codec.UserID(username); err == nil {
		out = append(out, candidate{id: id, codec: m.codec})
	}
	for _, v := range keys.Versions() {
		if v == m.codec.Version() {
			continue
		}
		c, err := keys.ForVersion(v)
		if err != nil {
			continue
		}
		if id, err := c.UserID(username); err == nil {
			out = append(out, candidate{id: id, codec: c})
		}
	}
	return out
}

// indexFor returns the index repository matching the key scheme of a row.
func (m *Migrator) indexFor(keyVersion int) *index.Repository {
	if keyVersion == 0 || keyVersion == m.codec.Version() {
		return m.index
	}
	c, err := keys.ForVersion(keyVersion)
	if err != nil {
		return m.index
	}
	return m.index.WithCodec(c)
}

// claim stamps the source row with the rename target. A row already stamped
// with another target belongs to a concurrent rename unless the stamp is stale.
func (m *Migrator) claim(ctx context.Context, src *store.Row, newID string) (*store.Row, error) {
	id := src.PartitionKey
	for attempt := 1; ; attempt++ {
		if src.Attr(store.AttrDeleting) != "" {
			return nil, fmt.Errorf("%w: %s is being deleted", store.ErrConflict, id)
		}
		switch target := src.Attr(store.AttrMigratingTo); {
		case target == newID:
			return src, nil
		case target != "":
			if err := m.takeover(ctx, src); err != nil {
				return nil, err
			}
		}

		claimed := src.Clone()
		claimed.SetAttr(store.AttrMigratingTo, newID)
		claimed.SetAttr(store.AttrMigratingSince, m.now().UTC().Format(time.RFC3339Nano))
		err := m.users.Batch(ctx, id, []store.Op{store.PutIfVersionOp(claimed)})
		if err == nil {
			return claimed, nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) || attempt >= maxClaimAttempts {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		src, err = m.users.Get(ctx, id, id)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
	}
}

// takeover returns nil when the rename claim on src may be overwritten: the
// claim is older than StaleClaimAfter and its target row does not exist.
func (m *Migrator) takeover(ctx context.Context, src *store.Row) error {
	id, target := src.PartitionKey, src.Attr(store.AttrMigratingTo)
	busy := fmt.Errorf("%w: %s is being renamed to %s", store.ErrConflict, id, target)

	since, err := time.Parse(time.RFC3339Nano, src.Attr(store.AttrMigratingSince))
	if err != nil || m.now().Sub(since) < m.config.StaleClaimAfter {
		return busy
	}
	_, err = m.users.Get(ctx, target, target)
	switch {
	case err == nil:
		return busy
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	m.logger.Warn("taking over stale rename claim", "user_id", id, "target", target, "since", since)
	return nil
}

// release clears the migrating_to marker after a rename was refused. Failure
// leaves the marker in place; re-running the rename clears it again.
func (m *Migrator) release(ctx context.Context, oldID, newID string, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := m.config.Retry.Do(ctx, func(ctx context.Context) error {
		row, err := m.users.Get(ctx, oldID, oldID)
		if err != nil {
			return err
		}
		if row.Attr(store.AttrMigratingTo) != newID {
			return nil
		}
		row.SetAttr(store.AttrMigratingTo, "")
		row.SetAttr(store.AttrMigratingSince, "")
		err = m.users.Batch(ctx, oldID, []store.Op{store.PutIfVersionOp(row)})
		if errors.Is(err, store.ErrConcurrentModification) {
			return fmt.Errorf("%w: %w", store.ErrBackendUnavailable, err)
		}
		return err
	})
	if err != nil {
		logger.Error("failed to release rename claim", "error", err)
	}
}

func (m *Migrator) renameInPlace(ctx context.Context, src *store.Row, newUsername string) error {
	if src.Attr(store.AttrDeleting) != "" {
		return fmt.Errorf("%w: %s is being deleted", store.ErrConflict, src.PartitionKey)
	}
	if src.Attr(store.AttrMigratingTo) != "" {
		if err := m.takeover(ctx, src); err != nil {
			return err
		}
	}
	updated := src.Clone()
	updated.SetAttr(store.AttrUsername, strings.TrimSpace(newUsername))
	updated.SetAttr(store.AttrMigratingTo, "")
	updated.SetAttr(store.AttrMigratingSince, "")
	if err := m.users.Batch(ctx, src.PartitionKey, []store.Op{store.PutIfVersionOp(updated)}); err != nil {
		return fmt.Errorf("rename %s in place: %w", src.PartitionKey, err)
	}
	return nil
}

// createNew writes the new partition. The user row goes first, put-if-absent,
// so a name taken concurrently is detected before any dependent is written.
func (m *Migrator) createNew(ctx context.Context, p *plan) error {
	first := min(len(p.newDeps), m.config.MaxBatchSize-1)
	ops := make([]store.Op, 0, first+1)
	ops = append(ops, store.PutIfAbsentOp(p.newUser))
	for _, row := range p.newDeps[:first] {
		ops = append(ops, store.PutOp(row))
	}

	err := m.config.Retry.Do(ctx, func(ctx context.Context) error {
		return m.users.Batch(ctx, p.newID, ops)
	})
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		existing, err := m.users.Get(ctx, p.newID, p.newID)
		if err != nil {
			return fmt.Errorf("read %s: %w", p.newID, err)
		}
		if existing.Attr(store.AttrRenamedFrom) != p.oldID {
			return fmt.Errorf("%w: %s was created concurrently", store.ErrConflict, p.newID)
		}
		// Ours from an earlier attempt; rewrite every dependent.
		first = 0
	case err != nil:
		return err
	}

	for chunk := range slices.Chunk(p.newDeps[first:], m.config.MaxBatchSize) {
		ops := make([]store.Op, len(chunk))
		for i, row := range chunk {
			ops[i] = store.PutOp(row)
		}
		err := m.config.Retry.Do(ctx, func(ctx context.Context) error {
			return m.users.Batch(ctx, p.newID, ops)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// repoint upserts email and login entries for the new id, then the username entry.
func (m *Migrator) repoint(ctx context.Context, p *plan) error {
	g, gctx := errgroup.WithContext(ctx)
	upsert := func(kind index.Kind, value string) {
		g.Go(func() error {
			return m.config.Retry.Do(gctx, func(ctx context.Context) error {
				return m.index.Upsert(ctx, kind, value, p.newID)
			})
		})
	}
	if p.email != "" {
		upsert(index.KindEmail, p.email)
	}
	for _, login := range p.logins {
		upsert(index.KindLogin, login)
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return m.config.Retry.Do(ctx, func(ctx context.Context) error {
		return m.index.Upsert(ctx, index.KindUsername, p.newUser.Attr(store.AttrUsername), p.newID)
	})
}

// removeOldIndex deletes every index entry pointing at the old id.
func (m *Migrator) removeOldIndex(ctx context.Context, idx *index.Repository, oldID, username, email string, logins []string) error {
	g, gctx := errgroup.WithContext(ctx)
	remove := func(kind index.Kind, value string) {
		g.Go(func() error {
			return m.config.Retry.Do(gctx, func(ctx context.Context) error {
				return idx.Remove(ctx, kind, value, oldID)
			})
		})
	}
	if strings.TrimSpace(username) != "" {
		remove(index.KindUsername, username)
	}
	if email != "" {
		remove(index.KindEmail, email)
	}
	for _, login := range logins {
		remove(index.KindLogin, login)
	}
	return g.Wait()
}

// deleteOld deletes the old partition, dependents first and the user row in the last batch.
func (m *Migrator) deleteOld(ctx context.Context, p *plan) error {
	ops := make([]store.Op, 0, len(p.oldDeps)+1)
	for _, row := range p.oldDeps {
		ops = append(ops, store.DeleteOp(p.oldID, row.RowKey))
	}
	ops = append(ops, store.DeleteOp(p.oldID, p.oldID))

	for chunk := range slices.Chunk(ops, m.config.MaxBatchSize) {
		err := m.config.Retry.Do(ctx, func(ctx context.Context) error {
			return m.users.Batch(ctx, p.oldID, chunk)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// finishCompleted handles a rename whose source row is already gone. If the
// target row records that it was renamed from the source, only index cleanup
// can be outstanding; otherwise there is no such user.
func (m *Migrator) finishCompleted(ctx context.Context, oldUsername, newID string) error {
	dst, err := m.users.Get(ctx, newID, newID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: user %q", store.ErrNotFound, strings.TrimSpace(oldUsername))
	}
	if err != nil {
		return err
	}
	oldID := dst.Attr(store.AttrRenamedFrom)
	var idx *index.Repository
	for _, c := range m.candidates(oldUsername) {
		if oldID != "" && c.id == oldID {
			idx = m.indexFor(c.codec.Version())
		}
	}
	if idx == nil {
		return fmt.Errorf("%w: user %q", store.ErrNotFound, strings.TrimSpace(oldUsername))
	}

	var logins []string
	err = m.config.Retry.Do(ctx, func(ctx context.Context) error {
		logins = logins[:0]
		for row, err := range m.users.Query(ctx, newID, keys.PrefixLogin) {
			if err != nil {
				return err
			}
			provider, key := row.Attr(store.AttrLoginProvider), row.Attr(store.AttrProviderKey)
			if provider != "" && key != "" {
				logins = append(logins, keys.LoginValue(provider, key))
			}
		}
		return nil
	})
	if err == nil {
		err = m.removeOldIndex(ctx, idx, oldID, oldUsername, dst.Attr(store.AttrEmail), logins)
	}
	if err != nil {
		return m.incomplete(oldID, newID, StepDeleteOld, err, m.logger)
	}
	return nil
}

func (m *Migrator) incomplete(oldID, newID string, step Step, err error, logger *slog.Logger) error {
	logger.Error("rename incomplete", "step", step, "error", err)
	return &Error{From: oldID, To: newID, Step: step, Err: err}
}

func (m *Migrator) step(ctx context.Context, step Step, fn func(context.Context) error) error {
	ctx, span := m.tracer.Start(ctx, "migrate."+string(step))
	err := fn(ctx)
	endSpan(span, err)
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}
