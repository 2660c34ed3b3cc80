package store

import (
	"context"
	"iter"
	"sync/atomic"
)

// Session holds the three identity tables for one unit of work.
// Tables obtained from a Session fail with ErrClosed once it is closed.
type Session struct {
	config Config
	closed atomic.Bool

	users PartitionedStore
	roles PartitionedStore
	index PartitionedStore
}

// Open acquires the users, roles and index tables from backend.
// Each handle is wrapped with the configured retry policy.
func Open(backend Backend, config Config) *Session {
	config.validate()
	s := &Session{config: config}
	s.users = s.guard(WithRetry(backend.Table(config.UsersTableName()), config.Retry))
	s.roles = s.guard(WithRetry(backend.Table(config.RolesTableName()), config.Retry))
	s.index = s.guard(WithRetry(backend.Table(config.IndexTableName()), config.Retry))
	return s
}

// Config returns the validated configuration.
func (s *Session) Config() Config { return s.config }

// Users returns the users table (users plus claims, logins, role memberships).
func (s *Session) Users() PartitionedStore { return s.users }

// Roles returns the roles table.
func (s *Session) Roles() PartitionedStore { return s.roles }

// Index returns the alternate-key index table.
func (s *Session) Index() PartitionedStore { return s.index }

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Session) guard(ps PartitionedStore) PartitionedStore {
	return &guarded{next: ps, session: s}
}

// guarded rejects calls made after the owning session closed.
type guarded struct {
	next    PartitionedStore
	session *Session
}

func (g *guarded) Get(ctx context.Context, partitionKey, rowKey string) (*Row, error) {
	if g.session.Closed() {
		return nil, ErrClosed
	}
	return g.next.Get(ctx, partitionKey, rowKey)
}

func (g *guarded) Put(ctx context.Context, row *Row) error {
	if g.session.Closed() {
		return ErrClosed
	}
	return g.next.Put(ctx, row)
}

func (g *guarded) Delete(ctx context.Context, partitionKey, rowKey string) error {
	if g.session.Closed() {
		return ErrClosed
	}
	return g.next.Delete(ctx, partitionKey, rowKey)
}

func (g *guarded) Query(ctx context.Context, partitionKey, rowKeyPrefix string) iter.Seq2[*Row, error] {
	if g.session.Closed() {
		return ErrSeq(ErrClosed)
	}
	return g.next.Query(ctx, partitionKey, rowKeyPrefix)
}

func (g *guarded) Batch(ctx context.Context, partitionKey string, ops []Op) error {
	if g.session.Closed() {
		return ErrClosed
	}
	return g.next.Batch(ctx, partitionKey, ops)
}
