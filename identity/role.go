package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/jacentio/trellis-identity/keys"
	"github.com/jacentio/trellis-identity/store"
)

// Role is a named group of users.
type Role struct {
	// ID is derived from Name. CreateRole and UpdateRole set it.
	ID         string
	Name       string
	KeyVersion int
	Version    int64
}

// Validate checks the role name.
func (role *Role) Validate() error {
	return validation.ValidateStruct(role,
		validation.Field(&role.Name, validation.Required, validation.Length(1, 256)),
	)
}

func (role *Role) validate() error {
	if role == nil {
		return fmt.Errorf("%w: nil role", store.ErrInvalidArgument)
	}
	if err := role.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidArgument, err)
	}
	return nil
}

func roleFromRow(row *store.Row) *Role {
	return &Role{
		ID:         row.RowKey,
		Name:       row.Attr(store.AttrName),
		KeyVersion: row.KeyVersion,
		Version:    row.Version,
	}
}

// CreateRole stores a new role. It fails with store.ErrConflict when the name is taken.
func (r *Repository) CreateRole(ctx context.Context, role *Role) error {
	if err := role.validate(); err != nil {
		return err
	}
	if existing, err := r.findRoleRow(ctx, role.Name); err == nil {
		return fmt.Errorf("%w: role %q exists as %s", store.ErrConflict, existing.Attr(store.AttrName), existing.RowKey)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	row, err := r.newRoleRow(role.Name)
	if err != nil {
		return err
	}
	if err := r.roles.Batch(ctx, row.PartitionKey, []store.Op{store.PutIfAbsentOp(row)}); err != nil {
		return fmt.Errorf("create role %q: %w", role.Name, err)
	}
	role.ID, role.KeyVersion, role.Version = row.RowKey, row.KeyVersion, row.Version
	return nil
}

func (r *Repository) newRoleRow(name string) (*store.Row, error) {
	id, err := r.codec.RoleID(name)
	if err != nil {
		return nil, err
	}
	pk, err := keys.RolePartitionFromID(id)
	if err != nil {
		return nil, err
	}
	return &store.Row{
		PartitionKey: pk,
		RowKey:       id,
		Kind:         store.KindRole,
		KeyVersion:   r.codec.Version(),
		Attributes:   map[string]string{store.AttrName: strings.TrimSpace(name)},
	}, nil
}

func (r *Repository) roleRow(ctx context.Context, id string) (*store.Row, error) {
	pk, err := keys.RolePartitionFromID(id)
	if err != nil {
		return nil, err
	}
	row, err := r.roles.Get(ctx, pk, id)
	if err != nil {
		return nil, fmt.Errorf("role %s: %w", id, err)
	}
	return row, nil
}

func (r *Repository) findRoleRow(ctx context.Context, name string) (*store.Row, error) {
	for i, c := range r.codecs() {
		id, err := c.RoleID(name)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			continue
		}
		row, err := r.roleRow(ctx, id)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("role %q: %w", strings.TrimSpace(name), store.ErrNotFound)
}

// FindRoleByID returns the role stored under id.
func (r *Repository) FindRoleByID(ctx context.Context, id string) (*Role, error) {
	row, err := r.roleRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return roleFromRow(row), nil
}

// FindRoleByName returns the role with the name, ignoring case.
func (r *Repository) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	row, err := r.findRoleRow(ctx, name)
	if err != nil {
		return nil, err
	}
	return roleFromRow(row), nil
}

// UpdateRole writes role if role.Version is current. A name that derives a
// different id moves the role: the new row is created, then the old one
// deleted. Existing memberships keep the name they were granted under.
func (r *Repository) UpdateRole(ctx context.Context, role *Role) error {
	if err := role.validate(); err != nil {
		return err
	}
	cur, err := r.roleRow(ctx, role.ID)
	if err != nil {
		return err
	}
	if cur.Version != role.Version {
		return fmt.Errorf("%w: role %s is at version %d, not %d",
			store.ErrConcurrentModification, cur.RowKey, cur.Version, role.Version)
	}

	newID, err := r.codec.RoleID(role.Name)
	if err != nil {
		return err
	}
	if newID == cur.RowKey {
		row := cur.Clone()
		row.SetAttr(store.AttrName, strings.TrimSpace(role.Name))
		if err := r.roles.Batch(ctx, row.PartitionKey, []store.Op{store.PutIfVersionOp(row)}); err != nil {
			return fmt.Errorf("update role %s: %w", row.RowKey, err)
		}
		role.Version = row.Version
		return nil
	}

	// The name may be held under an older key scheme too.
	if existing, err := r.findRoleRow(ctx, role.Name); err == nil && existing.RowKey != cur.RowKey {
		return fmt.Errorf("%w: role name %q is held by %s", store.ErrConflict, strings.TrimSpace(role.Name), existing.RowKey)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	row, err := r.newRoleRow(role.Name)
	if err != nil {
		return err
	}
	if err := r.roles.Batch(ctx, row.PartitionKey, []store.Op{store.PutIfAbsentOp(row)}); err != nil {
		return fmt.Errorf("rename role %s to %q: %w", cur.RowKey, role.Name, err)
	}
	// The old row goes only if nobody changed it meanwhile; otherwise the
	// new one is withdrawn.
	if err := r.roles.Batch(ctx, cur.PartitionKey, []store.Op{store.DeleteIfVersionOp(cur)}); err != nil {
		if err := r.roles.Batch(context.WithoutCancel(ctx), row.PartitionKey, []store.Op{store.DeleteIfVersionOp(row)}); err != nil {
			r.logger.Error("failed to withdraw renamed role", "role_id", row.RowKey, "error", err)
		}
		return fmt.Errorf("delete renamed role %s: %w", cur.RowKey, err)
	}
	role.ID, role.KeyVersion, role.Version = row.RowKey, row.KeyVersion, row.Version
	return nil
}

// DeleteRole removes a role. Memberships naming it are left in place.
func (r *Repository) DeleteRole(ctx context.Context, id string) error {
	pk, err := keys.RolePartitionFromID(id)
	if err != nil {
		return err
	}
	if _, err := r.roleRow(ctx, id); err != nil {
		return err
	}
	if err := r.roles.Delete(ctx, pk, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete role %s: %w", id, err)
	}
	return nil
}
