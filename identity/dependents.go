package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/jacentio/trellis-identity/index"
	"github.com/jacentio/trellis-identity/keys"
	"github.com/jacentio/trellis-identity/store"
)

// Claim is a type/value pair asserted about a user.
type Claim struct {
	Type  string
	Value string
}

// Validate checks that both parts are present.
func (c Claim) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Type, validation.Required),
		validation.Field(&c.Value, validation.Required),
	)
}

// Login links a user to an account at an external provider.
type Login struct {
	Provider    string
	Key         string
	DisplayName string
}

// Validate checks that provider and key are present.
func (l Login) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Provider, validation.Required),
		validation.Field(&l.Key, validation.Required),
	)
}

// Dependents are written into a new user's partition by Create.
type Dependents struct {
	Claims []Claim
	Logins []Login

	// Roles lists role names. Each role must exist.
	Roles []string
}

func (d Dependents) validate() error {
	for _, c := range d.Claims {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: claim: %w", store.ErrInvalidArgument, err)
		}
	}
	for _, l := range d.Logins {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%w: login: %w", store.ErrInvalidArgument, err)
		}
	}
	for _, name := range d.Roles {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: role name is empty", store.ErrInvalidArgument)
		}
	}
	return nil
}

func claimRow(codec keys.Codec, userID string, c Claim) (*store.Row, error) {
	rk, err := codec.ClaimRowKey(c.Type, c.Value)
	if err != nil {
		return nil, err
	}
	return &store.Row{
		PartitionKey: userID,
		RowKey:       rk,
		Kind:         store.KindClaim,
		KeyVersion:   codec.Version(),
		Attributes: map[string]string{
			store.AttrClaimType:  c.Type,
			store.AttrClaimValue: c.Value,
		},
	}, nil
}

func loginRow(codec keys.Codec, userID string, l Login) (*store.Row, error) {
	rk, err := codec.LoginRowKey(l.Provider, l.Key)
	if err != nil {
		return nil, err
	}
	row := &store.Row{
		PartitionKey: userID,
		RowKey:       rk,
		Kind:         store.KindLogin,
		KeyVersion:   codec.Version(),
	}
	row.SetAttr(store.AttrLoginProvider, l.Provider)
	row.SetAttr(store.AttrProviderKey, l.Key)
	row.SetAttr(store.AttrDisplayName, l.DisplayName)
	return row, nil
}

func membershipRow(codec keys.Codec, userID, roleName string) (*store.Row, error) {
	rk, err := codec.RoleMembershipRowKey(roleName)
	if err != nil {
		return nil, err
	}
	return &store.Row{
		PartitionKey: userID,
		RowKey:       rk,
		Kind:         store.KindRoleMembership,
		KeyVersion:   codec.Version(),
		Attributes: map[string]string{
			store.AttrRoleName: strings.TrimSpace(roleName),
		},
	}, nil
}

// dependentRows builds the rows of a new user's dependents. Entries that
// derive the same row key collapse to the last one.
func dependentRows(codec keys.Codec, userID string, claims []Claim, logins []Login, roles []string) ([]*store.Row, error) {
	var rows []*store.Row
	at := make(map[string]int)
	add := func(row *store.Row, err error) error {
		if err != nil {
			return err
		}
		if i, ok := at[row.RowKey]; ok {
			rows[i] = row
			return nil
		}
		at[row.RowKey] = len(rows)
		rows = append(rows, row)
		return nil
	}
	for _, c := range claims {
		if err := add(claimRow(codec, userID, c)); err != nil {
			return nil, err
		}
	}
	for _, l := range logins {
		if err := add(loginRow(codec, userID, l)); err != nil {
			return nil, err
		}
	}
	for _, name := range roles {
		if err := add(membershipRow(codec, userID, name)); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// AddClaim adds a claim to a user. Adding an existing claim is a no-op.
func (r *Repository) AddClaim(ctx context.Context, userID string, c Claim) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidArgument, err)
	}
	err := r.writeDependent(ctx, userID, func(owner *store.Row) ([]store.Op, error) {
		row, err := claimRow(r.codecFor(owner.KeyVersion), userID, c)
		if err != nil {
			return nil, err
		}
		return []store.Op{store.PutOp(row)}, nil
	})
	if err != nil {
		return fmt.Errorf("add claim to %s: %w", userID, err)
	}
	return nil
}

// RemoveClaim removes a claim from a user. A missing claim is not an error.
func (r *Repository) RemoveClaim(ctx context.Context, userID string, c Claim) error {
	err := r.writeDependent(ctx, userID, func(owner *store.Row) ([]store.Op, error) {
		rk, err := r.codecFor(owner.KeyVersion).ClaimRowKey(c.Type, c.Value)
		if err != nil {
			return nil, err
		}
		return []store.Op{store.DeleteOp(userID, rk)}, nil
	})
	if err != nil {
		return fmt.Errorf("remove claim from %s: %w", userID, err)
	}
	return nil
}

// Claims returns a user's claims.
func (r *Repository) Claims(ctx context.Context, userID string) ([]Claim, error) {
	rows, err := r.dependents(ctx, userID, store.KindClaim)
	if err != nil {
		return nil, err
	}
	claims := make([]Claim, 0, len(rows))
	for _, row := range rows {
		claims = append(claims, Claim{Type: row.Attr(store.AttrClaimType), Value: row.Attr(store.AttrClaimValue)})
	}
	return claims, nil
}

// AddLogin links an external login to a user. It fails with
// store.ErrConflict when the login belongs to another user.
func (r *Repository) AddLogin(ctx context.Context, userID string, l Login) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidArgument, err)
	}
	value := keys.LoginValue(l.Provider, l.Key)
	if err := r.checkLoginFree(ctx, value, userID); err != nil {
		return err
	}

	err := r.writeDependent(ctx, userID, func(owner *store.Row) ([]store.Op, error) {
		row, err := loginRow(r.codecFor(owner.KeyVersion), userID, l)
		if err != nil {
			return nil, err
		}
		return []store.Op{store.PutOp(row)}, nil
	})
	if err != nil {
		return fmt.Errorf("add login to %s: %w", userID, err)
	}
	if err := r.index.Upsert(ctx, index.KindLogin, value, userID); err != nil {
		return err
	}

	if err := r.checkLoginFree(ctx, value, userID); err != nil {
		r.logger.Warn("login claimed concurrently, backing out", "user_id", userID, "login", value)
		if rerr := r.RemoveLogin(ctx, userID, l.Provider, l.Key); rerr != nil {
			r.logger.Error("failed to back out login", "user_id", userID, "error", rerr)
		}
		return err
	}
	return nil
}

func (r *Repository) checkLoginFree(ctx context.Context, value, userID string) error {
	holders, err := r.loginHolders(ctx, value)
	if err != nil {
		return err
	}
	for _, id := range holders {
		if id != userID {
			return fmt.Errorf("%w: login %s belongs to %s", store.ErrConflict, value, id)
		}
	}
	return nil
}

// RemoveLogin unlinks an external login from a user.
func (r *Repository) RemoveLogin(ctx context.Context, userID, provider, key string) error {
	err := r.writeDependent(ctx, userID, func(owner *store.Row) ([]store.Op, error) {
		rk, err := r.codecFor(owner.KeyVersion).LoginRowKey(provider, key)
		if err != nil {
			return nil, err
		}
		return []store.Op{store.DeleteOp(userID, rk)}, nil
	})
	if err != nil {
		return fmt.Errorf("remove login from %s: %w", userID, err)
	}
	return r.removeIndex(ctx, index.KindLogin, keys.LoginValue(provider, key), userID)
}

// Logins returns a user's external logins.
func (r *Repository) Logins(ctx context.Context, userID string) ([]Login, error) {
	rows, err := r.dependents(ctx, userID, store.KindLogin)
	if err != nil {
		return nil, err
	}
	logins := make([]Login, 0, len(rows))
	for _, row := range rows {
		logins = append(logins, Login{
			Provider:    row.Attr(store.AttrLoginProvider),
			Key:         row.Attr(store.AttrProviderKey),
			DisplayName: row.Attr(store.AttrDisplayName),
		})
	}
	return logins, nil
}

// AddToRole makes a user a member of an existing role.
func (r *Repository) AddToRole(ctx context.Context, userID, roleName string) error {
	role, err := r.FindRoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	err = r.writeDependent(ctx, userID, func(owner *store.Row) ([]store.Op, error) {
		row, err := membershipRow(r.codecFor(owner.KeyVersion), userID, role.Name)
		if err != nil {
			return nil, err
		}
		return []store.Op{store.PutOp(row)}, nil
	})
	if err != nil {
		return fmt.Errorf("add %s to role %q: %w", userID, role.Name, err)
	}
	return nil
}

// RemoveFromRole ends a user's membership of a role.
func (r *Repository) RemoveFromRole(ctx context.Context, userID, roleName string) error {
	err := r.writeDependent(ctx, userID, func(owner *store.Row) ([]store.Op, error) {
		rk, err := r.codecFor(owner.KeyVersion).RoleMembershipRowKey(roleName)
		if err != nil {
			return nil, err
		}
		return []store.Op{store.DeleteOp(userID, rk)}, nil
	})
	if err != nil {
		return fmt.Errorf("remove %s from role %q: %w", userID, roleName, err)
	}
	return nil
}

// Roles returns the names of the roles a user belongs to, sorted.
func (r *Repository) Roles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.dependents(ctx, userID, store.KindRoleMembership)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.Attr(store.AttrRoleName))
	}
	slices.Sort(names)
	return names, nil
}

// IsInRole reports whether a user belongs to a role.
func (r *Repository) IsInRole(ctx context.Context, userID, roleName string) (bool, error) {
	owner, err := r.userRow(ctx, userID)
	if err != nil {
		return false, err
	}
	rk, err := r.codecFor(owner.KeyVersion).RoleMembershipRowKey(roleName)
	if err != nil {
		return false, err
	}
	_, err = r.users.Get(ctx, userID, rk)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, err
}
