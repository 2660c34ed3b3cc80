package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"

	"github.com/jacentio/trellis-identity/index"
	"github.com/jacentio/trellis-identity/keys"
	"github.com/jacentio/trellis-identity/store"
)

// User is an account.
type User struct {
	// ID is derived from UserName. Create and Update set it.
	ID string

	UserName             string
	Email                string
	EmailConfirmed       bool
	PasswordHash         string
	SecurityStamp        string
	PhoneNumber          string
	PhoneNumberConfirmed bool
	TwoFactorEnabled     bool
	LockoutEnabled       bool
	LockoutEnd           time.Time
	AccessFailedCount    int

	// KeyVersion is the key scheme the user's rows were written with.
	KeyVersion int

	// Version is the optimistic lock version. Update fails with
	// store.ErrConcurrentModification when it is stale.
	Version int64
}

// Validate checks the fields that are stored as keys or indexed.
func (u *User) Validate() error {
	return validation.ValidateStruct(u,
		validation.Field(&u.UserName, validation.Required, validation.Length(1, 256)),
		validation.Field(&u.Email, validation.Length(3, 256), is.Email),
		validation.Field(&u.PhoneNumber, validation.Length(0, 64)),
		validation.Field(&u.AccessFailedCount, validation.Min(0)),
	)
}

func (u *User) validate() error {
	if u == nil {
		return fmt.Errorf("%w: nil user", store.ErrInvalidArgument)
	}
	if err := u.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidArgument, err)
	}
	return nil
}

// apply copies u's fields onto row. Markers and unknown attributes are kept.
func (u *User) apply(row *store.Row) {
	row.SetAttr(store.AttrUsername, strings.TrimSpace(u.UserName))
	row.SetAttr(store.AttrEmail, strings.TrimSpace(u.Email))
	row.SetAttr(store.AttrEmailConfirmed, strconv.FormatBool(u.EmailConfirmed))
	row.SetAttr(store.AttrPasswordHash, u.PasswordHash)
	row.SetAttr(store.AttrSecurityStamp, u.SecurityStamp)
	row.SetAttr(store.AttrPhoneNumber, u.PhoneNumber)
	row.SetAttr(store.AttrPhoneNumberConfirmed, strconv.FormatBool(u.PhoneNumberConfirmed))
	row.SetAttr(store.AttrTwoFactorEnabled, strconv.FormatBool(u.TwoFactorEnabled))
	row.SetAttr(store.AttrLockoutEnabled, strconv.FormatBool(u.LockoutEnabled))
	lockoutEnd := ""
	if !u.LockoutEnd.IsZero() {
		lockoutEnd = u.LockoutEnd.UTC().Format(time.RFC3339Nano)
	}
	row.SetAttr(store.AttrLockoutEnd, lockoutEnd)
	row.SetAttr(store.AttrAccessFailedCount, strconv.Itoa(u.AccessFailedCount))
}

func userFromRow(row *store.Row) *User {
	u := &User{
		ID:            row.PartitionKey,
		UserName:      row.Attr(store.AttrUsername),
		Email:         row.Attr(store.AttrEmail),
		PasswordHash:  row.Attr(store.AttrPasswordHash),
		SecurityStamp: row.Attr(store.AttrSecurityStamp),
		PhoneNumber:   row.Attr(store.AttrPhoneNumber),
		KeyVersion:    row.KeyVersion,
		Version:       row.Version,
	}
	u.EmailConfirmed, _ = strconv.ParseBool(row.Attr(store.AttrEmailConfirmed))
	u.PhoneNumberConfirmed, _ = strconv.ParseBool(row.Attr(store.AttrPhoneNumberConfirmed))
	u.TwoFactorEnabled, _ = strconv.ParseBool(row.Attr(store.AttrTwoFactorEnabled))
	u.LockoutEnabled, _ = strconv.ParseBool(row.Attr(store.AttrLockoutEnabled))
	if s := row.Attr(store.AttrLockoutEnd); s != "" {
		u.LockoutEnd, _ = time.Parse(time.RFC3339Nano, s)
	}
	u.AccessFailedCount, _ = strconv.Atoi(row.Attr(store.AttrAccessFailedCount))
	return u
}

// Create stores a new user together with its claims, logins and role
// memberships, then indexes its username, email and logins. It fails with
// store.ErrConflict when the username or one of the logins is taken, and with
// store.ErrNotFound when one of the roles does not exist.
func (r *Repository) Create(ctx context.Context, u *User, deps Dependents) error {
	if err := u.validate(); err != nil {
		return err
	}
	if err := deps.validate(); err != nil {
		return err
	}
	id, err := r.codec.UserID(u.UserName)
	if err != nil {
		return err
	}

	// 1. Refuse names already held, including by rows under an older key scheme.
	if existing, err := r.findUserRow(ctx, u.UserName); err == nil {
		return fmt.Errorf("%w: username %q is held by %s", store.ErrConflict, strings.TrimSpace(u.UserName), existing.PartitionKey)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// 2. Refuse logins indexed for anyone.
	logins := make([]string, 0, len(deps.Logins))
	for _, l := range deps.Logins {
		value := keys.LoginValue(l.Provider, l.Key)
		holders, err := r.loginHolders(ctx, value)
		if err != nil {
			return err
		}
		if len(holders) > 0 {
			return fmt.Errorf("%w: login %s/%s belongs to %s", store.ErrConflict, l.Provider, l.Key, holders[0])
		}
		logins = append(logins, value)
	}

	roles := make([]string, 0, len(deps.Roles))
	for _, name := range deps.Roles {
		role, err := r.FindRoleByName(ctx, name)
		if err != nil {
			return err
		}
		roles = append(roles, role.Name)
	}

	// 3. Write the user row first; put-if-absent settles a concurrent create.
	if u.SecurityStamp == "" {
		u.SecurityStamp = uuid.NewString()
	}
	userRow := &store.Row{PartitionKey: id, RowKey: id, Kind: store.KindUser, KeyVersion: r.codec.Version()}
	u.apply(userRow)
	rows, err := dependentRows(r.codec, id, deps.Claims, deps.Logins, roles)
	if err != nil {
		return err
	}
	first := min(len(rows), r.batch-1)
	ops := []store.Op{store.PutIfAbsentOp(userRow)}
	for _, row := range rows[:first] {
		ops = append(ops, store.PutOp(row))
	}
	if err := r.users.Batch(ctx, id, ops); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("%w: username %q is taken", store.ErrConflict, strings.TrimSpace(u.UserName))
		}
		return fmt.Errorf("create user %s: %w", id, err)
	}
	for chunk := range slices.Chunk(rows[first:], r.batch) {
		ops := make([]store.Op, 0, len(chunk))
		for _, row := range chunk {
			ops = append(ops, store.PutOp(row))
		}
		if err := r.users.Batch(ctx, id, ops); err != nil {
			return fmt.Errorf("create dependents of %s: %w", id, err)
		}
	}
	u.ID, u.KeyVersion, u.Version = id, userRow.KeyVersion, userRow.Version

	// 4. Index. A user that cannot be indexed is removed again, so the
	// caller can retry the whole create.
	if err := r.indexUser(ctx, u, logins); err != nil {
		r.logger.Warn("indexing new user failed, backing out", "user_id", id, "error", err)
		if err := r.Delete(context.WithoutCancel(ctx), id); err != nil {
			r.logger.Error("failed to back out user", "user_id", id, "error", err)
		}
		return err
	}

	// 5. Two creates can pass step 2 with the same login. Whoever sees
	// another holder afterwards backs out.
	for _, value := range logins {
		holders, err := r.loginHolders(ctx, value)
		if err != nil {
			return err
		}
		if len(holders) > 1 {
			r.logger.Warn("login claimed concurrently, backing out",
				"user_id", id,
				"login", value,
				"holders", holders,
			)
			if err := r.Delete(ctx, id); err != nil {
				r.logger.Error("failed to back out user", "user_id", id, "error", err)
			}
			return fmt.Errorf("%w: login %s is claimed by another user", store.ErrConflict, value)
		}
	}
	return nil
}

func (r *Repository) indexUser(ctx context.Context, u *User, logins []string) error {
	if err := r.index.Upsert(ctx, index.KindUsername, u.UserName, u.ID); err != nil {
		return err
	}
	if strings.TrimSpace(u.Email) != "" {
		if err := r.index.Upsert(ctx, index.KindEmail, u.Email, u.ID); err != nil {
			return err
		}
	}
	for _, value := range logins {
		if err := r.index.Upsert(ctx, index.KindLogin, value, u.ID); err != nil {
			return err
		}
	}
	return nil
}

// FindByID returns the user stored under id.
func (r *Repository) FindByID(ctx context.Context, id string) (*User, error) {
	row, err := r.userRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return userFromRow(row), nil
}

// FindByUsername returns the user registered as username. Users written under
// an older key scheme are found too.
func (r *Repository) FindByUsername(ctx context.Context, username string) (*User, error) {
	row, err := r.findUserRow(ctx, username)
	if err != nil {
		return nil, err
	}
	return userFromRow(row), nil
}

// FindByEmail returns every user with the email, sorted by id. Index entries
// whose user is gone or no longer has the email are skipped. It returns an
// empty slice when nobody matches.
func (r *Repository) FindByEmail(ctx context.Context, email string) ([]*User, error) {
	want := keys.NormalizeEmail(email)
	if want == "" {
		return nil, fmt.Errorf("%w: email is empty", store.ErrInvalidArgument)
	}
	var ids []string
	for _, c := range r.codecs() {
		found, err := r.index.WithCodec(c).Lookup(ctx, index.KindEmail, email)
		if err != nil {
			return nil, err
		}
		ids = append(ids, found...)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	rows := make(map[string]*store.Row, len(ids))
	for _, id := range ids {
		row, err := r.userRow(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("skipping dangling email index entry", "user_id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if keys.NormalizeEmail(row.Attr(store.AttrEmail)) != want {
			r.logger.Warn("skipping stale email index entry", "user_id", id)
			continue
		}
		rows[id] = row
	}

	users := []*User{}
	for _, id := range ids {
		row, ok := rows[id]
		if !ok {
			continue
		}
		// Mid-rename both identities carry the email.
		if target := row.Attr(store.AttrMigratingTo); target != "" && rows[target] != nil {
			continue
		}
		users = append(users, userFromRow(row))
	}
	return users, nil
}

// FindByLogin returns the user holding an external login. While the user is
// being renamed the destination identity is returned.
func (r *Repository) FindByLogin(ctx context.Context, provider, key string) (*User, error) {
	if strings.TrimSpace(provider) == "" || strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: login provider and key are required", store.ErrInvalidArgument)
	}
	holders, err := r.loginHolders(ctx, keys.LoginValue(provider, key))
	if err != nil {
		return nil, err
	}
	var rows []*store.Row
	for _, id := range holders {
		row, err := r.userRow(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("skipping dangling login index entry", "user_id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	switch len(rows) {
	case 0:
		return nil, fmt.Errorf("login %s/%s: %w", provider, key, store.ErrNotFound)
	case 1:
		return userFromRow(rows[0]), nil
	}
	if row := renameTarget(rows); row != nil {
		return userFromRow(row), nil
	}
	r.logger.Warn("index consistency violation", "kind", index.KindLogin, "user_ids", holders)
	return nil, fmt.Errorf("%w: login %s/%s resolves to %d users",
		store.ErrConsistencyViolation, provider, key, len(rows))
}

// Update writes u's fields if u.Version is current. A changed username
// renames the user and its dependents first; u.ID then holds the new id. A
// user still keyed under an older scheme is moved to the current one.
func (r *Repository) Update(ctx context.Context, u *User) error {
	if err := u.validate(); err != nil {
		return err
	}
	cur, err := r.userRow(ctx, u.ID)
	if err != nil {
		return err
	}
	if cur.Version != u.Version {
		return fmt.Errorf("%w: user %s is at version %d, not %d",
			store.ErrConcurrentModification, cur.PartitionKey, cur.Version, u.Version)
	}
	newID, err := r.codec.UserID(u.UserName)
	if err != nil {
		return err
	}
	if cur.Attr(store.AttrDeleting) != "" {
		return busy(cur)
	}
	// A pending rename claim is settled by the migrator, which resumes it or
	// takes it over once stale.
	if newID != cur.PartitionKey || cur.Attr(store.AttrMigratingTo) != "" {
		if _, err := r.migrator.Rename(ctx, cur.Attr(store.AttrUsername), u.UserName); err != nil {
			return err
		}
		if cur, err = r.userRow(ctx, newID); err != nil {
			return err
		}
	}

	id := cur.PartitionKey
	oldEmail := cur.Attr(store.AttrEmail)
	emailChanged := keys.NormalizeEmail(oldEmail) != keys.NormalizeEmail(u.Email)
	if emailChanged && strings.TrimSpace(u.Email) != "" {
		if err := r.index.Upsert(ctx, index.KindEmail, u.Email, id); err != nil {
			return err
		}
	}

	row := cur.Clone()
	u.apply(row)
	if err := r.users.Batch(ctx, id, []store.Op{store.PutIfVersionOp(row)}); err != nil {
		return fmt.Errorf("update user %s: %w", id, err)
	}
	u.ID, u.KeyVersion, u.Version = id, row.KeyVersion, row.Version

	if emailChanged {
		if err := r.removeIndex(ctx, index.KindEmail, oldEmail, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a user, its dependents and the index entries pointing at it.
// Entries of other users sharing its email stay in place.
//
// The user row is marked first, so a rename cannot claim it once the delete
// has started. Delete can be called again after a failure.
func (r *Repository) Delete(ctx context.Context, id string) error {
	owner, err := r.markDeleting(ctx, id)
	if err != nil {
		return err
	}
	rows, err := store.Collect(r.users.Query(ctx, id, ""))
	if err != nil {
		return fmt.Errorf("snapshot user %s: %w", id, err)
	}

	var (
		logins []string
		ops    []store.Op
	)
	for _, row := range rows {
		if row.RowKey == id {
			continue
		}
		if row.Kind == store.KindLogin {
			logins = append(logins, keys.LoginValue(row.Attr(store.AttrLoginProvider), row.Attr(store.AttrProviderKey)))
		}
		ops = append(ops, store.DeleteOp(id, row.RowKey))
	}

	// Dependents go first, each batch checked against the marked user row.
	for chunk := range slices.Chunk(ops, max(r.batch-1, 1)) {
		batch := append([]store.Op{store.CheckOp(owner)}, chunk...)
		if err := r.users.Batch(ctx, id, batch); err != nil {
			return fmt.Errorf("delete dependents of %s: %w", id, err)
		}
	}
	if err := r.users.Batch(ctx, id, []store.Op{store.DeleteIfVersionOp(owner)}); err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}

	errs := []error{
		r.removeIndex(ctx, index.KindUsername, owner.Attr(store.AttrUsername), id),
		r.removeIndex(ctx, index.KindEmail, owner.Attr(store.AttrEmail), id),
	}
	for _, value := range logins {
		errs = append(errs, r.removeIndex(ctx, index.KindLogin, value, id))
	}
	return errors.Join(errs...)
}

// markDeleting stamps the user row with the deleting marker and returns it at
// its new version. A row already marked is returned as is.
func (r *Repository) markDeleting(ctx context.Context, id string) (*store.Row, error) {
	for attempt := 1; ; attempt++ {
		row, err := r.userRow(ctx, id)
		if err != nil {
			return nil, err
		}
		if row.Attr(store.AttrDeleting) != "" {
			return row, nil
		}
		if err := busy(row); err != nil {
			return nil, err
		}
		marked := row.Clone()
		marked.SetAttr(store.AttrDeleting, "true")
		err = r.users.Batch(ctx, id, []store.Op{store.PutIfVersionOp(marked)})
		if err == nil {
			return marked, nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) || attempt >= maxOwnerAttempts {
			return nil, fmt.Errorf("mark user %s deleted: %w", id, err)
		}
	}
}
