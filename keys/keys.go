// Package keys derives partition and row keys from plaintext identity attributes.
//
// A Codec is a stateless value bound to one key-scheme version. Rows record
// the version they were written with, so rows written under an older scheme
// stay readable after CurrentVersion moves on: look them up with ForVersion.
package keys

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/jacentio/trellis-identity/internal/shard"
	"github.com/jacentio/trellis-identity/store"
)

const (
	// VersionEscape encodes values with URL query escaping. Keys are readable
	// but grow with the input.
	VersionEscape = 1

	// VersionHash encodes values as a 128-bit SHA-256 digest.
	VersionHash = 2

	// CurrentVersion is the scheme used for new rows.
	CurrentVersion = VersionHash
)

// Key prefixes. Row keys of dependent kinds must match the registry.
const (
	PrefixUser           = "U_"
	PrefixRole           = "R_"
	PrefixRolePartition  = "RP_"
	PrefixClaim          = "C_"
	PrefixLogin          = "L_"
	PrefixRoleMembership = "UR_"
	PrefixIndexEmail     = "IE_"
	PrefixIndexUsername  = "IN_"
	PrefixIndexLogin     = "IL_"
)

// RolePartitionBuckets is the number of partitions roles are spread over.
const RolePartitionBuckets = 16

// IndexKind names an alternate key.
type IndexKind string

const (
	IndexEmail    IndexKind = "email"
	IndexUsername IndexKind = "username"
	IndexLogin    IndexKind = "login"
)

// Unique reports whether at most one user may hold a value of this kind.
func (k IndexKind) Unique() bool {
	return k == IndexUsername || k == IndexLogin
}

func (k IndexKind) prefix() (string, bool) {
	switch k {
	case IndexEmail:
		return PrefixIndexEmail, true
	case IndexUsername:
		return PrefixIndexUsername, true
	case IndexLogin:
		return PrefixIndexLogin, true
	}
	return "", false
}

// Codec derives keys under one scheme version.
type Codec struct {
	version int
}

// New returns a codec for CurrentVersion.
func New() Codec {
	return Codec{version: CurrentVersion}
}

// ForVersion returns the codec for a historical scheme version.
func ForVersion(v int) (Codec, error) {
	switch v {
	case VersionEscape, VersionHash:
		return Codec{version: v}, nil
	}
	return Codec{}, fmt.Errorf("%w: unknown key version %d", store.ErrInvalidArgument, v)
}

// Versions lists supported scheme versions, newest first.
func Versions() []int {
	return []int{VersionHash, VersionEscape}
}

// Version returns the scheme version stamped on rows written with c.
// The zero Codec reports CurrentVersion.
func (c Codec) Version() int {
	if c.version == 0 {
		return CurrentVersion
	}
	return c.version
}

// NormalizeName trims, NFC-normalizes and case-folds a username or role name.
func NormalizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// A Caser keeps state, so it is not shared between goroutines.
	return cases.Fold().String(norm.NFC.String(s))
}

// NormalizeEmail normalizes an email address the same way as a name.
// The local part is folded too; mailbox case sensitivity is not honored.
func NormalizeEmail(s string) string {
	return NormalizeName(s)
}

// LoginValue joins a login provider and key into the value indexed for logins.
func LoginValue(provider, key string) string {
	return url.QueryEscape(provider) + "|" + url.QueryEscape(key)
}

// UserID derives the user id, which is both partition and row key of the user row.
func (c Codec) UserID(username string) (string, error) {
	n, err := normalized("username", username)
	if err != nil {
		return "", err
	}
	return c.encode(PrefixUser, n), nil
}

// RoleID derives a role's row key.
func (c Codec) RoleID(roleName string) (string, error) {
	n, err := normalized("role name", roleName)
	if err != nil {
		return "", err
	}
	return c.encode(PrefixRole, n), nil
}

// RolePartition derives the partition a role is stored in.
func (c Codec) RolePartition(roleName string) (string, error) {
	id, err := c.RoleID(roleName)
	if err != nil {
		return "", err
	}
	return RolePartitionFromID(id)
}

// RolePartitionFromID derives a role's partition from its row key.
func RolePartitionFromID(roleID string) (string, error) {
	if !strings.HasPrefix(roleID, PrefixRole) || len(roleID) == len(PrefixRole) {
		return "", fmt.Errorf("%w: %q is not a role id", store.ErrInvalidArgument, roleID)
	}
	return PrefixRolePartition + shard.Bucket(roleID, RolePartitionBuckets), nil
}

// ClaimRowKey derives the row key of a claim in its user's partition.
func (c Codec) ClaimRowKey(claimType, claimValue string) (string, error) {
	if err := verbatim("claim type", claimType); err != nil {
		return "", err
	}
	if err := verbatim("claim value", claimValue); err != nil {
		return "", err
	}
	return c.encode(PrefixClaim, claimType, claimValue), nil
}

// LoginRowKey derives the row key of a login in its user's partition.
func (c Codec) LoginRowKey(provider, key string) (string, error) {
	if err := verbatim("login provider", provider); err != nil {
		return "", err
	}
	if err := verbatim("provider key", key); err != nil {
		return "", err
	}
	return c.encode(PrefixLogin, provider, key), nil
}

// RoleMembershipRowKey derives the row key of a role membership in its user's partition.
func (c Codec) RoleMembershipRowKey(roleName string) (string, error) {
	n, err := normalized("role name", roleName)
	if err != nil {
		return "", err
	}
	return c.encode(PrefixRoleMembership, n), nil
}

// IndexPartition derives the index partition for an alternate-key value.
// Emails and usernames are normalized; login values are used verbatim.
func (c Codec) IndexPartition(kind IndexKind, value string) (string, error) {
	prefix, ok := kind.prefix()
	if !ok {
		return "", fmt.Errorf("%w: unknown index kind %q", store.ErrInvalidArgument, kind)
	}
	v, err := NormalizeIndexValue(kind, value)
	if err != nil {
		return "", err
	}
	return c.encode(prefix, v), nil
}

// NormalizeIndexValue applies the normalization rule of kind to value.
func NormalizeIndexValue(kind IndexKind, value string) (string, error) {
	switch kind {
	case IndexEmail:
		return normalizedWith("email", value, NormalizeEmail)
	case IndexUsername:
		return normalized("username", value)
	case IndexLogin:
		if err := verbatim("login", value); err != nil {
			return "", err
		}
		return value, nil
	}
	return "", fmt.Errorf("%w: unknown index kind %q", store.ErrInvalidArgument, kind)
}

func (c Codec) encode(prefix string, parts ...string) string {
	if c.Version() == VersionEscape {
		escaped := make([]string, len(parts))
		for i, p := range parts {
			escaped[i] = url.QueryEscape(p)
		}
		return prefix + strings.Join(escaped, "|")
	}
	return prefix + shard.Digest(parts...)
}

func normalized(field, value string) (string, error) {
	return normalizedWith(field, value, NormalizeName)
}

func normalizedWith(field, value string, fn func(string) string) (string, error) {
	n := fn(value)
	if n == "" {
		return "", fmt.Errorf("%w: %s is empty", store.ErrInvalidArgument, field)
	}
	return n, nil
}

func verbatim(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is empty", store.ErrInvalidArgument, field)
	}
	return nil
}
