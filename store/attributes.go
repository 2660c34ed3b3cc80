package store

// Attribute names of the identity schema. Key-deriving attributes are kept on
// every row so keys can be re-derived when a row moves partition.
const (
	// User rows.
	AttrUsername             = "username"
	AttrEmail                = "email"
	AttrEmailConfirmed       = "email_confirmed"
	AttrPasswordHash         = "password_hash"
	AttrSecurityStamp        = "security_stamp"
	AttrPhoneNumber          = "phone_number"
	AttrPhoneNumberConfirmed = "phone_number_confirmed"
	AttrTwoFactorEnabled     = "two_factor_enabled"
	AttrLockoutEnabled       = "lockout_enabled"
	AttrLockoutEnd           = "lockout_end"
	AttrAccessFailedCount    = "access_failed_count"

	// AttrMigratingTo marks a user row as the source of an in-flight rename.
	AttrMigratingTo = "migrating_to"

	// AttrMigratingSince records when the rename claim was stamped, RFC 3339.
	AttrMigratingSince = "migrating_since"

	// AttrDeleting marks a user row whose partition is being deleted.
	AttrDeleting = "deleting"

	// AttrRenamedFrom records the id a user row was renamed from.
	AttrRenamedFrom = "renamed_from"

	// Claim rows.
	AttrClaimType  = "claim_type"
	AttrClaimValue = "claim_value"

	// Login rows.
	AttrLoginProvider = "login_provider"
	AttrProviderKey   = "provider_key"
	AttrDisplayName   = "display_name"

	// Role and role membership rows.
	AttrRoleName = "role_name"
	AttrName     = "name"
)
