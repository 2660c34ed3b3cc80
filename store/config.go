package store

import "time"

// DynamoMaxBatchSize is the TransactWriteItems item limit.
const DynamoMaxBatchSize = 100

// Config holds configuration for a Session and the backends.
type Config struct {
	// TablePrefix is prepended to every table name.
	// Default: ""
	TablePrefix string `env:"TRELLIS_TABLE_PREFIX"`

	// UsersTable holds users and their claims, logins and role memberships.
	// Default: "users"
	UsersTable string `env:"TRELLIS_USERS_TABLE" envDefault:"users"`

	// RolesTable holds roles.
	// Default: "roles"
	RolesTable string `env:"TRELLIS_ROLES_TABLE" envDefault:"roles"`

	// IndexTable holds alternate-key index entries.
	// Default: "index"
	IndexTable string `env:"TRELLIS_INDEX_TABLE" envDefault:"index"`

	// StrictDelete makes Delete return ErrNotFound for absent rows.
	// Default: false
	StrictDelete bool `env:"TRELLIS_STRICT_DELETE"`

	// MaxBatchSize caps the number of ops in one atomic batch.
	// Default: 100 (the DynamoDB transaction limit)
	MaxBatchSize int `env:"TRELLIS_MAX_BATCH_SIZE" envDefault:"100"`

	// Retry is applied to every table handle a Session opens.
	Retry RetryPolicy `envPrefix:"TRELLIS_RETRY_"`
}

// RetryPolicy bounds retries of transient backend failures.
type RetryPolicy struct {
	// MaxAttempts includes the first try. 1 disables retries, 0 means default.
	// Default: 4
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"4"`

	// InitialInterval is the first backoff delay.
	// Default: 50ms
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"50ms"`

	// MaxInterval caps a single backoff delay.
	// Default: 2s
	MaxInterval time.Duration `env:"MAX_INTERVAL" envDefault:"2s"`
}

// DefaultConfig returns sensible defaults for a DynamoDB deployment.
func DefaultConfig() Config {
	return Config{
		UsersTable:   "users",
		RolesTable:   "roles",
		IndexTable:   "index",
		MaxBatchSize: DynamoMaxBatchSize,
		Retry:        DefaultRetryPolicy(),
	}
}

// DefaultRetryPolicy returns the default retry bounds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// UsersTableName returns the prefixed users table name.
func (c Config) UsersTableName() string { return c.TablePrefix + c.UsersTable }

// RolesTableName returns the prefixed roles table name.
func (c Config) RolesTableName() string { return c.TablePrefix + c.RolesTable }

// IndexTableName returns the prefixed index table name.
func (c Config) IndexTableName() string { return c.TablePrefix + c.IndexTable }

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.UsersTable == "" {
		c.UsersTable = "users"
	}
	if c.RolesTable == "" {
		c.RolesTable = "roles"
	}
	if c.IndexTable == "" {
		c.IndexTable = "index"
	}
	if c.MaxBatchSize < 1 {
		c.MaxBatchSize = DynamoMaxBatchSize
	}
	c.Retry.validate()
}

func (p *RetryPolicy) validate() {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 4
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 50 * time.Millisecond
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
}
