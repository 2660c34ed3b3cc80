package migrate

import (
	"time"

	"github.com/jacentio/trellis-identity/store"
)

// Config bounds a rename.
type Config struct {
	// MaxBatchSize caps the ops in one atomic batch. Larger partitions are
	// written in several batches.
	// Default: 100
	MaxBatchSize int `env:"TRELLIS_MIGRATE_MAX_BATCH_SIZE" envDefault:"100"`

	// Retry bounds retries of each write from create-new onwards.
	Retry store.RetryPolicy `envPrefix:"TRELLIS_MIGRATE_RETRY_"`

	// CompletionTimeout bounds the steps that run after the source row is
	// claimed. They ignore caller cancellation so that a rename never stops
	// between creating the new rows and deleting the old ones.
	// Default: 30s
	CompletionTimeout time.Duration `env:"TRELLIS_MIGRATE_COMPLETION_TIMEOUT" envDefault:"30s"`

	// StaleClaimAfter is the age at which a rename claim whose target row was
	// never written may be taken over by a rename to another name. It is
	// raised to at least twice CompletionTimeout.
	// Default: 5m
	StaleClaimAfter time.Duration `env:"TRELLIS_MIGRATE_STALE_CLAIM_AFTER" envDefault:"5m"`
}

// DefaultConfig returns the default rename bounds.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: store.DynamoMaxBatchSize,
		Retry: store.RetryPolicy{
			MaxAttempts:     5,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		CompletionTimeout: 30 * time.Second,
		StaleClaimAfter:   5 * time.Minute,
	}
}

func (c *Config) validate() {
	if c.MaxBatchSize < 2 {
		c.MaxBatchSize = store.DynamoMaxBatchSize
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = 30 * time.Second
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 5 * time.Minute
	}
	if c.StaleClaimAfter < 2*c.CompletionTimeout {
		c.StaleClaimAfter = 2 * c.CompletionTimeout
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry = DefaultConfig().Retry
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 100 * time.Millisecond
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		c.Retry.MaxInterval = c.Retry.InitialInterval
	}
}
