package store

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retrying retries transient failures of the wrapped store.
type retrying struct {
	next   PartitionedStore
	policy RetryPolicy
}

// WithRetry decorates ps so that operations failing with ErrBackendUnavailable
// are retried with exponential backoff, up to policy.MaxAttempts tries.
// Any other error is returned immediately.
func WithRetry(ps PartitionedStore, policy RetryPolicy) PartitionedStore {
	policy.validate()
	if policy.MaxAttempts == 1 {
		return ps
	}
	return &retrying{next: ps, policy: policy}
}

// NewBackOff builds the exponential backoff described by the policy.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Reset()
	return b
}

// Do runs op until it succeeds, fails permanently, or the policy is exhausted.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	p.validate()
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := op(ctx)
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.NewBackOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	if err != nil && IsTransient(err) && attempts > 1 {
		return fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return err
}

func (r *retrying) Get(ctx context.Context, partitionKey, rowKey string) (*Row, error) {
	var row *Row
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		row, err = r.next.Get(ctx, partitionKey, rowKey)
		return err
	})
	return row, err
}

func (r *retrying) Put(ctx context.Context, row *Row) error {
	return r.policy.Do(ctx, func(ctx context.Context) error {
		return r.next.Put(ctx, row)
	})
}

func (r *retrying) Delete(ctx context.Context, partitionKey, rowKey string) error {
	return r.policy.Do(ctx, func(ctx context.Context) error {
		return r.next.Delete(ctx, partitionKey, rowKey)
	})
}

func (r *retrying) Batch(ctx context.Context, partitionKey string, ops []Op) error {
	return r.policy.Do(ctx, func(ctx context.Context) error {
		return r.next.Batch(ctx, partitionKey, ops)
	})
}

// Query restarts the underlying query only while nothing has been yielded;
// a failure after the first row surfaces to the caller.
func (r *retrying) Query(ctx context.Context, partitionKey, rowKeyPrefix string) iter.Seq2[*Row, error] {
	return SingleUse(func(yield func(*Row, error) bool) {
		b := r.policy.NewBackOff()
		for attempt := 1; ; attempt++ {
			yielded := false
			var failed error
			for row, err := range r.next.Query(ctx, partitionKey, rowKeyPrefix) {
				if err != nil {
					failed = err
					break
				}
				yielded = true
				if !yield(row, nil) {
					return
				}
			}
			if failed == nil {
				return
			}
			if yielded || !IsTransient(failed) || attempt >= r.policy.MaxAttempts {
				yield(nil, failed)
				return
			}
			timer := time.NewTimer(b.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				yield(nil, ctx.Err())
				return
			case <-timer.C:
			}
		}
	})
}
