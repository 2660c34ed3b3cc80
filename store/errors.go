package store

import "errors"

var (
	// ErrInvalidArgument is returned when a required input is empty or cannot be normalized.
	ErrInvalidArgument = errors.New("trellis: invalid argument")

	// ErrNotFound is returned when a row or entity doesn't exist.
	ErrNotFound = errors.New("trellis: entity not found")

	// ErrConflict is returned when a uniqueness rule is violated (username, login, role name).
	ErrConflict = errors.New("trellis: conflict")

	// ErrAlreadyExists is returned when a put-if-absent finds an existing row.
	// It matches ErrConflict with errors.Is.
	ErrAlreadyExists = &conflictError{msg: "trellis: entity already exists"}

	// ErrConcurrentModification is returned when optimistic lock fails (version mismatch).
	ErrConcurrentModification = errors.New("trellis: entity was modified concurrently")

	// ErrConsistencyViolation is returned when an index uniqueness invariant is broken.
	ErrConsistencyViolation = errors.New("trellis: index consistency violation")

	// ErrBackendUnavailable is returned for transient backend failures.
	ErrBackendUnavailable = errors.New("trellis: backend unavailable")

	// ErrMigrationIncomplete is returned when a rename could not finish after retries.
	ErrMigrationIncomplete = errors.New("trellis: migration incomplete")

	// ErrPartitionMismatch is returned when a batch op targets another partition.
	ErrPartitionMismatch = errors.New("trellis: batch spans multiple partitions")

	// ErrBatchTooLarge is returned when a batch exceeds the backend limit.
	ErrBatchTooLarge = errors.New("trellis: batch exceeds size limit")

	// ErrIteratorReused is returned when a query sequence is ranged over twice.
	ErrIteratorReused = errors.New("trellis: query sequence already consumed")

	// ErrClosed is returned when a table handle is used after its session was closed.
	ErrClosed = errors.New("trellis: session closed")
)

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }

func (e *conflictError) Is(target error) bool { return target == ErrConflict }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
