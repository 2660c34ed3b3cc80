package migrate

import (
	"fmt"

	"github.com/jacentio/trellis-identity/store"
)

// Step names a stage of the rename protocol.
type Step string

const (
	StepDerive    Step = "derive"
	StepClaim     Step = "claim"
	StepSnapshot  Step = "snapshot"
	StepCreateNew Step = "create_new"
	StepRepoint   Step = "repoint_index"
	StepDeleteOld Step = "delete_old"
)

// Error reports a rename that stopped after it began writing. Both
// identities remain resolvable; calling Rename again with the same
// arguments resumes it. Error matches store.ErrMigrationIncomplete and
// the underlying cause with errors.Is.
type Error struct {
	From string
	To   string
	Step Step
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: rename %s to %s stopped at %s: %v",
		store.ErrMigrationIncomplete, e.From, e.To, e.Step, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{store.ErrMigrationIncomplete, e.Err}
}
