package merge

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks an invalid engine configuration. It fails the
// coordinator's construction; it is never raised during event processing.
var ErrConfiguration = errors.New("invalid merge configuration")

type CommitError struct {
	Key string
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed for key %q: %v", e.Key, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

func NewCommitError(key string, err error) *CommitError {
	return &CommitError{Key: key, Err: err}
}

func IsCommitError(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce)
}
