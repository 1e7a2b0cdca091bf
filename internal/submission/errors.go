package submission

import (
	"errors"
	"fmt"

	"github.com/feichai0017/building-console/internal/utils/validator"
)

var (
	ErrNoArtifact        = errors.New("no artifact selected")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Category classifies a submission failure.
type Category string

const (
	// CategoryValidation is a local rejection; no network call was made.
	CategoryValidation Category = "validation"
	// CategoryTransfer is a network or server failure during transfer; retryable.
	CategoryTransfer Category = "transfer"
	// CategoryCommit means the server rejected finalization. The transferred artifact may be orphaned server-side.
	CategoryCommit Category = "commit"
)

// Error is the user-visible failure of a submission.
type Error struct {
	Category Category
	Reason   validator.Reason
	Message  string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func transitionError(from State, action string) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, from)
}
