package budget

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded matches any *ExceededError via errors.Is.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ExceededError reports that cumulative spend reached the configured cap.
// It is always terminal for the session that hit it.
type ExceededError struct {
	Spent  float64
	Budget float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: spent=$%.4f budget=$%.4f", e.Spent, e.Budget)
}

// Is lets errors.Is(err, ErrBudgetExceeded) match.
func (e *ExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// PermanentError marks an error that must not be retried: malformed input,
// failed validation, unknown provider or action names.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the Retrier propagates it on the first attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
