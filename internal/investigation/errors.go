package investigation

import (
	"errors"
	"fmt"
)

// ErrConcurrentLimit matches any *ConcurrentLimitError via errors.Is.
var ErrConcurrentLimit = errors.New("concurrent investigation limit reached")

// ConcurrentLimitError rejects a submission at admission time.
type ConcurrentLimitError struct {
	Limit int
}

func (e *ConcurrentLimitError) Error() string {
	return fmt.Sprintf("concurrent investigation limit reached (%d)", e.Limit)
}

func (e *ConcurrentLimitError) Is(target error) bool { return target == ErrConcurrentLimit }

var (
	// ErrInvalidTarget is returned for URLs that are not absolute http(s).
	ErrInvalidTarget = errors.New("invalid investigation target")
	// ErrNotFound is returned for ids that are not running.
	ErrNotFound = errors.New("investigation not found")
	// ErrShuttingDown is returned by Submit after Shutdown started.
	ErrShuttingDown = errors.New("coordinator is shutting down")
)
