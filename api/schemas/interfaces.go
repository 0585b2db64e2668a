package schemas

import (
	"context"
	"time"
)

// -- Browser Interfaces --

// ActionExecutor performs an abstract action against a live page. It never
// returns an error for an ordinary interaction failure: the outcome text starts
// with ErrorOutcomePrefix instead and the caller decides what it means.
type ActionExecutor interface {
	Execute(ctx context.Context, action AgentAction, elements []InteractiveElement) string
}

// PageSession is a live browser page as seen by the agent controller.
type PageSession interface {
	ActionExecutor
	// Observe rebuilds the observation of the current page.
	Observe(ctx context.Context) (*PageObservation, error)
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// URL returns the current location.
	URL(ctx context.Context) (string, error)
	Close() error
}

// -- Store Interface --

// TaskStore persists investigation status records. It is owned by whoever
// submits investigations and the controller only writes into it.
type TaskStore interface {
	Get(ctx context.Context, id string) (*TaskRecord, error)
	// Set writes the full record. A zero ttl keeps the record indefinitely.
	Set(ctx context.Context, rec *TaskRecord, ttl time.Duration) error
	// Update merges patch into an existing record and returns the result.
	Update(ctx context.Context, id string, patch TaskPatch) (*TaskRecord, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*TaskRecord, error)
}
