// Package stream runs one branch per model concurrently and merges their
// fragments into a single ordered event stream.
package stream

import (
	"context"
	"time"

	"PolyChat/internal/llm"
)

// Kind names an outbound event.
type Kind string

const (
	KindStart    Kind = "start"
	KindChunk    Kind = "chunk"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Event is one outbound notification. Its JSON form is the wire contract.
type Event struct {
	Kind      Kind   `json:"event"`
	Model     string `json:"model"`
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Terminal reports whether e ends its branch.
func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

// Branch is one model's independent execution path.
type Branch struct {
	Model     string
	Family    string
	MessageID string
	Adapter   llm.Adapter
	Request   llm.Request
	// Err short-circuits the branch: start and error are emitted and the
	// adapter is never called.
	Err error
	// Prepare, when set, completes Request once the branch started. An error
	// short-circuits the branch like Err.
	Prepare func(ctx context.Context, req *llm.Request) error
}

// Status is the outcome of a branch.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is what a branch produced.
type Result struct {
	Model     string
	Family    string
	MessageID string
	Content   string
	Status    Status
	Err       error
	Duration  time.Duration
	// Dispatched reports whether the adapter was called.
	Dispatched bool
}
