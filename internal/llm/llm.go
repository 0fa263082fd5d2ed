package llm

import (
	"context"
	"iter"
)

// Role identifies the author of a message in a provider request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the ordered context sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the provider session context of a single branch.
type Request struct {
	APIKey     string
	Model      string
	Messages   []Message
	SessionKey string
}

// LastUserMessage returns the most recent user message and its index, or -1.
func (r Request) LastUserMessage() (Message, int) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i], i
		}
	}
	return Message{}, -1
}

// Adapter streams the reply of one provider as text fragments. A failure is
// yielded once as ("", err) and ends the sequence.
type Adapter interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// AdapterFunc lets ordinary functions act as adapters.
type AdapterFunc func(ctx context.Context, req Request) iter.Seq2[string, error]

// Stream implements Adapter.
func (f AdapterFunc) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return f(ctx, req)
}

// Fail returns a sequence that yields err once.
func Fail(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}
