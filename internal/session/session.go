// Package session defines the append-only record of conversations and their
// messages, plus an in-memory implementation.
package session

import (
	"context"
	"strings"

	xerrors "PolyChat/internal/errors"
)

// Role is the author of a stored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UserModel is the model recorded on user messages.
const UserModel = "user"

// Feedback is the post-hoc rating of an assistant message.
type Feedback string

const (
	FeedbackNone Feedback = ""
	FeedbackUp   Feedback = "up"
	FeedbackDown Feedback = "down"
)

// ParseFeedback validates a rating; "" clears it.
func ParseFeedback(value string) (Feedback, error) {
	switch fb := Feedback(strings.ToLower(strings.TrimSpace(value))); fb {
	case FeedbackNone, FeedbackUp, FeedbackDown:
		return fb, nil
	default:
		return FeedbackNone, xerrors.Newf(xerrors.CodeInvalidRequest, "feedback must be up, down or empty, got %q", value)
	}
}

// Conversation groups the messages of one chat. Timestamps are Unix ms.
type Conversation struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Message is one stored turn. Seq is assigned by the store and breaks ties
// between equal timestamps.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	Role           Role     `json:"role"`
	Content        string   `json:"content"`
	Model          string   `json:"model"`
	Feedback       Feedback `json:"feedback,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	Seq            int64    `json:"-"`
}

// Order selects the direction of FindMessages.
type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

// FindOptions narrows FindMessages. Limit <= 0 means no limit; IDs restricts
// the result to the given message ids.
type FindOptions struct {
	Order Order
	Limit int
	IDs   []string
}

// DefaultListLimit bounds ListConversations when no limit is given.
const DefaultListLimit = 50

// Store persists conversations and messages. Every operation is scoped by
// user id.
type Store interface {
	AppendMessage(ctx context.Context, msg *Message) error
	FindMessages(ctx context.Context, conversationID, userID string, opts FindOptions) ([]*Message, error)
	// UpsertConversation inserts the row or updates title and updated_at.
	// user_id and created_at are only written on insert, and a row owned by
	// another user is left untouched.
	UpsertConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id, userID string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error)
	SetFeedback(ctx context.Context, messageID, userID string, feedback Feedback) error
	DeleteConversation(ctx context.Context, id, userID string) error
}

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "record not found")
	// ErrConflict is returned for a duplicate message id.
	ErrConflict = xerrors.New(xerrors.CodeConflict, "message id already exists")
)

// ValidateMessage checks the fields every store requires.
func ValidateMessage(msg *Message) error {
	if msg == nil {
		return xerrors.New(xerrors.CodeInvalidRequest, "message cannot be nil")
	}
	switch {
	case msg.ID == "":
		return xerrors.New(xerrors.CodeInvalidRequest, "message id cannot be empty")
	case msg.ConversationID == "":
		return xerrors.New(xerrors.CodeInvalidRequest, "conversation id cannot be empty")
	case msg.UserID == "":
		return xerrors.New(xerrors.CodeInvalidRequest, "user id cannot be empty")
	case msg.Role != RoleUser && msg.Role != RoleAssistant:
		return xerrors.Newf(xerrors.CodeInvalidRequest, "unsupported role %q", msg.Role)
	}
	return nil
}

// ValidateConversation checks the fields every store requires.
func ValidateConversation(conv Conversation) error {
	if conv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "conversation id cannot be empty")
	}
	if conv.UserID == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "user id cannot be empty")
	}
	return nil
}
