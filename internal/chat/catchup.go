package chat

import (
	"context"
	"strings"

	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/session"
)

const catchUpHeader = "Here is our conversation so far, so you can catch up:"

// BuildCatchUp formats prior messages of a conversation, oldest first, into
// one message that can be sent with StreamChat to bring newly added models
// up to speed. An empty messageIDs selects the whole conversation.
func (s *Service) BuildCatchUp(ctx context.Context, userID, conversationID string, messageIDs []string) (string, error) {
	if s.store == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "chat service not initialised")
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidRequest, "user id and conversation id are required")
	}
	stored, err := s.store.FindMessages(ctx, conversationID, userID, session.FindOptions{
		Order: session.OldestFirst,
		IDs:   messageIDs,
	})
	if err != nil {
		return "", persistenceError(err, "load conversation")
	}
	if len(stored) == 0 {
		return "", xerrors.Newf(xerrors.CodeNotFound, "no messages to catch up on in conversation %s", conversationID)
	}
	return FormatCatchUp(stored), nil
}

// FormatCatchUp renders messages as a transcript. Assistant turns are
// labelled with the model that wrote them.
func FormatCatchUp(messages []*session.Message) string {
	var b strings.Builder
	b.WriteString(catchUpHeader)
	for _, msg := range messages {
		label := "User"
		if msg.Role == session.RoleAssistant {
			label = msg.Model
		}
		b.WriteString("\n\n")
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(msg.Content)
	}
	return b.String()
}
