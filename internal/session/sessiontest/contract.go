// Package sessiontest holds behaviour checks shared by every session.Store
// implementation.
package sessiontest

import (
	"context"
	"fmt"
	"testing"

	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/session"
)

// Run exercises store against the behaviour every implementation must have.
// newStore must return an empty store on each call.
func Run(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Helper()

	t.Run("append and find", func(t *testing.T) { appendAndFind(t, newStore(t)) })
	t.Run("duplicate message id", func(t *testing.T) { duplicateMessage(t, newStore(t)) })
	t.Run("history bound", func(t *testing.T) { historyBound(t, newStore(t)) })
	t.Run("upsert conversation", func(t *testing.T) { upsertConversation(t, newStore(t)) })
	t.Run("list conversations", func(t *testing.T) { listConversations(t, newStore(t)) })
	t.Run("feedback", func(t *testing.T) { feedback(t, newStore(t)) })
	t.Run("delete conversation", func(t *testing.T) { deleteConversation(t, newStore(t)) })
}

func message(id, conv, user string, role session.Role, content string, at int64) *session.Message {
	model := session.UserModel
	if role == session.RoleAssistant {
		model = "grok-4"
	}
	return &session.Message{ID: id, ConversationID: conv, UserID: user, Role: role, Content: content, Model: model, CreatedAt: at}
}

func mustAppend(t *testing.T, store session.Store, msg *session.Message) {
	t.Helper()
	if err := store.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("append %s failed: %v", msg.ID, err)
	}
}

func appendAndFind(t *testing.T, store session.Store) {
	ctx := context.Background()
	mustAppend(t, store, message("m1", "c1", "u1", session.RoleUser, "hello", 100))
	mustAppend(t, store, message("m2", "c1", "u1", session.RoleAssistant, "hi", 200))
	// Same timestamp as m2; appended later so it sorts after.
	mustAppend(t, store, message("m3", "c1", "u1", session.RoleAssistant, "hey", 200))
	mustAppend(t, store, message("x1", "c1", "u2", session.RoleUser, "other user", 150))
	mustAppend(t, store, message("x2", "c2", "u1", session.RoleUser, "other conversation", 150))

	oldest, err := store.FindMessages(ctx, "c1", "u1", session.FindOptions{})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if got := ids(oldest); got != "m1,m2,m3" {
		t.Fatalf("unexpected oldest-first order: %s", got)
	}
	if oldest[1].Model != "grok-4" || oldest[1].Role != session.RoleAssistant || oldest[1].Content != "hi" {
		t.Fatalf("fields not round-tripped: %+v", oldest[1])
	}

	newest, err := store.FindMessages(ctx, "c1", "u1", session.FindOptions{Order: session.NewestFirst, Limit: 2})
	if err != nil {
		t.Fatalf("find newest failed: %v", err)
	}
	if got := ids(newest); got != "m3,m2" {
		t.Fatalf("unexpected newest-first order: %s", got)
	}

	picked, err := store.FindMessages(ctx, "c1", "u1", session.FindOptions{IDs: []string{"m3", "m1", "x1"}})
	if err != nil {
		t.Fatalf("find by ids failed: %v", err)
	}
	if got := ids(picked); got != "m1,m3" {
		t.Fatalf("unexpected id filter result: %s", got)
	}
}

func duplicateMessage(t *testing.T, store session.Store) {
	mustAppend(t, store, message("m1", "c1", "u1", session.RoleUser, "hello", 100))
	err := store.AppendMessage(context.Background(), message("m1", "c1", "u1", session.RoleUser, "again", 101))
	if !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	if err := store.AppendMessage(context.Background(), &session.Message{ID: "m9"}); !xerrors.HasCode(err, xerrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for incomplete message, got %v", err)
	}
}

func historyBound(t *testing.T, store session.Store) {
	for i := 1; i <= 15; i++ {
		role := session.RoleUser
		if i%2 == 0 {
			role = session.RoleAssistant
		}
		mustAppend(t, store, message(fmt.Sprintf("m%02d", i), "c1", "u1", role, fmt.Sprint(i), int64(i*10)))
	}
	recent, err := store.FindMessages(context.Background(), "c1", "u1", session.FindOptions{Order: session.NewestFirst, Limit: 10})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(recent) != 10 || recent[0].ID != "m15" || recent[9].ID != "m06" {
		t.Fatalf("unexpected bounded history: %s", ids(recent))
	}
}

func upsertConversation(t *testing.T, store session.Store) {
	ctx := context.Background()
	if err := store.UpsertConversation(ctx, session.Conversation{ID: "c1", UserID: "u1", Title: "first", CreatedAt: 100, UpdatedAt: 100}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := store.UpsertConversation(ctx, session.Conversation{ID: "c1", UserID: "u1", Title: "second", CreatedAt: 500, UpdatedAt: 500}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := store.UpsertConversation(ctx, session.Conversation{ID: "c1", UserID: "intruder", Title: "stolen", CreatedAt: 900, UpdatedAt: 900}); err != nil {
		t.Fatalf("foreign upsert should be ignored, got %v", err)
	}

	conv, err := store.GetConversation(ctx, "c1", "u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if conv.Title != "second" || conv.UpdatedAt != 500 || conv.CreatedAt != 100 || conv.UserID != "u1" {
		t.Fatalf("unexpected conversation after upserts: %+v", conv)
	}

	list, err := store.ListConversations(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("upsert must not duplicate rows, got %d", len(list))
	}
	if _, err := store.GetConversation(ctx, "c1", "intruder"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for another user, got %v", err)
	}
}

func listConversations(t *testing.T, store session.Store) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		at := int64(100 * (i + 1))
		if err := store.UpsertConversation(ctx, session.Conversation{ID: id, UserID: "u1", Title: id, CreatedAt: at, UpdatedAt: at}); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}
	if err := store.UpsertConversation(ctx, session.Conversation{ID: "a", UserID: "u1", Title: "a", UpdatedAt: 1000}); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if err := store.UpsertConversation(ctx, session.Conversation{ID: "z", UserID: "u2", Title: "z", CreatedAt: 5, UpdatedAt: 5}); err != nil {
		t.Fatalf("upsert z failed: %v", err)
	}

	list, err := store.ListConversations(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "c" {
		t.Fatalf("unexpected list order: %+v", list)
	}
}

func feedback(t *testing.T, store session.Store) {
	ctx := context.Background()
	mustAppend(t, store, message("m1", "c1", "u1", session.RoleAssistant, "answer", 100))

	if err := store.SetFeedback(ctx, "m1", "u1", session.FeedbackUp); err != nil {
		t.Fatalf("set feedback failed: %v", err)
	}
	list, err := store.FindMessages(ctx, "c1", "u1", session.FindOptions{})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if list[0].Feedback != session.FeedbackUp {
		t.Fatalf("feedback not stored: %+v", list[0])
	}
	if err := store.SetFeedback(ctx, "m1", "u2", session.FeedbackDown); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for another user, got %v", err)
	}
	if err := store.SetFeedback(ctx, "missing", "u1", session.FeedbackDown); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for unknown message, got %v", err)
	}
}

func deleteConversation(t *testing.T, store session.Store) {
	ctx := context.Background()
	if err := store.UpsertConversation(ctx, session.Conversation{ID: "c1", UserID: "u1", Title: "t", CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	mustAppend(t, store, message("m1", "c1", "u1", session.RoleUser, "hello", 100))

	if err := store.DeleteConversation(ctx, "c1", "u2"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for another user, got %v", err)
	}
	if err := store.DeleteConversation(ctx, "c1", "u1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	list, err := store.FindMessages(ctx, "c1", "u1", session.FindOptions{})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("messages should be removed with the conversation, got %d", len(list))
	}
	if _, err := store.GetConversation(ctx, "c1", "u1"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND after delete, got %v", err)
	}
}

func ids(list []*session.Message) string {
	out := ""
	for i, msg := range list {
		if i > 0 {
			out += ","
		}
		out += msg.ID
	}
	return out
}
