package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process, mainly for tests and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	seq           int64
	messages      map[string]*Message
	conversations map[string]*Conversation
}

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]*Message),
		conversations: make(map[string]*Conversation),
	}
}

// AppendMessage implements Store.
func (m *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return ErrConflict
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	m.seq++
	msg.Seq = m.seq
	clone := *msg
	m.messages[msg.ID] = &clone
	return nil
}

// FindMessages implements Store.
func (m *MemoryStore) FindMessages(_ context.Context, conversationID, userID string, opts FindOptions) ([]*Message, error) {
	var wanted map[string]struct{}
	if len(opts.IDs) > 0 {
		wanted = make(map[string]struct{}, len(opts.IDs))
		for _, id := range opts.IDs {
			wanted[id] = struct{}{}
		}
	}

	m.mu.RLock()
	matched := make([]*Message, 0)
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID || msg.UserID != userID {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[msg.ID]; !ok {
				continue
			}
		}
		clone := *msg
		matched = append(matched, &clone)
	}
	m.mu.RUnlock()

	SortMessages(matched, opts.Order)
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// SortMessages orders messages by created_at then seq.
func SortMessages(list []*Message, order Order) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if order == NewestFirst {
			a, b = b, a
		}
		if a.CreatedAt == b.CreatedAt {
			return a.Seq < b.Seq
		}
		return a.CreatedAt < b.CreatedAt
	})
}

// UpsertConversation implements Store.
func (m *MemoryStore) UpsertConversation(_ context.Context, conv Conversation) error {
	if err := ValidateConversation(conv); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.conversations[conv.ID]
	if !ok {
		if conv.CreatedAt == 0 {
			conv.CreatedAt = conv.UpdatedAt
		}
		clone := conv
		m.conversations[conv.ID] = &clone
		return nil
	}
	if existing.UserID != conv.UserID {
		return nil
	}
	existing.Title = conv.Title
	existing.UpdatedAt = conv.UpdatedAt
	return nil
}

// GetConversation implements Store.
func (m *MemoryStore) GetConversation(_ context.Context, id, userID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok || conv.UserID != userID {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

// ListConversations implements Store.
func (m *MemoryStore) ListConversations(_ context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	list := make([]*Conversation, 0)
	for _, conv := range m.conversations {
		if conv.UserID != userID {
			continue
		}
		clone := *conv
		list = append(list, &clone)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].UpdatedAt == list[j].UpdatedAt {
			return list[i].ID > list[j].ID
		}
		return list[i].UpdatedAt > list[j].UpdatedAt
	})
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// SetFeedback implements Store.
func (m *MemoryStore) SetFeedback(_ context.Context, messageID, userID string, feedback Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.UserID != userID {
		return ErrNotFound
	}
	msg.Feedback = feedback
	return nil
}

// DeleteConversation implements Store.
func (m *MemoryStore) DeleteConversation(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok || conv.UserID != userID {
		return ErrNotFound
	}
	delete(m.conversations, id)
	for msgID, msg := range m.messages {
		if msg.ConversationID == id && msg.UserID == userID {
			delete(m.messages, msgID)
		}
	}
	return nil
}
