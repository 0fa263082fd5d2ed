// Package events publishes a notice after every chat run so downstream
// collaborators (export, indexing) can react without polling the store.
package events

import (
	"context"
	"fmt"
	"strings"

	"PolyChat/internal/config"
)

// Outcome is the result of one branch in a run.
type Outcome struct {
	Model     string `json:"model"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Notice summarises a finished run. FinishedAt is Unix ms.
type Notice struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	Outcomes       []Outcome `json:"outcomes"`
	FinishedAt     int64     `json:"finished_at"`
}

// Publisher delivers notices.
type Publisher interface {
	Publish(ctx context.Context, notice Notice) error
	Close() error
}

// NopPublisher drops every notice.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Notice) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// New builds the publisher selected by cfg.Driver.
func New(ctx context.Context, cfg config.EventsConfig) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return NopPublisher{}, nil
	case "memory":
		return NewMemoryPublisher(0), nil
	case "redis":
		return NewRedisPublisher(ctx, cfg.Redis, cfg.List)
	case "rabbitmq":
		return NewRabbitMQPublisher(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}
