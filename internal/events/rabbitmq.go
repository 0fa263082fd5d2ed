package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"PolyChat/internal/config"
	xerrors "PolyChat/internal/errors"
)

// RabbitMQPublisher sends JSON notices to a queue through the default
// exchange.
type RabbitMQPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQPublisher dials the broker and declares the queue.
func NewRabbitMQPublisher(cfg config.RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url cannot be empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "polychat.runs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish implements Publisher. Calls share one channel and are serialised.
func (p *RabbitMQPublisher) Publish(ctx context.Context, notice Notice) error {
	if p == nil || p.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "rabbitmq publisher not initialised")
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "encode notice")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.UnixMilli(notice.FinishedAt),
		Type:         "polychat.run",
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "rabbitmq publish notice")
	}
	return nil
}

// Close implements Publisher.
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
