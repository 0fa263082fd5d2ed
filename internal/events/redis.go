package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"PolyChat/internal/config"
	xerrors "PolyChat/internal/errors"
)

// RedisPublisher pushes JSON notices onto a Redis list.
type RedisPublisher struct {
	client *redis.Client
	list   string
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig, list string) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if list == "" {
		list = "polychat:runs"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisPublisher{client: client, list: list}, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, notice Notice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "encode notice")
	}
	if err := p.client.LPush(ctx, p.list, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis publish notice")
	}
	return nil
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
