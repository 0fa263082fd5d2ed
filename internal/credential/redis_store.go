package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"PolyChat/internal/config"
	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/provider"
)

// RedisStore reads credentials from one hash per user, keyed by family.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "polychat:keys"
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
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + ":" + userID
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, userID string, family provider.Family) (Credential, error) {
	raw, err := s.client.HGet(ctx, s.key(userID), string(family)).Result()
	if errors.Is(err, redis.Nil) {
		return Absent(), nil
	}
	if err != nil {
		return Absent(), xerrors.Wrap(xerrors.CodePersistenceFailure, err, "read credential")
	}
	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return Absent(), xerrors.Wrap(xerrors.CodePersistenceFailure, err, "decode credential")
	}
	return cred, nil
}

// Set writes cred for userID and family.
func (s *RedisStore) Set(ctx context.Context, userID string, family provider.Family, cred Credential) error {
	encoded, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(userID), string(family), encoded).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "write credential")
	}
	return nil
}

// Close releases the connection.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
