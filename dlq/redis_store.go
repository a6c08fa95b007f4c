package dlq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists messages in one Redis hash per queue, field per
// message id, so several processes can share a dead letter queue.
type RedisStore struct {
	rdb       redis.Cmdable
	keyPrefix string
}

// NewRedisStore creates a Redis-backed store. prefix namespaces the hashes,
// defaulting to "resilience:dlq".
func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "resilience:dlq"
	}
	return &RedisStore{rdb: rdb, keyPrefix: prefix}
}

func (s *RedisStore) key(queue string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, queue)
}

// Save implements Store
func (s *RedisStore) Save(ctx context.Context, queue string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}
	if err := s.rdb.HSet(ctx, s.key(queue), msg.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to persist message %s: %w", msg.ID, err)
	}
	return nil
}

// Load implements Store
func (s *RedisStore) Load(ctx context.Context, queue, id string) (*Message, error) {
	data, err := s.rdb.HGet(ctx, s.key(queue), id).Result()
	if err == redis.Nil {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	return &msg, nil
}

// LoadAll implements Store
func (s *RedisStore) LoadAll(ctx context.Context, queue string) ([]*Message, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue %s: %w", queue, err)
	}

	msgs := make([]*Message, 0, len(fields))
	for _, data := range fields {
		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			// Skip corrupt records rather than failing the whole restore
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, queue, id string) error {
	if err := s.rdb.HDel(ctx, s.key(queue), id).Err(); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}
