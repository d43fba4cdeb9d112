package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps users and groups as JSON strings. Each conversation's
// messages live in a hash keyed by message id, indexed by a sorted set
// scored by timestamp so the newest page can be read without the rest.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisStore connects to redisURL and pings it.
func NewRedisStore(ctx context.Context, redisURL string, log zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, log: log}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, log zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, log: log}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func userKey(id string) string {
	return fmt.Sprintf("user:%s", id)
}

func groupKey(id string) string {
	return fmt.Sprintf("group:%s", id)
}

func chatMessagesKey(conversationID string) string {
	return fmt.Sprintf("chat:%s:messages", conversationID)
}

func chatTimelineKey(conversationID string) string {
	return fmt.Sprintf("chat:%s:timeline", conversationID)
}

func (s *RedisStore) getJSON(ctx context.Context, key string, dest any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.getJSON(ctx, userKey(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *RedisStore) PutUser(ctx context.Context, u *User) error {
	return s.setJSON(ctx, userKey(u.ID), u)
}

func (s *RedisStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	if err := s.getJSON(ctx, groupKey(id), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *RedisStore) PutGroup(ctx context.Context, g *Group) error {
	return s.setJSON(ctx, groupKey(g.ID), g)
}

func (s *RedisStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	// equal scores order by member, and members are ULIDs
	ids, err := s.client.ZRevRange(ctx, chatTimelineKey(conversationID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	if len(ids) == 0 {
		return []Message{}, nil
	}

	values, err := s.client.HMGet(ctx, chatMessagesKey(conversationID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}

	messages := make([]Message, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			s.log.Warn().Str("chat_id", conversationID).Str("message_id", ids[i]).Msg("timeline entry without message")
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.log.Warn().Err(err).Str("chat_id", conversationID).Str("message_id", ids[i]).Msg("undecodable message skipped")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// PutMessage writes the message and its timeline entry in one transaction.
// Both writes are set-if-absent, so an existing message is never overwritten.
func (s *RedisStore) PutMessage(ctx context.Context, conversationID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, chatMessagesKey(conversationID), msg.ID, data)
		pipe.ZAddNX(ctx, chatTimelineKey(conversationID), redis.Z{Score: float64(msg.Timestamp), Member: msg.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put message: %w", err)
	}
	return nil
}
