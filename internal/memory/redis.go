package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stepKeyPrefix  = "steps:"
	indexKeyPrefix = "steps_idx:"
)

// RedisStore persists step records in Redis hashes partitioned by date.
// Each session's records live under steps:<partition>:<session_id>, with
// one hash field per step index; HSetNX keeps Append idempotent. A pointer
// key maps the session to its partition so reads need no date.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. TTL bounds how long session
// records are kept.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: timeout,
		Password:    password,
		DB:          db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func stepKey(partition, sessionID string) string {
	return stepKeyPrefix + partition + ":" + sessionID
}

// Append files the record under the session's partition. The partition is
// fixed by the first record's creation date.
func (s *RedisStore) Append(ctx context.Context, rec StepRecord) error {
	idxKey := indexKeyPrefix + rec.SessionID
	partition := PartitionKey(rec.CreatedAt)

	ok, err := s.client.SetNX(ctx, idxKey, partition, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("set session partition: %w", err)
	}
	if !ok {
		existing, err := s.client.Get(ctx, idxKey).Result()
		if err != nil {
			return fmt.Errorf("get session partition: %w", err)
		}
		partition = existing
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal step record: %w", err)
	}
	key := stepKey(partition, rec.SessionID)
	field := strconv.Itoa(rec.StepIndex)
	if err := s.client.HSetNX(ctx, key, field, data).Err(); err != nil {
		return fmt.Errorf("append step record: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("expire step records: %w", err)
	}
	return nil
}

// Read loads the session's records ordered by step index.
func (s *RedisStore) Read(ctx context.Context, sessionID string) ([]StepRecord, error) {
	partition, err := s.client.Get(ctx, indexKeyPrefix+sessionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session partition: %w", err)
	}

	fields, err := s.client.HGetAll(ctx, stepKey(partition, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read step records: %w", err)
	}
	out := make([]StepRecord, 0, len(fields))
	for _, raw := range fields {
		var rec StepRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode step record: %w", err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}
