package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list digests are pushed to.
const DefaultRedisKey = "opswatch:notifications"

// RedisEnvelope is the JSON payload pushed for each message.
type RedisEnvelope struct {
	ID      string    `json:"id"`
	Target  string    `json:"target"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}

// Redis pushes messages onto a list for a separate relay to deliver.
type Redis struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedis connects to the server named by url (redis://host:port/db).
func NewRedis(url, key string) (*Redis, error) {
	if url == "" {
		return nil, errors.New("redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: redis.NewClient(opts), key: key, now: time.Now}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Notify(ctx context.Context, target, message string) error {
	b, err := json.Marshal(RedisEnvelope{
		ID:      uuid.NewString(),
		Target:  target,
		Message: message,
		TS:      r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.client.RPush(ctx, r.key, b).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", r.key, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
