package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisSetter is the part of *redis.Client the mirror uses
type redisSetter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisMirror stores the latest payload of every telemetry topic in redis,
// database 0, key is the key prefix plus the topic, value is the plain payload.
// It is write only; nothing is read back.
type RedisMirror struct {
	db        redisSetter
	keyPrefix string
	timeout   time.Duration
	closer    func() error
}

// NewRedisMirror connects lazily to address.
func NewRedisMirror(address string, keyPrefix string) *RedisMirror {
	client := redis.NewClient(&redis.Options{Addr: address})
	return &RedisMirror{
		db:        client,
		keyPrefix: keyPrefix,
		timeout:   time.Second,
		closer:    client.Close,
	}
}

// Publish implements Publisher.
func (r *RedisMirror) Publish(topic string, payload string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.db.Set(ctx, r.keyPrefix+topic, payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.keyPrefix+topic, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisMirror) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
