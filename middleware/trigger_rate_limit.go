package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"sequencer/utils"
)

// TriggerRateLimiter bounds how often a workspace may hit the manual pass
// and sweep endpoints. A nil client keeps counters in memory.
func TriggerRateLimiter(max int, client *redis.Client) fiber.Handler {
	cfg := limiter.Config{
		Max:        max,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			id, _ := c.Locals("workspaceID").(uint)
			return utils.GenerateRateLimitKey(id, c.Path())
		},
		LimitReached: func(c *fiber.Ctx) error {
			id, _ := c.Locals("workspaceID").(uint)
			utils.LogEvent("rate_limit_hit", map[string]interface{}{
				"workspace_id": id,
				"endpoint":     c.Path(),
				"ip":           c.IP(),
			})
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"message":     "Too many processing requests. Please wait before triggering again.",
				"retry_after": "1 minute",
			})
		},
	}
	if client != nil {
		cfg.Storage = NewRedisStorage(client)
	}
	return limiter.New(cfg)
}

// RedisStorage implements fiber.Storage on a shared client so limits hold
// across every API instance.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// Get returns nil, nil for a missing key as fiber.Storage requires
func (r *RedisStorage) Get(key string) ([]byte, error) {
	val, err := r.client.Get(context.Background(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (r *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	if key == "" || len(val) == 0 {
		return nil
	}
	return r.client.Set(context.Background(), key, val, exp).Err()
}

func (r *RedisStorage) Delete(key string) error {
	return r.client.Del(context.Background(), key).Err()
}

// Reset only drops rate-limit keys; the database is shared with the throttle
func (r *RedisStorage) Reset() error {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, "rl:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close is a no-op; the client is owned by the caller
func (r *RedisStorage) Close() error {
	return nil
}
