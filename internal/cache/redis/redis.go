package redisx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secureuser/internal/cache"
	"secureuser/internal/lib/sl"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a redis client behind bounded per-call timeouts. It holds
// the active-token mirror (`jwt:<TYPE>:<jti>` -> signed value) and the
// single-use registration confirmation tokens (raw token -> login).
type Cache struct {
	rdb     *redis.Client
	log     *slog.Logger
	timeout time.Duration
}

type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

func New(cfg Config, log *slog.Logger) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}

	return &Cache{rdb: rdb, log: log, timeout: timeout}
}

func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

func tokenKey(tokenType, jti string) string {
	return fmt.Sprintf("jwt:%s:%s", tokenType, jti)
}

// SaveToken mirrors an issued token under jwt:<TYPE>:<jti> with the
// token's remaining lifetime as TTL.
func (c *Cache) SaveToken(ctx context.Context, tokenType, jti, signed string, ttl time.Duration) error {
	const op = "cache.redis.SaveToken"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rdb.Set(ctx, tokenKey(tokenType, jti), signed, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Token returns the mirrored signed value, or cache.ErrNotFound on a miss.
// Transport errors degrade to a miss as well: the ledger is authoritative.
func (c *Cache) Token(ctx context.Context, tokenType, jti string) (string, error) {
	const op = "cache.redis.Token"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	signed, err := c.rdb.Get(ctx, tokenKey(tokenType, jti)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%s: %w", op, cache.ErrNotFound)
		}
		c.log.Warn("token mirror read failed, treating as miss",
			slog.String("op", op), sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, cache.ErrNotFound)
	}
	return signed, nil
}

func (c *Cache) DeleteToken(ctx context.Context, tokenType, jti string) error {
	const op = "cache.redis.DeleteToken"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rdb.Del(ctx, tokenKey(tokenType, jti)).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveConfirmation stores token -> login only if the key is absent.
// Returns false when a colliding key is already present (first-writer-wins).
func (c *Cache) SaveConfirmation(ctx context.Context, token, login string, ttl time.Duration) (bool, error) {
	const op = "cache.redis.SaveConfirmation"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ok, err := c.rdb.SetNX(ctx, token, login, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ok, nil
}

func (c *Cache) Confirmation(ctx context.Context, token string) (string, error) {
	const op = "cache.redis.Confirmation"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	login, err := c.rdb.Get(ctx, token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%s: %w", op, cache.ErrNotFound)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return login, nil
}

func (c *Cache) DeleteConfirmation(ctx context.Context, token string) error {
	const op = "cache.redis.DeleteConfirmation"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rdb.Del(ctx, token).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
