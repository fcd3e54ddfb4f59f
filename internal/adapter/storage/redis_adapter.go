package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	alertKeyPrefix       = "alert:open:"
	idempotencyKeyTTL    = 24 * time.Hour
)

func alertKey(ownerID, productID string, alertType domain.AlertType) string {
	return fmt.Sprintf("%s%s:%s:%s", alertKeyPrefix, ownerID, productID, alertType)
}

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

// ClaimAlert has no TTL: the marker lives until the condition clears.
func (r *RedisAdapter) ClaimAlert(ctx context.Context, ownerID, productID string, alertType domain.AlertType) (bool, error) {
	ok, err := r.client.SetNX(ctx, alertKey(ownerID, productID, alertType), time.Now().Unix(), 0).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

// ReleaseAlert reports whether this call removed the marker. DEL is atomic, so
// of two concurrent releases only one sees true.
func (r *RedisAdapter) ReleaseAlert(ctx context.Context, ownerID, productID string, alertType domain.AlertType) (bool, error) {
	removed, err := r.client.Del(ctx, alertKey(ownerID, productID, alertType)).Result()
	if err != nil {
		return false, err
	}

	return removed == 1, nil
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
