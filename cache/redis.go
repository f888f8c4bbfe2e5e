package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const webhookEventKeyPrefix = "webhook_event:"

func InitRedis(addr, password string, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", zap.String("addr", addr))
	return rdb, nil
}

// WebhookDeduper remembers provider event ids so redelivered webhooks are
// only acted on once. It holds no checkout session or object state.
type WebhookDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewWebhookDeduper(rdb *redis.Client, ttl time.Duration) *WebhookDeduper {
	return &WebhookDeduper{rdb: rdb, ttl: ttl}
}

// FirstDelivery records eventID and reports whether it had not been seen.
func (d *WebhookDeduper) FirstDelivery(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, webhookEventKeyPrefix+eventID, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return ok, nil
}
