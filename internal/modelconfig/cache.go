// Package modelconfig serves the admin-managed AI model configuration
// through a read-through redis cache with an explicit TTL and an explicit
// invalidation hook. The chat flow reads configs on every request, admin
// edits are rare, so stale reads are bounded by the TTL and edits invalidate
// eagerly.
package modelconfig

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Pevznergo/newchat-sub000/internal/apperrors"
	"github.com/Pevznergo/newchat-sub000/internal/models"
)

type Cache struct {
	db  *gorm.DB
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewCache(db *gorm.DB, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Cache {
	return &Cache{db: db, rdb: rdb, ttl: ttl, log: log}
}

// Get returns the config for key, preferring the cache. A redis failure
// degrades to a database read, never to an error.
func (c *Cache) Get(ctx context.Context, key string) (*models.ModelConfig, error) {
	val, err := c.rdb.Get(ctx, cacheKey(key)).Result()
	if err == nil {
		var cfg models.ModelConfig
		if jsonErr := json.Unmarshal([]byte(val), &cfg); jsonErr == nil {
			return &cfg, nil
		}
	} else if err != redis.Nil {
		c.log.Warn("model config cache read failed", zap.String("key", key), zap.Error(err))
	}

	var cfg models.ModelConfig
	if err := c.db.WithContext(ctx).First(&cfg, "key = ?", key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NewNotFound("model config", key)
		}
		return nil, err
	}

	if payload, err := json.Marshal(&cfg); err == nil {
		if err := c.rdb.Set(ctx, cacheKey(key), payload, c.ttl).Err(); err != nil {
			c.log.Warn("model config cache write failed", zap.String("key", key), zap.Error(err))
		}
	}

	return &cfg, nil
}

// Invalidate drops the cached entry for key. Called after every admin edit.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, cacheKey(key)).Err()
}

func cacheKey(key string) string {
	return "model_config:" + key
}
