package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"donaarepa/backend/internal/domain"
)

const reportKey = "reports:v1"

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Logger
}

// NewRedis connects and verifies the backend. A dead Redis at startup is
// an error; a dead Redis at runtime degrades to recomputing reports.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration, log *logrus.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{client: client, ttl: ttl, log: log}, nil
}

func (c *RedisCache) GetReport(ctx context.Context) (domain.ReportResponse, bool) {
	raw, err := c.client.Get(ctx, reportKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Warn("report cache read failed")
		}
		return domain.ReportResponse{}, false
	}
	var r domain.ReportResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		c.log.WithError(err).Warn("report cache entry corrupt, dropping")
		c.client.Del(ctx, reportKey)
		return domain.ReportResponse{}, false
	}
	return r, true
}

func (c *RedisCache) SetReport(ctx context.Context, r domain.ReportResponse) {
	raw, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, reportKey, raw, c.ttl).Err(); err != nil {
		c.log.WithError(err).Warn("report cache write failed")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, reportKey).Err(); err != nil {
		c.log.WithError(err).Warn("report cache invalidation failed")
	}
}

func (c *RedisCache) Close() error { return c.client.Close() }
