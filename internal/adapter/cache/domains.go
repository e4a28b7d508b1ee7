// Package cache provides the Redis-backed active-domains cache used for
// CORS decisions. Cache misses and Redis outages fall back to the store;
// nothing here gates authentication or token issuance.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/itangbaotop/itangbao-auth/internal/repository"
)

const domainsKey = "itangbao-auth:active-domains"

// DomainsCache serves the set of active application domains through Redis.
type DomainsCache struct {
	client redis.UniversalClient
	apps   repository.ApplicationRepository
	ttl    time.Duration
	logger *zap.Logger
}

// NewDomainsCache constructs the read-through cache.
func NewDomainsCache(client redis.UniversalClient, apps repository.ApplicationRepository, ttl time.Duration, logger *zap.Logger) *DomainsCache {
	return &DomainsCache{client: client, apps: apps, ttl: ttl, logger: logger}
}

// ActiveDomains returns the cached domain set, reading through to the
// application store on a miss.
func (c *DomainsCache) ActiveDomains(ctx context.Context) ([]string, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, domainsKey).Bytes()
		if err == nil {
			var domains []string
			if err := json.Unmarshal(raw, &domains); err == nil {
				return domains, nil
			}
		} else if err != redis.Nil {
			c.log().Warn("domains cache read failed", zap.Error(err))
		}
	}

	domains, err := c.apps.ListActiveDomains(ctx)
	if err != nil {
		return nil, err
	}

	if c.client != nil {
		payload, err := json.Marshal(domains)
		if err == nil {
			if err := c.client.Set(ctx, domainsKey, payload, c.ttl).Err(); err != nil {
				c.log().Warn("domains cache write failed", zap.Error(err))
			}
		}
	}
	return domains, nil
}

// Invalidate drops the cached set so the next read hits the store.
func (c *DomainsCache) Invalidate(ctx context.Context) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, domainsKey).Err(); err != nil && err != redis.Nil {
		c.log().Warn("domains cache invalidate failed", zap.Error(err))
	}
}

func (c *DomainsCache) log() *zap.Logger {
	if c != nil && c.logger != nil {
		return c.logger
	}
	return zap.L()
}
