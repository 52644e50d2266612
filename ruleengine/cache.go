// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ruleengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"compliancecore/logger"
	"compliancecore/model"
)

// ResultCache is a second-tier cache in front of the engine's
// in-process rule map: it memoizes EvaluateEntity results per
// (entity_id) for CacheTTL, the way the teacher's PolicyCache memoizes
// policy evaluations, but backed by Redis so the cache is shared
// across orchestrator worker processes instead of living in one
// process's sync.Map.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewResultCache wraps an already-connected Redis client.
func NewResultCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResultCache{client: client, ttl: ttl, log: log}
}

func cacheKey(entityID string) string { return "ruleengine:result:" + entityID }

// Get returns a cached result for entityID, if present and unexpired.
// Any Redis error (including a miss) is treated as a cache miss —
// callers fall back to evaluating live; the cache is an optimization,
// never a source of truth.
func (c *ResultCache) Get(ctx context.Context, entityID string) (model.RuleResult, bool) {
	raw, err := c.client.Get(ctx, cacheKey(entityID)).Bytes()
	if err != nil {
		return model.RuleResult{}, false
	}
	var result model.RuleResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.RuleResult{}, false
	}
	return result, true
}

// Set stores a result under entityID with the configured TTL.
func (c *ResultCache) Set(ctx context.Context, entityID string, result model.RuleResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(entityID), raw, c.ttl).Err(); err != nil && c.log != nil {
		c.log.Warn("ruleengine.cache.set_failed", "", "failed to cache evaluation result", map[string]interface{}{
			"entity_id": entityID,
			"error":     err.Error(),
		})
	}
}

// Invalidate drops the cached result for entityID. The Engine does not
// call it: rule mutations leave previously cached results in place
// until their TTL expires.
func (c *ResultCache) Invalidate(ctx context.Context, entityID string) {
	c.client.Del(ctx, cacheKey(entityID))
}
