// Package capability resolves member capabilities from a static role and
// group policy, caches them, and exposes the identity checks the workflow
// engine needs.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/internal/observability"
	"github.com/pitabwire/advflow/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory TTL cache.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a Resolver. maxEntries <= 0 means unbounded.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		evaluator:  evaluator,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		cache:      make(map[string]cacheEntry),
	}
}

// cacheKey includes roles and groups: the same subject may present
// different claims on different tokens.
func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	groups := slices.Clone(rctx.Groups)
	slices.Sort(roles)
	slices.Sort(groups)
	return rctx.SubjectID + "|" + strings.Join(roles, ",") + "|" + strings.Join(groups, ",")
}

// Resolve returns the capability set for rctx.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)
	now := clock.Now()

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && now.Before(entry.expires) {
		r.mu.RUnlock()
		r.metrics.RecordCapabilityCacheHit()
		return entry.caps, nil
	}
	r.mu.RUnlock()
	r.metrics.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked(now)
	}
	r.cache[key] = cacheEntry{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// evictLocked drops expired entries, then the soonest-expiring one if the
// cache is still full.
func (r *Resolver) evictLocked(now time.Time) {
	oldestKey := ""
	var oldest time.Time
	for k, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, k)
			continue
		}
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = k, e.expires
		}
	}
	if len(r.cache) >= r.maxEntries && oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}

// Invalidate clears every cached entry for subjectID.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + "|"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
