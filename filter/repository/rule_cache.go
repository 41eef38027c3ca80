package repository

import (
	"context"
	"sync"
	"time"

	"github.com/AzielCF/az-filter/filter/domain/rule"
	"github.com/sirupsen/logrus"
)

// IRuleSetCache holds hot rule sets in front of the repository. Only present
// rule sets are cached: a miss must always reach the store so absence keeps
// its fail-closed meaning.
type IRuleSetCache interface {
	// Get returns (nil, nil) on a miss.
	Get(ctx context.Context, owner rule.AccountID) (*rule.RuleSet, error)
	Set(ctx context.Context, rs rule.RuleSet, ttl time.Duration) error
	Invalidate(ctx context.Context, owner rule.AccountID) error
}

// MemoryRuleCache implementa IRuleSetCache con un map en memoria.
// Implementación por defecto cuando Valkey no está habilitado.
type MemoryRuleCache struct {
	mu      sync.RWMutex
	entries map[rule.AccountID]*cachedRuleSet
}

type cachedRuleSet struct {
	rs       rule.RuleSet
	expireAt time.Time
}

func NewMemoryRuleCache() *MemoryRuleCache {
	mc := &MemoryRuleCache{
		entries: make(map[rule.AccountID]*cachedRuleSet),
	}
	go mc.cleanupLoop()
	return mc
}

func (mc *MemoryRuleCache) Get(ctx context.Context, owner rule.AccountID) (*rule.RuleSet, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	e, ok := mc.entries[owner]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expireAt) {
		// Don't delete here to avoid write lock, cleanup loop handles it
		return nil, nil
	}

	cp := e.rs.Clone()
	return &cp, nil
}

func (mc *MemoryRuleCache) Set(ctx context.Context, rs rule.RuleSet, ttl time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.entries[rs.Owner] = &cachedRuleSet{
		rs:       rs.Clone(),
		expireAt: time.Now().Add(ttl),
	}
	return nil
}

func (mc *MemoryRuleCache) Invalidate(ctx context.Context, owner rule.AccountID) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.entries, owner)
	return nil
}

func (mc *MemoryRuleCache) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		mc.cleanup()
	}
}

func (mc *MemoryRuleCache) cleanup() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	var expired int
	for owner, e := range mc.entries {
		if now.After(e.expireAt) {
			delete(mc.entries, owner)
			expired++
		}
	}
	if expired > 0 {
		logrus.Debugf("[MemoryRuleCache] Cleanup: removed %d expired rule sets", expired)
	}
}
