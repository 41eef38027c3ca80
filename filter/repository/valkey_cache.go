package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"

	"github.com/AzielCF/az-filter/filter/domain/rule"
	"github.com/AzielCF/az-filter/infrastructure/valkey"
)

// ValkeyRuleCache implements IRuleSetCache backed by Valkey, for deployments
// with several engine nodes where an invalidation must reach all of them.
type ValkeyRuleCache struct {
	client *valkey.Client
	prefix string
}

// NewValkeyRuleCache creates the cache on top of an existing client.
// The client should be created via valkey.NewClient and passed here.
func NewValkeyRuleCache(client *valkey.Client) *ValkeyRuleCache {
	return &ValkeyRuleCache{
		client: client,
		prefix: client.Key("rules") + ":",
	}
}

func (c *ValkeyRuleCache) fullKey(owner rule.AccountID) string {
	return c.prefix + string(owner)
}

func (c *ValkeyRuleCache) inner() valkeylib.Client {
	return c.client.Inner()
}

// Get returns (nil, nil) when the owner is not cached.
func (c *ValkeyRuleCache) Get(ctx context.Context, owner rule.AccountID) (*rule.RuleSet, error) {
	cmd := c.inner().B().Get().Key(c.fullKey(owner)).Build()

	data, err := c.inner().Do(ctx, cmd).AsBytes()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached rule set: %w", err)
	}

	var rs rule.RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached rule set: %w", err)
	}
	return &rs, nil
}

func (c *ValkeyRuleCache) Set(ctx context.Context, rs rule.RuleSet, ttl time.Duration) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("failed to marshal rule set: %w", err)
	}

	cmd := c.inner().B().Set().
		Key(c.fullKey(rs.Owner)).
		Value(string(data)).
		Ex(ttl).
		Build()

	if err := c.inner().Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to cache rule set: %w", err)
	}
	return nil
}

func (c *ValkeyRuleCache) Invalidate(ctx context.Context, owner rule.AccountID) error {
	cmd := c.inner().B().Del().Key(c.fullKey(owner)).Build()
	if err := c.inner().Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to invalidate cached rule set: %w", err)
	}
	return nil
}
