package repository

import (
	"context"
	"time"

	"github.com/AzielCF/az-filter/filter/domain/event"
	"github.com/AzielCF/az-filter/filter/domain/rule"
)

type IFilterRepository interface {
	Init(ctx context.Context) error

	// Rule sets. PutRuleSet replaces the whole set atomically: header and
	// entry rows swap inside one transaction, readers never observe a
	// partial write.
	GetRuleSet(ctx context.Context, owner rule.AccountID) (rule.RuleSet, error)
	PutRuleSet(ctx context.Context, rs rule.RuleSet) error
	DeleteRuleSet(ctx context.Context, owner rule.AccountID) error
	CountRuleSets(ctx context.Context) (int64, error)

	// Audit feed
	AppendEvent(ctx context.Context, ev event.FilterEvent) error
	ListEvents(ctx context.Context, owner rule.AccountID, limit int) ([]event.FilterEvent, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}
