package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/AzielCF/az-filter/filter/domain/rule"
	"github.com/sirupsen/logrus"
)

// loadRuleSet is the read path: cache first, store on miss. Only present rule
// sets get cached, a miss always reaches the store so absence keeps meaning
// "deny everything". Store loads are validated before anyone acts on them.
func (u *FilterUsecase) loadRuleSet(ctx context.Context, owner rule.AccountID) (rule.RuleSet, bool, error) {
	if u.cache != nil {
		cached, err := u.cache.Get(ctx, owner)
		if err != nil {
			logrus.WithError(err).Warnf("[Filter] Cache read failed for %s", owner)
		} else if cached != nil {
			return *cached, true, nil
		}
	}

	// On a miss the store read and the cache fill happen under the owner's
	// mutation lock. Without it a mutation can commit and invalidate between
	// our read and our Set, and the stale fill would hide the new entry for a
	// whole TTL.
	mu := u.lockOwner(owner)
	mu.Lock()
	defer mu.Unlock()

	if u.cache != nil {
		cached, err := u.cache.Get(ctx, owner)
		if err == nil && cached != nil {
			return *cached, true, nil
		}
	}

	rs, err := u.repo.GetRuleSet(ctx, owner)
	if err != nil {
		if errors.Is(err, rule.ErrRuleSetNotFound) {
			return rule.RuleSet{}, false, nil
		}
		return rule.RuleSet{}, false, fmt.Errorf("failed to load rule set: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return rule.RuleSet{}, false, err
	}

	if u.cache != nil {
		if err := u.cache.Set(ctx, rs, u.cacheTTL); err != nil {
			logrus.WithError(err).Warnf("[Filter] Cache write failed for %s", owner)
		}
	}
	return rs, true, nil
}

// Evaluate decides whether sender may reach owner, optionally restricted to a
// data category (empty category means plain contact). Any storage or
// consistency failure denies: the engine never fails open.
func (u *FilterUsecase) Evaluate(ctx context.Context, owner, sender, category string) (rule.Decision, error) {
	ownerID, err := rule.NormalizeAccount(owner)
	if err != nil {
		return rule.Deny(rule.ReasonNotOptedIn), fmt.Errorf("owner: %w", err)
	}
	senderID, err := rule.NormalizeAccount(sender)
	if err != nil {
		return rule.Deny(rule.ReasonDefaultDeny), fmt.Errorf("sender: %w", err)
	}

	var cat rule.DataCategory
	if category != "" {
		if cat, err = rule.ParseCategory(category); err != nil {
			return rule.Deny(rule.ReasonCategoryNotGranted), err
		}
	}

	rs, found, err := u.loadRuleSet(ctx, ownerID)
	if err != nil {
		return rule.Deny(rule.ReasonDefaultDeny), err
	}
	if !found {
		return rule.Deny(rule.ReasonNotOptedIn), nil
	}

	contact := contactDecision(rs, senderID)
	if cat == "" {
		return contact, nil
	}
	if !contact.Allowed {
		return rule.Deny(rule.ReasonContactDenied), nil
	}

	if entry, ok := rs.Entry(senderID); ok {
		if entry.HasCategory(cat) {
			return rule.Allow(rule.ReasonCategoryGranted), nil
		}
		return rule.Deny(rule.ReasonCategoryNotGranted), nil
	}
	// Sin entrada explícita el contacto pasó por default_allow: la política
	// abierta no restringe categorías.
	return rule.Allow(rule.ReasonDefaultAllow), nil
}

// contactDecision applies the core precedence: an explicit entry always wins
// over the default policy.
func contactDecision(rs rule.RuleSet, sender rule.AccountID) rule.Decision {
	if entry, ok := rs.Entry(sender); ok {
		if entry.Allowed {
			return rule.Allow(rule.ReasonExplicitAllow)
		}
		return rule.Deny(rule.ReasonExplicitDeny)
	}
	if rs.DefaultPolicy == rule.PolicyAllowAll {
		return rule.Allow(rule.ReasonDefaultAllow)
	}
	return rule.Deny(rule.ReasonDefaultDeny)
}

// CanContact reports whether sender may open a conversation with owner.
func (u *FilterUsecase) CanContact(ctx context.Context, owner, sender string) (bool, error) {
	d, err := u.Evaluate(ctx, owner, sender, "")
	return d.Allowed, err
}

// CanSendCategory reports whether sender may deliver payloads of the given
// category to owner. The contact gate applies first.
func (u *FilterUsecase) CanSendCategory(ctx context.Context, owner, sender, category string) (bool, error) {
	if category == "" {
		return false, fmt.Errorf("%w: empty", rule.ErrUnknownCategory)
	}
	d, err := u.Evaluate(ctx, owner, sender, category)
	return d.Allowed, err
}
