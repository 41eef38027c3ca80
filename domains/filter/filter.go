package filter

import (
	"context"

	"github.com/AzielCF/az-filter/filter/domain/event"
	"github.com/AzielCF/az-filter/filter/domain/rule"
)

// SetPolicyRequest replaces an owner's default policy.
type SetPolicyRequest struct {
	Owner         string `json:"-"`
	DefaultPolicy string `json:"default_policy"`
}

// UpsertEntryRequest creates or replaces the explicit rule for one sender.
type UpsertEntryRequest struct {
	Owner      string   `json:"-"`
	Sender     string   `json:"sender"`
	Allowed    bool     `json:"allowed"`
	Categories []string `json:"categories"`
}

// OptInRequest switches the owner's opt-in status.
type OptInRequest struct {
	Owner   string `json:"-"`
	OptedIn bool   `json:"opted_in"`
}

// RuleSetResponse is the API view of a rule set. Entries come sorted by
// sender so the map-backed store never leaks iteration order.
type RuleSetResponse struct {
	Owner         string                 `json:"owner"`
	DefaultPolicy string                 `json:"default_policy"`
	Entries       []rule.PermissionEntry `json:"entries"`
	Revision      uint64                 `json:"revision"`
	Stored        bool                   `json:"stored"`
	CreatedAt     string                 `json:"created_at,omitempty"`
	UpdatedAt     string                 `json:"updated_at,omitempty"`
}

// EvaluationResponse answers a contact or category check.
type EvaluationResponse struct {
	Owner    string `json:"owner"`
	Sender   string `json:"sender"`
	Category string `json:"category,omitempty"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
}

// IFilterUsecase is the rule engine surface the REST layer depends on.
type IFilterUsecase interface {
	// Administrative. Every mutation requires caller == owner.
	SetDefaultPolicy(ctx context.Context, caller, owner, policy string) (rule.RuleSet, error)
	UpsertEntry(ctx context.Context, caller, owner, sender string, allowed bool, categories []string) (rule.PermissionEntry, error)
	RemoveEntry(ctx context.Context, caller, owner, sender string) error
	ClearEntries(ctx context.Context, caller, owner string) (int, error)
	SetOptIn(ctx context.Context, caller, owner string, optedIn bool) (bool, error)

	// Reads, open to any caller.
	GetOptInStatus(ctx context.Context, owner string) (bool, error)
	GetRuleSet(ctx context.Context, owner string) (rule.RuleSet, bool, error)
	ListEntries(ctx context.Context, owner string) ([]rule.PermissionEntry, error)
	ListEvents(ctx context.Context, owner string, limit int) ([]event.FilterEvent, error)

	// Evaluation.
	Evaluate(ctx context.Context, owner, sender, category string) (rule.Decision, error)
	CanContact(ctx context.Context, owner, sender string) (bool, error)
	CanSendCategory(ctx context.Context, owner, sender, category string) (bool, error)
}
