package rule

import (
	"fmt"
	"strings"
	"time"
)

// AccountID identifica una cuenta del protocolo. Opaque: the engine only
// compares it for equality, it never parses it.
type AccountID string

// NormalizeAccount trims surrounding whitespace and rejects empty IDs.
// The result is always a fresh copy: callers (fiber sobre todo) pass strings
// aliased to reusable request buffers, and IDs outlive the request as map
// keys and event fields.
func NormalizeAccount(raw string) (AccountID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrInvalidAccount
	}
	return AccountID(strings.Clone(id)), nil
}

// DefaultPolicy decides the verdict for senders without an explicit entry.
type DefaultPolicy string

const (
	PolicyAllowAll DefaultPolicy = "allow_all"
	PolicyDenyAll  DefaultPolicy = "deny_all"
)

func ParsePolicy(raw string) (DefaultPolicy, error) {
	switch DefaultPolicy(strings.TrimSpace(raw)) {
	case PolicyAllowAll:
		return PolicyAllowAll, nil
	case PolicyDenyAll:
		return PolicyDenyAll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

// DataCategory define los tipos de contenido que una entrada puede autorizar
type DataCategory string

const (
	CategoryText     DataCategory = "text"
	CategoryMedia    DataCategory = "media"
	CategoryLocation DataCategory = "location"
	CategoryContact  DataCategory = "contact"
	CategoryDocument DataCategory = "document"
	CategoryReaction DataCategory = "reaction"
)

// CustomCategoryPrefix marks application-defined categories ("custom:invoice").
const CustomCategoryPrefix = "custom:"

// ParseCategory accepts the built-in categories plus the custom arm. Anything
// else is an input error, never silently kept.
func ParseCategory(raw string) (DataCategory, error) {
	c := DataCategory(strings.TrimSpace(raw))
	switch c {
	case CategoryText, CategoryMedia, CategoryLocation, CategoryContact, CategoryDocument, CategoryReaction:
		return c, nil
	}
	if name, ok := strings.CutPrefix(string(c), CustomCategoryPrefix); ok && name != "" {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
}

// ParseCategories valida cada elemento y deduplica preservando el orden.
func ParseCategories(raw []string) ([]DataCategory, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	seen := make(map[DataCategory]struct{}, len(raw))
	out := make([]DataCategory, 0, len(raw))
	for _, r := range raw {
		c, err := ParseCategory(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

// PermissionEntry is the per-sender override inside a RuleSet. Categories only
// carry meaning on an allow entry; a deny entry must not list any.
type PermissionEntry struct {
	Sender     AccountID      `json:"sender"`
	Allowed    bool           `json:"allowed"`
	Categories []DataCategory `json:"categories,omitempty"`
	UpdatedRev uint64         `json:"updated_rev"` // RuleSet revision at last write
	UpdatedAt  time.Time      `json:"updated_at"`
}

// HasCategory reports whether the entry grants a category. An allow entry with
// an empty list grants nothing beyond plain contact.
func (e PermissionEntry) HasCategory(c DataCategory) bool {
	for _, g := range e.Categories {
		if g == c {
			return true
		}
	}
	return false
}

// RuleSet agrupa la política por defecto y las excepciones de un owner.
// Revision is the logical clock: it moves forward once per successful
// mutation, wall-clock timestamps are advisory audit data only.
type RuleSet struct {
	Owner         AccountID                     `json:"owner"`
	DefaultPolicy DefaultPolicy                 `json:"default_policy"`
	Entries       map[AccountID]PermissionEntry `json:"entries"`
	Revision      uint64                        `json:"revision"`
	CreatedAt     time.Time                     `json:"created_at"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

// NewRuleSet devuelve el estado inicial de un owner: deny_all sin entradas.
// The same shape an absent owner presents, made explicit.
func NewRuleSet(owner AccountID, now time.Time) RuleSet {
	return RuleSet{
		Owner:         owner,
		DefaultPolicy: PolicyDenyAll,
		Entries:       make(map[AccountID]PermissionEntry),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Entry looks up the explicit override for a sender.
func (rs RuleSet) Entry(sender AccountID) (PermissionEntry, bool) {
	e, ok := rs.Entries[sender]
	return e, ok
}

// Clone returns a deep copy safe to hand out while the original keeps mutating.
func (rs RuleSet) Clone() RuleSet {
	cp := rs
	cp.Entries = make(map[AccountID]PermissionEntry, len(rs.Entries))
	for k, e := range rs.Entries {
		if e.Categories != nil {
			e.Categories = append([]DataCategory(nil), e.Categories...)
		}
		cp.Entries[k] = e
	}
	return cp
}

// Validate checks the structural invariants a stored RuleSet must hold. A
// violation here means the persisted state is corrupt: callers treat it as
// ErrInternalInconsistency and fail closed.
func (rs RuleSet) Validate() error {
	if rs.Owner == "" {
		return fmt.Errorf("%w: empty owner", ErrInternalInconsistency)
	}
	if rs.DefaultPolicy != PolicyAllowAll && rs.DefaultPolicy != PolicyDenyAll {
		return fmt.Errorf("%w: default policy %q", ErrInternalInconsistency, rs.DefaultPolicy)
	}
	for sender, e := range rs.Entries {
		if sender == "" || sender != e.Sender {
			return fmt.Errorf("%w: entry keyed %q holds sender %q", ErrInternalInconsistency, sender, e.Sender)
		}
		if sender == rs.Owner {
			return fmt.Errorf("%w: entry targets the owner", ErrInternalInconsistency)
		}
		if !e.Allowed && len(e.Categories) > 0 {
			return fmt.Errorf("%w: deny entry %q lists categories", ErrInternalInconsistency, sender)
		}
		for _, c := range e.Categories {
			if _, err := ParseCategory(string(c)); err != nil {
				return fmt.Errorf("%w: entry %q category %q", ErrInternalInconsistency, sender, c)
			}
		}
	}
	return nil
}
