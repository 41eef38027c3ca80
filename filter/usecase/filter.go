package usecase

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AzielCF/az-filter/filter/domain/event"
	"github.com/AzielCF/az-filter/filter/domain/rule"
	"github.com/AzielCF/az-filter/filter/repository"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCacheTTL           = 60 * time.Second
	DefaultMaxEntriesPerOwner = 10000

	lockStripes = 64
)

// EventSink recibe los eventos ya persistidos para fan-out asíncrono
// (websocket, webhooks). Publish must not block.
type EventSink interface {
	Publish(ev event.FilterEvent)
}

// Config ajusta el comportamiento opcional del motor.
type Config struct {
	Cache              repository.IRuleSetCache
	Events             EventSink
	CacheTTL           time.Duration
	MaxEntriesPerOwner int
}

// FilterUsecase is the rule engine: per-owner contact permissions with a
// default policy plus explicit sender entries. Mutations for one owner are
// serialized on a striped mutex, so read-modify-write cycles never interleave
// even though the HTTP host handles requests concurrently.
type FilterUsecase struct {
	repo       repository.IFilterRepository
	cache      repository.IRuleSetCache
	events     EventSink
	cacheTTL   time.Duration
	maxEntries int

	locks [lockStripes]sync.Mutex
}

func NewFilterUsecase(repo repository.IFilterRepository, cfg Config) *FilterUsecase {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	maxEntries := cfg.MaxEntriesPerOwner
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntriesPerOwner
	}
	return &FilterUsecase{
		repo:       repo,
		cache:      cfg.Cache,
		events:     cfg.Events,
		cacheTTL:   ttl,
		maxEntries: maxEntries,
	}
}

func (u *FilterUsecase) lockOwner(owner rule.AccountID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(owner))
	return &u.locks[h.Sum32()%lockStripes]
}

// authorize normalizes both IDs and enforces that only the owner mutates its
// own rule set. The caller identity arrives from the trusted host, never from
// the request body.
func (u *FilterUsecase) authorize(caller, owner string) (rule.AccountID, error) {
	callerID, err := rule.NormalizeAccount(caller)
	if err != nil {
		return "", fmt.Errorf("caller: %w", err)
	}
	ownerID, err := rule.NormalizeAccount(owner)
	if err != nil {
		return "", fmt.Errorf("owner: %w", err)
	}
	if callerID != ownerID {
		return "", rule.ErrUnauthorized
	}
	return ownerID, nil
}

// loadForUpdate fetches the current rule set directly from the store. Returns
// found=false with a fresh deny_all set when the owner has none yet.
func (u *FilterUsecase) loadForUpdate(ctx context.Context, owner rule.AccountID) (rule.RuleSet, bool, error) {
	rs, err := u.repo.GetRuleSet(ctx, owner)
	if err != nil {
		if errors.Is(err, rule.ErrRuleSetNotFound) {
			return rule.NewRuleSet(owner, time.Now().UTC()), false, nil
		}
		return rule.RuleSet{}, false, fmt.Errorf("failed to load rule set: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return rule.RuleSet{}, false, err
	}
	return rs, true, nil
}

func (u *FilterUsecase) persist(ctx context.Context, rs rule.RuleSet) error {
	if err := u.repo.PutRuleSet(ctx, rs); err != nil {
		return fmt.Errorf("failed to persist rule set: %w", err)
	}
	u.invalidate(ctx, rs.Owner)
	return nil
}

func (u *FilterUsecase) invalidate(ctx context.Context, owner rule.AccountID) {
	if u.cache == nil {
		return
	}
	if err := u.cache.Invalidate(ctx, owner); err != nil {
		logrus.WithError(err).Warnf("[Filter] Failed to invalidate cache for %s", owner)
	}
}

// emit persists the audit event and hands it to the sink. A failed append is
// logged, never propagated: the mutation itself already committed.
func (u *FilterUsecase) emit(ctx context.Context, ev event.FilterEvent) {
	if err := u.repo.AppendEvent(ctx, ev); err != nil {
		logrus.WithError(err).Warnf("[Filter] Failed to persist %s event for %s", ev.Type, ev.Owner)
	}
	if u.events != nil {
		u.events.Publish(ev)
	}
}

// SetDefaultPolicy replaces the owner's default policy, creating the rule set
// on first use. Entries are untouched.
func (u *FilterUsecase) SetDefaultPolicy(ctx context.Context, caller, owner, policy string) (rule.RuleSet, error) {
	ownerID, err := u.authorize(caller, owner)
	if err != nil {
		return rule.RuleSet{}, err
	}
	parsed, err := rule.ParsePolicy(policy)
	if err != nil {
		return rule.RuleSet{}, err
	}

	mu := u.lockOwner(ownerID)
	mu.Lock()
	defer mu.Unlock()

	rs, _, err := u.loadForUpdate(ctx, ownerID)
	if err != nil {
		return rule.RuleSet{}, err
	}

	now := time.Now().UTC()
	rs.DefaultPolicy = parsed
	rs.Revision++
	rs.UpdatedAt = now
	if err := u.persist(ctx, rs); err != nil {
		return rule.RuleSet{}, err
	}

	ev := event.New(event.TypePolicyChanged, string(ownerID), now)
	ev.Detail = string(parsed)
	ev.Revision = rs.Revision
	u.emit(ctx, ev)

	logrus.Debugf("[Filter] Owner %s default policy set to %s (rev %d)", ownerID, parsed, rs.Revision)
	return rs.Clone(), nil
}

// UpsertEntry creates or replaces the explicit permission for a sender.
func (u *FilterUsecase) UpsertEntry(ctx context.Context, caller, owner, sender string, allowed bool, categories []string) (rule.PermissionEntry, error) {
	ownerID, err := u.authorize(caller, owner)
	if err != nil {
		return rule.PermissionEntry{}, err
	}
	senderID, err := rule.NormalizeAccount(sender)
	if err != nil {
		return rule.PermissionEntry{}, fmt.Errorf("sender: %w", err)
	}
	if senderID == ownerID {
		return rule.PermissionEntry{}, rule.ErrSelfTarget
	}
	cats, err := rule.ParseCategories(categories)
	if err != nil {
		return rule.PermissionEntry{}, err
	}
	if !allowed && len(cats) > 0 {
		return rule.PermissionEntry{}, rule.ErrCategoriesOnDeny
	}

	mu := u.lockOwner(ownerID)
	mu.Lock()
	defer mu.Unlock()

	rs, _, err := u.loadForUpdate(ctx, ownerID)
	if err != nil {
		return rule.PermissionEntry{}, err
	}
	if _, exists := rs.Entry(senderID); !exists && len(rs.Entries) >= u.maxEntries {
		return rule.PermissionEntry{}, fmt.Errorf("%w (%d)", rule.ErrEntryLimit, u.maxEntries)
	}

	now := time.Now().UTC()
	rs.Revision++
	entry := rule.PermissionEntry{
		Sender:     senderID,
		Allowed:    allowed,
		Categories: cats,
		UpdatedRev: rs.Revision,
		UpdatedAt:  now,
	}
	rs.Entries[senderID] = entry
	rs.UpdatedAt = now
	if err := u.persist(ctx, rs); err != nil {
		return rule.PermissionEntry{}, err
	}

	ev := event.New(event.TypeEntryUpserted, string(ownerID), now)
	ev.Sender = string(senderID)
	ev.Detail = entryDetail(allowed, cats)
	ev.Revision = rs.Revision
	u.emit(ctx, ev)

	return entry, nil
}

// RemoveEntry deletes a sender's explicit permission. Removing an absent
// entry (or from an absent rule set) is a successful no-op: no revision bump,
// no event.
func (u *FilterUsecase) RemoveEntry(ctx context.Context, caller, owner, sender string) error {
	ownerID, err := u.authorize(caller, owner)
	if err != nil {
		return err
	}
	senderID, err := rule.NormalizeAccount(sender)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if senderID == ownerID {
		// A self entry can never exist, so this is the usual absent-entry
		// no-op.
		return nil
	}

	mu := u.lockOwner(ownerID)
	mu.Lock()
	defer mu.Unlock()

	rs, found, err := u.loadForUpdate(ctx, ownerID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if _, exists := rs.Entry(senderID); !exists {
		return nil
	}

	now := time.Now().UTC()
	delete(rs.Entries, senderID)
	rs.Revision++
	rs.UpdatedAt = now
	if err := u.persist(ctx, rs); err != nil {
		return err
	}

	ev := event.New(event.TypeEntryRemoved, string(ownerID), now)
	ev.Sender = string(senderID)
	ev.Revision = rs.Revision
	u.emit(ctx, ev)

	return nil
}

// ClearEntries drops every explicit entry and keeps the default policy.
// Returns how many entries were removed.
func (u *FilterUsecase) ClearEntries(ctx context.Context, caller, owner string) (int, error) {
	ownerID, err := u.authorize(caller, owner)
	if err != nil {
		return 0, err
	}

	mu := u.lockOwner(ownerID)
	mu.Lock()
	defer mu.Unlock()

	rs, found, err := u.loadForUpdate(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if !found || len(rs.Entries) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	removed := len(rs.Entries)
	rs.Entries = make(map[rule.AccountID]rule.PermissionEntry)
	rs.Revision++
	rs.UpdatedAt = now
	if err := u.persist(ctx, rs); err != nil {
		return 0, err
	}

	ev := event.New(event.TypeEntriesCleared, string(ownerID), now)
	ev.Detail = strconv.Itoa(removed)
	ev.Revision = rs.Revision
	u.emit(ctx, ev)

	return removed, nil
}

// SetOptIn manages the owner's lifecycle. Opting in creates the rule set with
// fail-closed defaults; opting out removes it entirely, so the owner is
// indistinguishable from one that never used the engine. Both are idempotent
// and report whether anything changed.
func (u *FilterUsecase) SetOptIn(ctx context.Context, caller, owner string, optedIn bool) (bool, error) {
	ownerID, err := u.authorize(caller, owner)
	if err != nil {
		return false, err
	}

	mu := u.lockOwner(ownerID)
	mu.Lock()
	defer mu.Unlock()

	rs, found, err := u.loadForUpdate(ctx, ownerID)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	if optedIn {
		if found {
			return false, nil
		}
		rs.Revision++
		rs.UpdatedAt = now
		if err := u.persist(ctx, rs); err != nil {
			return false, err
		}

		ev := event.New(event.TypeOptIn, string(ownerID), now)
		ev.Revision = rs.Revision
		u.emit(ctx, ev)

		logrus.Infof("[Filter] Owner %s opted in", ownerID)
		return true, nil
	}

	if !found {
		return false, nil
	}
	if err := u.repo.DeleteRuleSet(ctx, ownerID); err != nil && !errors.Is(err, rule.ErrRuleSetNotFound) {
		return false, fmt.Errorf("failed to delete rule set: %w", err)
	}
	u.invalidate(ctx, ownerID)

	ev := event.New(event.TypeOptOut, string(ownerID), now)
	ev.Revision = rs.Revision + 1
	u.emit(ctx, ev)

	logrus.Infof("[Filter] Owner %s opted out, rule set removed", ownerID)
	return true, nil
}

// GetOptInStatus reports whether the owner has a stored rule set.
func (u *FilterUsecase) GetOptInStatus(ctx context.Context, owner string) (bool, error) {
	ownerID, err := rule.NormalizeAccount(owner)
	if err != nil {
		return false, fmt.Errorf("owner: %w", err)
	}
	_, found, err := u.loadRuleSet(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return found, nil
}

// GetRuleSet returns the owner's rule set plus whether it is actually stored.
// Absent owners get the synthesized fail-closed view (deny_all, no entries).
func (u *FilterUsecase) GetRuleSet(ctx context.Context, owner string) (rule.RuleSet, bool, error) {
	ownerID, err := rule.NormalizeAccount(owner)
	if err != nil {
		return rule.RuleSet{}, false, fmt.Errorf("owner: %w", err)
	}
	rs, found, err := u.loadRuleSet(ctx, ownerID)
	if err != nil {
		return rule.RuleSet{}, false, err
	}
	if !found {
		return rule.NewRuleSet(ownerID, time.Now().UTC()), false, nil
	}
	return rs, true, nil
}

// ListEntries returns the explicit entries sorted by sender.
func (u *FilterUsecase) ListEntries(ctx context.Context, owner string) ([]rule.PermissionEntry, error) {
	ownerID, err := rule.NormalizeAccount(owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	rs, found, err := u.loadRuleSet(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !found {
		return []rule.PermissionEntry{}, nil
	}

	entries := make([]rule.PermissionEntry, 0, len(rs.Entries))
	for _, e := range rs.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sender < entries[j].Sender })
	return entries, nil
}

// ListEvents returns the owner's audit feed, newest first.
func (u *FilterUsecase) ListEvents(ctx context.Context, owner string, limit int) ([]event.FilterEvent, error) {
	ownerID, err := rule.NormalizeAccount(owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	events, err := u.repo.ListEvents(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if events == nil {
		events = []event.FilterEvent{}
	}
	return events, nil
}

func entryDetail(allowed bool, cats []rule.DataCategory) string {
	detail := "deny"
	if allowed {
		detail = "allow"
	}
	if len(cats) == 0 {
		return detail
	}
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = string(c)
	}
	return detail + " " + strings.Join(parts, ",")
}
