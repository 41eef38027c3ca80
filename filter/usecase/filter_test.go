package usecase_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/AzielCF/az-filter/filter/domain/event"
	"github.com/AzielCF/az-filter/filter/domain/rule"
	"github.com/AzielCF/az-filter/filter/repository"
	"github.com/AzielCF/az-filter/filter/usecase"
	_ "github.com/mattn/go-sqlite3"
)

func setupEngine(t *testing.T, cfg usecase.Config) (*usecase.FilterUsecase, repository.IFilterRepository) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := repository.NewSQLiteRepository(db)
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	return usecase.NewFilterUsecase(repo, cfg), repo
}

func TestAbsentOwnerDeniesEverything(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	allowed, err := uc.CanContact(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if allowed {
		t.Error("expected absent owner to deny contact")
	}

	d, err := uc.Evaluate(ctx, "alice", "bob", "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Allowed || d.Reason != rule.ReasonNotOptedIn {
		t.Errorf("expected deny with not_opted_in, got %+v", d)
	}
}

func TestSetDefaultPolicyCreatesRuleSet(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	rs, err := uc.SetDefaultPolicy(ctx, "alice", "alice", "allow_all")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rs.Revision != 1 {
		t.Errorf("expected revision 1, got %d", rs.Revision)
	}

	allowed, err := uc.CanContact(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Error("expected allow_all to admit unknown sender")
	}

	// allow_all places no restriction on categories
	allowed, err = uc.CanSendCategory(ctx, "alice", "bob", "media")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Error("expected default allow to admit any category")
	}
}

func TestExplicitEntryOverridesDefault(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	// Whitelist mode: deny_all default plus one allowed sender
	if _, err := uc.SetDefaultPolicy(ctx, "alice", "alice", "deny_all"); err != nil {
		t.Fatalf("failed to set policy: %v", err)
	}
	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "bob", true, []string{"text"}); err != nil {
		t.Fatalf("failed to upsert entry: %v", err)
	}

	allowed, _ := uc.CanContact(ctx, "alice", "bob")
	if !allowed {
		t.Error("expected explicit allow to override deny_all")
	}
	allowed, _ = uc.CanContact(ctx, "alice", "carol")
	if allowed {
		t.Error("expected unknown sender to fall to deny_all")
	}

	// Blocklist mode: allow_all default plus one denied sender
	if _, err := uc.SetDefaultPolicy(ctx, "dave", "dave", "allow_all"); err != nil {
		t.Fatalf("failed to set policy: %v", err)
	}
	if _, err := uc.UpsertEntry(ctx, "dave", "dave", "mallory", false, nil); err != nil {
		t.Fatalf("failed to upsert entry: %v", err)
	}

	allowed, _ = uc.CanContact(ctx, "dave", "mallory")
	if allowed {
		t.Error("expected explicit deny to override allow_all")
	}
	allowed, _ = uc.CanContact(ctx, "dave", "carol")
	if !allowed {
		t.Error("expected unknown sender to pass allow_all")
	}
}

func TestCategoryEnforcement(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "bob", true, []string{"text", "custom:invoice"}); err != nil {
		t.Fatalf("failed to upsert entry: %v", err)
	}

	cases := []struct {
		category string
		want     bool
	}{
		{"text", true},
		{"custom:invoice", true},
		{"media", false},
		{"location", false},
	}
	for _, c := range cases {
		got, err := uc.CanSendCategory(ctx, "alice", "bob", c.category)
		if err != nil {
			t.Fatalf("category %s: expected no error, got %v", c.category, err)
		}
		if got != c.want {
			t.Errorf("category %s: expected %v, got %v", c.category, c.want, got)
		}
	}

	d, _ := uc.Evaluate(ctx, "alice", "bob", "media")
	if d.Reason != rule.ReasonCategoryNotGranted {
		t.Errorf("expected category_not_granted, got %s", d.Reason)
	}

	// Contact gate applies before category membership
	d, _ = uc.Evaluate(ctx, "alice", "carol", "text")
	if d.Allowed || d.Reason != rule.ReasonContactDenied {
		t.Errorf("expected contact_denied for unlisted sender, got %+v", d)
	}
}

func TestAllowEntryWithoutCategories(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "bob", true, nil); err != nil {
		t.Fatalf("failed to upsert entry: %v", err)
	}

	allowed, _ := uc.CanContact(ctx, "alice", "bob")
	if !allowed {
		t.Error("expected contact allowed")
	}
	allowed, _ = uc.CanSendCategory(ctx, "alice", "bob", "text")
	if allowed {
		t.Error("expected empty grant list to deny every category")
	}
}

func TestUnauthorizedCallerChangesNothing(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	if _, err := uc.SetDefaultPolicy(ctx, "mallory", "alice", "allow_all"); !errors.Is(err, rule.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := uc.UpsertEntry(ctx, "mallory", "alice", "bob", true, nil); !errors.Is(err, rule.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := uc.RemoveEntry(ctx, "mallory", "alice", "bob"); !errors.Is(err, rule.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := uc.SetOptIn(ctx, "mallory", "alice", true); !errors.Is(err, rule.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	// No rule set was created and no event recorded
	_, found, err := uc.GetRuleSet(ctx, "alice")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if found {
		t.Error("expected no rule set after rejected mutations")
	}
	events, err := uc.ListEvents(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestSelfTargetEntry(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "alice", true, nil); !errors.Is(err, rule.ErrSelfTarget) {
		t.Errorf("expected ErrSelfTarget on upsert, got %v", err)
	}

	// Una entrada propia nunca existe, así que quitarla es el no-op de
	// siempre: sin error, sin revisión nueva, sin eventos.
	if err := uc.RemoveEntry(ctx, "alice", "alice", " alice "); err != nil {
		t.Errorf("expected self-target removal to be a no-op, got %v", err)
	}
	if _, stored, err := uc.GetRuleSet(ctx, "alice"); err != nil || stored {
		t.Errorf("expected no rule set after self-target removal, stored=%v err=%v", stored, err)
	}
	events, err := uc.ListEvents(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events after self-target removal, got %d", len(events))
	}
}

func TestUpsertValidation(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "bob", false, []string{"text"}); !errors.Is(err, rule.ErrCategoriesOnDeny) {
		t.Errorf("expected ErrCategoriesOnDeny, got %v", err)
	}
	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "bob", true, []string{"sticker"}); !errors.Is(err, rule.ErrUnknownCategory) {
		t.Errorf("expected ErrUnknownCategory, got %v", err)
	}
	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "", true, nil); !errors.Is(err, rule.ErrInvalidAccount) {
		t.Errorf("expected ErrInvalidAccount, got %v", err)
	}

	// Nothing was persisted by the rejected calls
	_, found, _ := uc.GetRuleSet(ctx, "alice")
	if found {
		t.Error("expected no rule set after rejected upserts")
	}
}

func TestUpsertReplacesExistingEntry(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "bob", true, []string{"text"}); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	entry, err := uc.UpsertEntry(ctx, "alice", "alice", "bob", false, nil)
	if err != nil {
		t.Fatalf("failed to re-upsert: %v", err)
	}
	if entry.Allowed || len(entry.Categories) != 0 {
		t.Errorf("expected replacement entry, got %+v", entry)
	}
	if entry.UpdatedRev != 2 {
		t.Errorf("expected updated_rev 2, got %d", entry.UpdatedRev)
	}

	entries, err := uc.ListEntries(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single entry, got %d", len(entries))
	}

	allowed, _ := uc.CanContact(ctx, "alice", "bob")
	if allowed {
		t.Error("expected the replacement deny to win")
	}
}

func TestRemoveEntryIsIdempotent(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	// Absent rule set: removing is a successful no-op and creates nothing
	if err := uc.RemoveEntry(ctx, "alice", "alice", "bob"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	_, found, _ := uc.GetRuleSet(ctx, "alice")
	if found {
		t.Error("expected no rule set created by no-op remove")
	}

	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "bob", true, nil); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if err := uc.RemoveEntry(ctx, "alice", "alice", "bob"); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}

	rs, _, err := uc.GetRuleSet(ctx, "alice")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rs.Revision != 2 {
		t.Errorf("expected revision 2 after upsert+remove, got %d", rs.Revision)
	}

	// Removing again: no revision bump, no event
	if err := uc.RemoveEntry(ctx, "alice", "alice", "bob"); err != nil {
		t.Fatalf("expected idempotent remove, got %v", err)
	}
	rs, _, _ = uc.GetRuleSet(ctx, "alice")
	if rs.Revision != 2 {
		t.Errorf("expected revision unchanged at 2, got %d", rs.Revision)
	}
	events, _ := uc.ListEvents(ctx, "alice", 10)
	if len(events) != 2 {
		t.Errorf("expected 2 events (upsert, remove), got %d", len(events))
	}
}

func TestClearEntriesKeepsPolicy(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	if _, err := uc.SetDefaultPolicy(ctx, "alice", "alice", "allow_all"); err != nil {
		t.Fatalf("failed to set policy: %v", err)
	}
	for _, sender := range []string{"bob", "carol"} {
		if _, err := uc.UpsertEntry(ctx, "alice", "alice", sender, false, nil); err != nil {
			t.Fatalf("failed to upsert: %v", err)
		}
	}

	removed, err := uc.ClearEntries(ctx, "alice", "alice")
	if err != nil {
		t.Fatalf("failed to clear: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	rs, _, _ := uc.GetRuleSet(ctx, "alice")
	if rs.DefaultPolicy != rule.PolicyAllowAll {
		t.Errorf("expected policy preserved, got %s", rs.DefaultPolicy)
	}
	if len(rs.Entries) != 0 {
		t.Errorf("expected no entries, got %d", len(rs.Entries))
	}

	// Clearing an already empty set emits nothing
	before, _ := uc.ListEvents(ctx, "alice", 10)
	removed, err = uc.ClearEntries(ctx, "alice", "alice")
	if err != nil || removed != 0 {
		t.Fatalf("expected empty no-op clear, got removed=%d err=%v", removed, err)
	}
	after, _ := uc.ListEvents(ctx, "alice", 10)
	if len(after) != len(before) {
		t.Errorf("expected no event for no-op clear, got %d -> %d", len(before), len(after))
	}
}

func TestOptInLifecycle(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	status, err := uc.GetOptInStatus(ctx, "alice")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if status {
		t.Error("expected opted out by default")
	}

	changed, err := uc.SetOptIn(ctx, "alice", "alice", true)
	if err != nil {
		t.Fatalf("failed to opt in: %v", err)
	}
	if !changed {
		t.Error("expected opt-in to report a change")
	}

	status, _ = uc.GetOptInStatus(ctx, "alice")
	if !status {
		t.Error("expected opted in")
	}

	// The fresh rule set fails closed
	rs, found, _ := uc.GetRuleSet(ctx, "alice")
	if !found || rs.DefaultPolicy != rule.PolicyDenyAll || len(rs.Entries) != 0 {
		t.Errorf("expected stored deny_all set, got found=%v %+v", found, rs)
	}

	// Idempotent
	changed, err = uc.SetOptIn(ctx, "alice", "alice", true)
	if err != nil || changed {
		t.Errorf("expected idempotent opt-in, got changed=%v err=%v", changed, err)
	}
}

func TestOptOutRestoresFailClosedDefaults(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	if _, err := uc.SetDefaultPolicy(ctx, "alice", "alice", "allow_all"); err != nil {
		t.Fatalf("failed to set policy: %v", err)
	}
	allowed, _ := uc.CanContact(ctx, "alice", "bob")
	if !allowed {
		t.Fatal("expected allow_all before opt-out")
	}

	changed, err := uc.SetOptIn(ctx, "alice", "alice", false)
	if err != nil || !changed {
		t.Fatalf("expected opt-out to change state, got changed=%v err=%v", changed, err)
	}

	allowed, err = uc.CanContact(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if allowed {
		t.Error("expected opt-out to restore deny-by-default")
	}
	status, _ := uc.GetOptInStatus(ctx, "alice")
	if status {
		t.Error("expected opted out")
	}

	// Idempotent
	changed, err = uc.SetOptIn(ctx, "alice", "alice", false)
	if err != nil || changed {
		t.Errorf("expected idempotent opt-out, got changed=%v err=%v", changed, err)
	}
}

func TestEventsRecordedPerMutation(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	if _, err := uc.SetOptIn(ctx, "alice", "alice", true); err != nil {
		t.Fatalf("failed to opt in: %v", err)
	}
	if _, err := uc.SetDefaultPolicy(ctx, "alice", "alice", "allow_all"); err != nil {
		t.Fatalf("failed to set policy: %v", err)
	}
	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "mallory", false, nil); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	events, err := uc.ListEvents(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	types := map[event.Type]bool{}
	for _, ev := range events {
		types[ev.Type] = true
		if ev.Owner != "alice" {
			t.Errorf("expected owner alice, got %s", ev.Owner)
		}
		if ev.ID == "" {
			t.Error("expected event id")
		}
	}
	for _, want := range []event.Type{event.TypeOptIn, event.TypePolicyChanged, event.TypeEntryUpserted} {
		if !types[want] {
			t.Errorf("missing event type %s", want)
		}
	}
}

func TestEntryLimit(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{MaxEntriesPerOwner: 2})
	ctx := context.Background()

	for _, sender := range []string{"bob", "carol"} {
		if _, err := uc.UpsertEntry(ctx, "alice", "alice", sender, true, nil); err != nil {
			t.Fatalf("failed to upsert %s: %v", sender, err)
		}
	}
	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "dave", true, nil); !errors.Is(err, rule.ErrEntryLimit) {
		t.Errorf("expected ErrEntryLimit, got %v", err)
	}

	// Replacing an existing entry is always possible at the cap
	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "bob", false, nil); err != nil {
		t.Errorf("expected replacement at cap to succeed, got %v", err)
	}
}

func TestCacheInvalidationOnMutation(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{Cache: repository.NewMemoryRuleCache()})
	ctx := context.Background()

	if _, err := uc.SetDefaultPolicy(ctx, "alice", "alice", "allow_all"); err != nil {
		t.Fatalf("failed to set policy: %v", err)
	}

	// Prime the cache
	allowed, _ := uc.CanContact(ctx, "alice", "mallory")
	if !allowed {
		t.Fatal("expected allow before mutation")
	}

	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "mallory", false, nil); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	allowed, err := uc.CanContact(ctx, "alice", "mallory")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if allowed {
		t.Error("expected mutation to be visible immediately after invalidation")
	}
}

func TestCorruptStateFailsClosed(t *testing.T) {
	uc, repo := setupEngine(t, usecase.Config{})
	ctx := context.Background()

	// Inject an invariant violation straight into the store
	bad := rule.NewRuleSet("alice", time.Now().UTC())
	bad.DefaultPolicy = rule.PolicyAllowAll
	bad.Entries["bob"] = rule.PermissionEntry{Sender: "bob", Allowed: false, Categories: []rule.DataCategory{rule.CategoryText}}
	if err := repo.PutRuleSet(ctx, bad); err != nil {
		t.Fatalf("failed to seed corrupt state: %v", err)
	}

	allowed, err := uc.CanContact(ctx, "alice", "carol")
	if !errors.Is(err, rule.ErrInternalInconsistency) {
		t.Errorf("expected ErrInternalInconsistency, got %v", err)
	}
	if allowed {
		t.Error("expected corrupt state to deny, never allow")
	}

	// Mutations refuse to build on corrupt state too
	if _, err := uc.UpsertEntry(ctx, "alice", "alice", "carol", true, nil); !errors.Is(err, rule.ErrInternalInconsistency) {
		t.Errorf("expected ErrInternalInconsistency on mutation, got %v", err)
	}
}

func TestCanSendCategoryRequiresCategory(t *testing.T) {
	uc, _ := setupEngine(t, usecase.Config{})

	if _, err := uc.CanSendCategory(context.Background(), "alice", "bob", ""); !errors.Is(err, rule.ErrUnknownCategory) {
		t.Errorf("expected ErrUnknownCategory for empty category, got %v", err)
	}
}

// slowFillCache retrasa los Set del camino de evaluación para poder abrir la
// ventana entre la lectura del store y el relleno de la caché.
type slowFillCache struct {
	inner   repository.IRuleSetCache
	filling chan struct{}
	release chan struct{}
}

func (c *slowFillCache) Get(ctx context.Context, owner rule.AccountID) (*rule.RuleSet, error) {
	return c.inner.Get(ctx, owner)
}

func (c *slowFillCache) Set(ctx context.Context, rs rule.RuleSet, ttl time.Duration) error {
	c.filling <- struct{}{}
	<-c.release
	return c.inner.Set(ctx, rs, ttl)
}

func (c *slowFillCache) Invalidate(ctx context.Context, owner rule.AccountID) error {
	return c.inner.Invalidate(ctx, owner)
}

func TestConcurrentCacheFillDoesNotMaskMutation(t *testing.T) {
	cache := &slowFillCache{
		inner:   repository.NewMemoryRuleCache(),
		filling: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	uc, _ := setupEngine(t, usecase.Config{Cache: cache})
	ctx := context.Background()

	if _, err := uc.SetDefaultPolicy(ctx, "alice", "alice", "allow_all"); err != nil {
		t.Fatalf("failed to seed policy: %v", err)
	}

	// La evaluación lee allow_all del store y queda parada justo antes de
	// escribir la caché.
	evalDone := make(chan rule.Decision, 1)
	go func() {
		d, _ := uc.Evaluate(ctx, "alice", "mallory", "")
		evalDone <- d
	}()
	<-cache.filling

	// Mientras tanto llega un deny explícito para mallory. Debe quedar en
	// cola detrás del relleno, nunca perderse bajo él.
	denyDone := make(chan error, 1)
	go func() {
		_, err := uc.UpsertEntry(ctx, "alice", "alice", "mallory", false, nil)
		denyDone <- err
	}()

	close(cache.release)

	first := <-evalDone
	if !first.Allowed {
		t.Fatalf("expected pre-mutation evaluation to allow, got %+v", first)
	}
	if err := <-denyDone; err != nil {
		t.Fatalf("failed to upsert deny entry: %v", err)
	}

	d, err := uc.Evaluate(ctx, "alice", "mallory", "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d.Allowed || d.Reason != rule.ReasonExplicitDeny {
		t.Fatalf("expected explicit deny once the mutation committed, got %+v", d)
	}
}
