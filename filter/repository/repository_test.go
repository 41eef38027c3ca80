package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/AzielCF/az-filter/filter/domain/event"
	"github.com/AzielCF/az-filter/filter/domain/rule"
	"github.com/AzielCF/az-filter/filter/repository"
	_ "github.com/mattn/go-sqlite3"
	sqliteDialector "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// eachRepo runs the same suite against every IFilterRepository implementation
// so the engine can swap them freely.
func eachRepo(t *testing.T, fn func(t *testing.T, repo repository.IFilterRepository)) {
	t.Helper()

	builders := map[string]func(t *testing.T) repository.IFilterRepository{
		"sqlite": func(t *testing.T) repository.IFilterRepository {
			db, err := sql.Open("sqlite3", ":memory:")
			if err != nil {
				t.Fatalf("failed to open db: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			return repository.NewSQLiteRepository(db)
		},
		"gorm": func(t *testing.T) repository.IFilterRepository {
			dsn := filepath.Join(t.TempDir(), "filter.db")
			db, err := gorm.Open(sqliteDialector.Open(dsn), &gorm.Config{
				Logger: gormLogger.Default.LogMode(gormLogger.Silent),
			})
			if err != nil {
				t.Fatalf("failed to open gorm db: %v", err)
			}
			return repository.NewFilterGormRepository(db)
		},
		"memory": func(t *testing.T) repository.IFilterRepository {
			return repository.NewMemoryRepository()
		},
	}

	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			repo := build(t)
			if err := repo.Init(context.Background()); err != nil {
				t.Fatalf("failed to init repo: %v", err)
			}
			fn(t, repo)
		})
	}
}

func sampleRuleSet(owner rule.AccountID) rule.RuleSet {
	now := time.Now().UTC().Truncate(time.Second)
	rs := rule.NewRuleSet(owner, now)
	rs.DefaultPolicy = rule.PolicyAllowAll
	rs.Revision = 3
	rs.Entries["bob"] = rule.PermissionEntry{
		Sender:     "bob",
		Allowed:    true,
		Categories: []rule.DataCategory{rule.CategoryText, "custom:invoice"},
		UpdatedRev: 2,
		UpdatedAt:  now,
	}
	rs.Entries["mallory"] = rule.PermissionEntry{
		Sender:     "mallory",
		Allowed:    false,
		UpdatedRev: 3,
		UpdatedAt:  now,
	}
	return rs
}

func TestPutAndGetRuleSet(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo repository.IFilterRepository) {
		ctx := context.Background()
		rs := sampleRuleSet("alice")

		if err := repo.PutRuleSet(ctx, rs); err != nil {
			t.Fatalf("failed to put rule set: %v", err)
		}

		stored, err := repo.GetRuleSet(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to get rule set: %v", err)
		}
		if stored.Owner != "alice" {
			t.Errorf("expected owner alice, got %s", stored.Owner)
		}
		if stored.DefaultPolicy != rule.PolicyAllowAll {
			t.Errorf("expected allow_all, got %s", stored.DefaultPolicy)
		}
		if stored.Revision != 3 {
			t.Errorf("expected revision 3, got %d", stored.Revision)
		}
		if len(stored.Entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(stored.Entries))
		}

		bob, ok := stored.Entry("bob")
		if !ok {
			t.Fatal("expected entry for bob")
		}
		if !bob.Allowed || len(bob.Categories) != 2 || !bob.HasCategory("custom:invoice") {
			t.Errorf("bob entry did not round-trip: %+v", bob)
		}
		if bob.UpdatedRev != 2 {
			t.Errorf("expected updated_rev 2, got %d", bob.UpdatedRev)
		}

		mallory, ok := stored.Entry("mallory")
		if !ok {
			t.Fatal("expected entry for mallory")
		}
		if mallory.Allowed || len(mallory.Categories) != 0 {
			t.Errorf("mallory entry did not round-trip: %+v", mallory)
		}
	})
}

func TestGetRuleSetNotFound(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo repository.IFilterRepository) {
		_, err := repo.GetRuleSet(context.Background(), "nobody")
		if !errors.Is(err, rule.ErrRuleSetNotFound) {
			t.Errorf("expected ErrRuleSetNotFound, got %v", err)
		}
	})
}

func TestPutRuleSetReplacesWholeSet(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo repository.IFilterRepository) {
		ctx := context.Background()
		if err := repo.PutRuleSet(ctx, sampleRuleSet("alice")); err != nil {
			t.Fatalf("failed to put rule set: %v", err)
		}

		replacement := rule.NewRuleSet("alice", time.Now().UTC().Truncate(time.Second))
		replacement.Revision = 4
		replacement.Entries["carol"] = rule.PermissionEntry{Sender: "carol", Allowed: true, UpdatedRev: 4, UpdatedAt: replacement.UpdatedAt}
		if err := repo.PutRuleSet(ctx, replacement); err != nil {
			t.Fatalf("failed to replace rule set: %v", err)
		}

		stored, err := repo.GetRuleSet(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to get rule set: %v", err)
		}
		if stored.DefaultPolicy != rule.PolicyDenyAll {
			t.Errorf("expected policy replaced with deny_all, got %s", stored.DefaultPolicy)
		}
		if stored.Revision != 4 {
			t.Errorf("expected revision 4, got %d", stored.Revision)
		}
		if len(stored.Entries) != 1 {
			t.Fatalf("expected old entries gone, got %d entries", len(stored.Entries))
		}
		if _, ok := stored.Entry("carol"); !ok {
			t.Error("expected entry for carol")
		}
	})
}

func TestDeleteRuleSet(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo repository.IFilterRepository) {
		ctx := context.Background()
		if err := repo.PutRuleSet(ctx, sampleRuleSet("alice")); err != nil {
			t.Fatalf("failed to put rule set: %v", err)
		}

		if err := repo.DeleteRuleSet(ctx, "alice"); err != nil {
			t.Fatalf("failed to delete rule set: %v", err)
		}
		if _, err := repo.GetRuleSet(ctx, "alice"); !errors.Is(err, rule.ErrRuleSetNotFound) {
			t.Errorf("expected ErrRuleSetNotFound after delete, got %v", err)
		}
		if err := repo.DeleteRuleSet(ctx, "alice"); !errors.Is(err, rule.ErrRuleSetNotFound) {
			t.Errorf("expected ErrRuleSetNotFound on second delete, got %v", err)
		}
	})
}

func TestCountRuleSets(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo repository.IFilterRepository) {
		ctx := context.Background()

		count, err := repo.CountRuleSets(ctx)
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 rule sets, got %d", count)
		}

		if err := repo.PutRuleSet(ctx, sampleRuleSet("alice")); err != nil {
			t.Fatalf("failed to put rule set: %v", err)
		}
		if err := repo.PutRuleSet(ctx, sampleRuleSet("dave")); err != nil {
			t.Fatalf("failed to put rule set: %v", err)
		}

		count, err = repo.CountRuleSets(ctx)
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 rule sets, got %d", count)
		}
	})
}

func TestEventsAppendListPrune(t *testing.T) {
	eachRepo(t, func(t *testing.T, repo repository.IFilterRepository) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Second).Add(-3 * time.Hour)

		for i, typ := range []event.Type{event.TypeOptIn, event.TypePolicyChanged, event.TypeEntryUpserted} {
			ev := event.New(typ, "alice", base.Add(time.Duration(i)*time.Hour))
			ev.Revision = uint64(i + 1)
			if err := repo.AppendEvent(ctx, ev); err != nil {
				t.Fatalf("failed to append event: %v", err)
			}
		}
		other := event.New(event.TypeOptIn, "dave", base)
		if err := repo.AppendEvent(ctx, other); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}

		events, err := repo.ListEvents(ctx, "alice", 10)
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events for alice, got %d", len(events))
		}
		// Newest first
		if events[0].Type != event.TypeEntryUpserted || events[2].Type != event.TypeOptIn {
			t.Errorf("expected newest-first ordering, got %s .. %s", events[0].Type, events[2].Type)
		}

		limited, err := repo.ListEvents(ctx, "alice", 2)
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("expected limit to apply, got %d events", len(limited))
		}

		pruned, err := repo.PruneEvents(ctx, base.Add(90*time.Minute))
		if err != nil {
			t.Fatalf("failed to prune events: %v", err)
		}
		// alice at +0h and +1h plus dave at +0h fall before the cutoff
		if pruned != 3 {
			t.Errorf("expected 3 pruned events, got %d", pruned)
		}

		events, err = repo.ListEvents(ctx, "alice", 10)
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(events) != 1 || events[0].Type != event.TypeEntryUpserted {
			t.Errorf("expected only the newest event to survive, got %+v", events)
		}
	})
}
