package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AzielCF/az-filter/filter/domain/event"
	"github.com/AzielCF/az-filter/filter/domain/rule"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS filter_rulesets (
			owner TEXT PRIMARY KEY,
			default_policy TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS filter_entries (
			owner TEXT NOT NULL,
			sender TEXT NOT NULL,
			allowed BOOLEAN NOT NULL,
			categories TEXT,
			updated_rev INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (owner, sender),
			FOREIGN KEY (owner) REFERENCES filter_rulesets(owner) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS filter_events (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			type TEXT NOT NULL,
			sender TEXT,
			detail TEXT,
			revision INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_filter_entries_owner ON filter_entries(owner);`,
		`CREATE INDEX IF NOT EXISTS idx_filter_events_owner ON filter_events(owner, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_filter_events_created ON filter_events(created_at);`,
		// Migraciones incrementales
		`ALTER TABLE filter_events ADD COLUMN revision INTEGER NOT NULL DEFAULT 0;`,
	}

	for _, query := range queries {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			// Ignorar errores de "duplicate column" en migraciones ALTER TABLE
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) GetRuleSet(ctx context.Context, owner rule.AccountID) (rule.RuleSet, error) {
	query := `SELECT owner, default_policy, revision, created_at, updated_at FROM filter_rulesets WHERE owner = ?`
	row := r.db.QueryRowContext(ctx, query, string(owner))

	var rs rule.RuleSet
	err := row.Scan(&rs.Owner, &rs.DefaultPolicy, &rs.Revision, &rs.CreatedAt, &rs.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule.RuleSet{}, rule.ErrRuleSetNotFound
	}
	if err != nil {
		return rule.RuleSet{}, err
	}

	rs.Entries = make(map[rule.AccountID]rule.PermissionEntry)
	rows, err := r.db.QueryContext(ctx, `SELECT sender, allowed, categories, updated_rev, updated_at FROM filter_entries WHERE owner = ?`, string(owner))
	if err != nil {
		return rule.RuleSet{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var e rule.PermissionEntry
		var categories sql.NullString
		if err := rows.Scan(&e.Sender, &e.Allowed, &categories, &e.UpdatedRev, &e.UpdatedAt); err != nil {
			return rule.RuleSet{}, err
		}
		if categories.Valid && categories.String != "" {
			if err := json.Unmarshal([]byte(categories.String), &e.Categories); err != nil {
				return rule.RuleSet{}, fmt.Errorf("%w: categories for %s: %v", rule.ErrInternalInconsistency, e.Sender, err)
			}
		}
		rs.Entries[e.Sender] = e
	}
	if err := rows.Err(); err != nil {
		return rule.RuleSet{}, err
	}
	return rs, nil
}

// PutRuleSet reemplaza el rule set completo en una sola transacción.
func (r *SQLiteRepository) PutRuleSet(ctx context.Context, rs rule.RuleSet) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO filter_rulesets (owner, default_policy, revision, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET default_policy = excluded.default_policy, revision = excluded.revision, updated_at = excluded.updated_at`,
		string(rs.Owner), string(rs.DefaultPolicy), rs.Revision, rs.CreatedAt, rs.UpdatedAt)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM filter_entries WHERE owner = ?`, string(rs.Owner)); err != nil {
		return err
	}

	for _, e := range rs.Entries {
		var categories any
		if len(e.Categories) > 0 {
			raw, _ := json.Marshal(e.Categories)
			categories = string(raw)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO filter_entries (owner, sender, allowed, categories, updated_rev, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			string(rs.Owner), string(e.Sender), e.Allowed, categories, e.UpdatedRev, e.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) DeleteRuleSet(ctx context.Context, owner rule.AccountID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// ON DELETE CASCADE no aplica con foreign_keys off, borrado explícito
	if _, err = tx.ExecContext(ctx, `DELETE FROM filter_entries WHERE owner = ?`, string(owner)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM filter_rulesets WHERE owner = ?`, string(owner))
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return rule.ErrRuleSetNotFound
	}
	return tx.Commit()
}

func (r *SQLiteRepository) CountRuleSets(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM filter_rulesets`).Scan(&count)
	return count, err
}

func (r *SQLiteRepository) AppendEvent(ctx context.Context, ev event.FilterEvent) error {
	query := `INSERT INTO filter_events (id, owner, type, sender, detail, revision, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, ev.ID, ev.Owner, string(ev.Type), ev.Sender, ev.Detail, ev.Revision, ev.At)
	return err
}

func (r *SQLiteRepository) ListEvents(ctx context.Context, owner rule.AccountID, limit int) ([]event.FilterEvent, error) {
	query := `SELECT id, owner, type, sender, detail, revision, created_at FROM filter_events WHERE owner = ? ORDER BY created_at DESC, id LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, string(owner), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []event.FilterEvent
	for rows.Next() {
		var ev event.FilterEvent
		var sender, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Owner, &ev.Type, &sender, &detail, &ev.Revision, &ev.At); err != nil {
			return nil, err
		}
		ev.Sender = sender.String
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *SQLiteRepository) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM filter_events WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
