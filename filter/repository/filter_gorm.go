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
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --- Persistence Models ---

type ruleSetModel struct {
	Owner         string    `gorm:"primaryKey;column:owner"`
	DefaultPolicy string    `gorm:"column:default_policy;not null"`
	Revision      uint64    `gorm:"column:revision;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

func (ruleSetModel) TableName() string { return "filter_rulesets" }

type permissionEntryModel struct {
	Owner      string         `gorm:"primaryKey;column:owner"`
	Sender     string         `gorm:"primaryKey;column:sender"`
	Allowed    bool           `gorm:"column:allowed;not null"`
	Categories sql.NullString `gorm:"column:categories"` // JSON
	UpdatedRev uint64         `gorm:"column:updated_rev;not null;default:0"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;not null"`
}

func (permissionEntryModel) TableName() string { return "filter_entries" }

type filterEventModel struct {
	ID        string         `gorm:"primaryKey;column:id"`
	Owner     string         `gorm:"column:owner;not null;index:idx_filter_events_owner"`
	Type      string         `gorm:"column:type;not null"`
	Sender    sql.NullString `gorm:"column:sender"`
	Detail    sql.NullString `gorm:"column:detail"`
	Revision  uint64         `gorm:"column:revision;not null;default:0"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;index:idx_filter_events_created"`
}

func (filterEventModel) TableName() string { return "filter_events" }

// --- Repository Implementation ---

type FilterGormRepository struct {
	db *gorm.DB
}

func NewFilterGormRepository(db *gorm.DB) *FilterGormRepository {
	return &FilterGormRepository{db: db}
}

func (r *FilterGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&ruleSetModel{},
		&permissionEntryModel{},
		&filterEventModel{},
	)
}

func (r *FilterGormRepository) GetRuleSet(ctx context.Context, owner rule.AccountID) (rule.RuleSet, error) {
	var m ruleSetModel
	if err := r.db.WithContext(ctx).First(&m, "owner = ?", string(owner)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return rule.RuleSet{}, rule.ErrRuleSetNotFound
		}
		return rule.RuleSet{}, err
	}

	var entries []permissionEntryModel
	if err := r.db.WithContext(ctx).Where("owner = ?", string(owner)).Find(&entries).Error; err != nil {
		return rule.RuleSet{}, err
	}
	return fromRuleSetModel(m, entries)
}

// PutRuleSet intercambia cabecera y entradas dentro de una transacción.
func (r *FilterGormRepository) PutRuleSet(ctx context.Context, rs rule.RuleSet) error {
	header := toRuleSetModel(rs)
	entries := toEntryModels(rs)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "owner"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"default_policy": header.DefaultPolicy,
				"revision":       header.Revision,
				"updated_at":     header.UpdatedAt,
			}),
		}).Create(&header).Error
		if err != nil {
			return err
		}

		if err := tx.Where("owner = ?", header.Owner).Delete(&permissionEntryModel{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Create(&entries).Error
	})
}

func (r *FilterGormRepository) DeleteRuleSet(ctx context.Context, owner rule.AccountID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner = ?", string(owner)).Delete(&permissionEntryModel{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&ruleSetModel{}, "owner = ?", string(owner))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return rule.ErrRuleSetNotFound
		}
		return nil
	})
}

func (r *FilterGormRepository) CountRuleSets(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&ruleSetModel{}).Count(&count).Error
	return count, err
}

func (r *FilterGormRepository) AppendEvent(ctx context.Context, ev event.FilterEvent) error {
	model := toFilterEventModel(ev)
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *FilterGormRepository) ListEvents(ctx context.Context, owner rule.AccountID, limit int) ([]event.FilterEvent, error) {
	var models []filterEventModel
	err := r.db.WithContext(ctx).Where("owner = ?", string(owner)).
		Order("created_at DESC, id").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]event.FilterEvent, len(models))
	for i, m := range models {
		res[i] = fromFilterEventModel(m)
	}
	return res, nil
}

func (r *FilterGormRepository) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&filterEventModel{})
	return res.RowsAffected, res.Error
}

// --- Mappers ---

func toRuleSetModel(rs rule.RuleSet) ruleSetModel {
	return ruleSetModel{
		Owner:         string(rs.Owner),
		DefaultPolicy: string(rs.DefaultPolicy),
		Revision:      rs.Revision,
		CreatedAt:     rs.CreatedAt,
		UpdatedAt:     rs.UpdatedAt,
	}
}

func toEntryModels(rs rule.RuleSet) []permissionEntryModel {
	if len(rs.Entries) == 0 {
		return nil
	}
	models := make([]permissionEntryModel, 0, len(rs.Entries))
	for _, e := range rs.Entries {
		var categories sql.NullString
		if len(e.Categories) > 0 {
			raw, _ := json.Marshal(e.Categories)
			categories = sql.NullString{String: string(raw), Valid: true}
		}
		models = append(models, permissionEntryModel{
			Owner:      string(rs.Owner),
			Sender:     string(e.Sender),
			Allowed:    e.Allowed,
			Categories: categories,
			UpdatedRev: e.UpdatedRev,
			UpdatedAt:  e.UpdatedAt,
		})
	}
	return models
}

func fromRuleSetModel(m ruleSetModel, entryModels []permissionEntryModel) (rule.RuleSet, error) {
	rs := rule.RuleSet{
		Owner:         rule.AccountID(m.Owner),
		DefaultPolicy: rule.DefaultPolicy(m.DefaultPolicy),
		Entries:       make(map[rule.AccountID]rule.PermissionEntry, len(entryModels)),
		Revision:      m.Revision,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	for _, em := range entryModels {
		e := rule.PermissionEntry{
			Sender:     rule.AccountID(em.Sender),
			Allowed:    em.Allowed,
			UpdatedRev: em.UpdatedRev,
			UpdatedAt:  em.UpdatedAt,
		}
		categoriesJSON := nullStringValue(em.Categories)
		if categoriesJSON != "" {
			if err := json.Unmarshal([]byte(categoriesJSON), &e.Categories); err != nil {
				return rule.RuleSet{}, fmt.Errorf("%w: categories for %s: %v", rule.ErrInternalInconsistency, em.Sender, err)
			}
		}
		rs.Entries[e.Sender] = e
	}
	return rs, nil
}

func toFilterEventModel(ev event.FilterEvent) filterEventModel {
	return filterEventModel{
		ID:        ev.ID,
		Owner:     ev.Owner,
		Type:      string(ev.Type),
		Sender:    sql.NullString{String: ev.Sender, Valid: ev.Sender != ""},
		Detail:    sql.NullString{String: ev.Detail, Valid: ev.Detail != ""},
		Revision:  ev.Revision,
		CreatedAt: ev.At,
	}
}

func fromFilterEventModel(m filterEventModel) event.FilterEvent {
	return event.FilterEvent{
		ID:       m.ID,
		Type:     event.Type(m.Type),
		Owner:    m.Owner,
		Sender:   nullStringValue(m.Sender),
		Detail:   nullStringValue(m.Detail),
		Revision: m.Revision,
		At:       m.CreatedAt,
	}
}

// nullStringValue returns a trimmed string or empty if null to prevent legacy data panics.
func nullStringValue(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return strings.TrimSpace(ns.String)
}
