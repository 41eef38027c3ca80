package usecase

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/AzielCF/az-filter/core/config"
	"github.com/AzielCF/az-filter/domains/health"
	"github.com/AzielCF/az-filter/filter/domain/rule"
	"github.com/AzielCF/az-filter/filter/repository"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type healthService struct {
	db        *sql.DB
	repo      repository.IFilterRepository
	cache     repository.IRuleSetCache
	startedAt time.Time
}

func initHealthStorageDB() (*sql.DB, error) {
	dbPath := filepath.Join(config.Global.Paths.Storages, "health.db")
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, err
	}

	createHealthTable := `
		CREATE TABLE IF NOT EXISTS health_checks (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			status TEXT NOT NULL,
			last_message TEXT,
			last_checked TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_success TIMESTAMP,
			UNIQUE(entity_type, entity_id)
		);
	`

	if _, err := db.Exec(createHealthTable); err != nil {
		return nil, err
	}

	return db, nil
}

func NewHealthService(repo repository.IFilterRepository, cache repository.IRuleSetCache) health.IHealthUsecase {
	db, err := initHealthStorageDB()
	if err != nil {
		logrus.WithError(err).Error("[Health] failed to initialize storage")
		return &healthService{db: nil, repo: repo, cache: cache, startedAt: time.Now()}
	}
	return &healthService{
		db:        db,
		repo:      repo,
		cache:     cache,
		startedAt: time.Now(),
	}
}

func (s *healthService) ensureDB() error {
	if s.db == nil {
		return fmt.Errorf("health storage not initialized")
	}
	return nil
}

func (s *healthService) GetStatus(ctx context.Context) (health.Summary, error) {
	if err := s.ensureDB(); err != nil {
		return health.Summary{}, err
	}

	query := `SELECT id, entity_type, entity_id, status, last_message, last_checked, last_success FROM health_checks`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return health.Summary{}, err
	}
	defer rows.Close()

	var records []health.HealthRecord
	for rows.Next() {
		var r health.HealthRecord
		var lastSuccess sql.NullTime
		if err := rows.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.Status, &r.LastMessage, &r.LastChecked, &lastSuccess); err != nil {
			return health.Summary{}, err
		}
		if lastSuccess.Valid {
			r.LastSuccess = &lastSuccess.Time
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return health.Summary{}, err
	}

	now := time.Now()
	summary := health.Summary{
		Uptime:     humanize.RelTime(s.startedAt, now, "", ""),
		RuleSets:   "unknown",
		ServerTime: now.UTC(),
		Records:    records,
	}
	if count, err := s.repo.CountRuleSets(ctx); err == nil {
		summary.RuleSets = humanize.Comma(count)
	}
	return summary, nil
}

func (s *healthService) GetEntityStatus(ctx context.Context, entityType health.EntityType, entityID string) (health.HealthRecord, error) {
	if err := s.ensureDB(); err != nil {
		return health.HealthRecord{}, err
	}

	var r health.HealthRecord
	var lastSuccess sql.NullTime
	query := `SELECT id, entity_type, entity_id, status, last_message, last_checked, last_success FROM health_checks WHERE entity_type = ? AND entity_id = ?`
	err := s.db.QueryRowContext(ctx, query, string(entityType), entityID).Scan(&r.ID, &r.EntityType, &r.EntityID, &r.Status, &r.LastMessage, &r.LastChecked, &lastSuccess)
	if err != nil {
		if err == sql.ErrNoRows {
			return health.HealthRecord{
				EntityType: entityType,
				EntityID:   entityID,
				Status:     health.StatusUnknown,
			}, nil
		}
		return r, err
	}
	if lastSuccess.Valid {
		r.LastSuccess = &lastSuccess.Time
	}
	return r, nil
}

func (s *healthService) upsertStatus(ctx context.Context, r health.HealthRecord) error {
	if err := s.ensureDB(); err != nil {
		return err
	}

	if r.ID == "" {
		// Try to find existing ID
		existing, _ := s.GetEntityStatus(ctx, r.EntityType, r.EntityID)
		if existing.ID != "" {
			r.ID = existing.ID
		} else {
			r.ID = uuid.NewString()
		}
	}

	query := `
		INSERT INTO health_checks (id, entity_type, entity_id, status, last_message, last_checked, last_success)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			status = excluded.status,
			last_message = excluded.last_message,
			last_checked = excluded.last_checked,
			last_success = CASE WHEN excluded.status = 'OK' THEN excluded.last_checked ELSE last_success END
	`

	now := time.Now()
	_, err := s.db.ExecContext(ctx, query, r.ID, string(r.EntityType), r.EntityID, string(r.Status), r.LastMessage, now, now)
	return err
}

// CheckStore verifies the rule store answers queries.
func (s *healthService) CheckStore(ctx context.Context) (health.HealthRecord, error) {
	record := health.HealthRecord{
		EntityType: health.EntityStore,
		EntityID:   "primary",
		Status:     health.StatusOk,
	}

	count, err := s.repo.CountRuleSets(ctx)
	if err != nil {
		record.Status = health.StatusError
		record.LastMessage = err.Error()
	} else {
		record.LastMessage = fmt.Sprintf("%d rule sets stored", count)
	}

	err = s.upsertStatus(ctx, record)
	return record, err
}

// CheckCache does a write-read-invalidate round trip against the rule cache
// under a reserved owner ID that can never collide with a real account.
func (s *healthService) CheckCache(ctx context.Context) (health.HealthRecord, error) {
	record := health.HealthRecord{
		EntityType: health.EntityCache,
		EntityID:   "primary",
		Status:     health.StatusOk,
	}

	if s.cache == nil {
		record.Status = health.StatusUnknown
		record.LastMessage = "no cache configured"
		err := s.upsertStatus(ctx, record)
		return record, err
	}

	probe := rule.NewRuleSet("__health_probe__", time.Now().UTC())
	if err := s.cache.Set(ctx, probe, 5*time.Second); err != nil {
		record.Status = health.StatusError
		record.LastMessage = fmt.Sprintf("cache write failed: %v", err)
	} else if got, err := s.cache.Get(ctx, probe.Owner); err != nil || got == nil {
		record.Status = health.StatusError
		record.LastMessage = fmt.Sprintf("cache read failed: %v", err)
	} else {
		record.LastMessage = "Round trip successful"
	}
	_ = s.cache.Invalidate(ctx, probe.Owner)

	err := s.upsertStatus(ctx, record)
	return record, err
}

func (s *healthService) CheckAll(ctx context.Context) ([]health.HealthRecord, error) {
	var results []health.HealthRecord

	if res, err := s.CheckStore(ctx); err == nil {
		results = append(results, res)
	} else {
		logrus.WithError(err).Warn("[Health] store check failed to persist")
		results = append(results, res)
	}

	if res, err := s.CheckCache(ctx); err == nil {
		results = append(results, res)
	} else {
		logrus.WithError(err).Warn("[Health] cache check failed to persist")
		results = append(results, res)
	}

	return results, nil
}

// ReportFailure lets other subsystems (the webhook forwarder) push status
// without running a check cycle.
func (s *healthService) ReportFailure(ctx context.Context, entityType health.EntityType, entityID string, message string) {
	record := health.HealthRecord{
		EntityType:  entityType,
		EntityID:    entityID,
		Status:      health.StatusError,
		LastMessage: message,
	}
	if err := s.upsertStatus(ctx, record); err != nil {
		logrus.WithError(err).Warnf("[Health] failed to record failure for %s/%s", entityType, entityID)
	}
}

func (s *healthService) ReportSuccess(ctx context.Context, entityType health.EntityType, entityID string) {
	record := health.HealthRecord{
		EntityType:  entityType,
		EntityID:    entityID,
		Status:      health.StatusOk,
		LastMessage: "OK",
	}
	if err := s.upsertStatus(ctx, record); err != nil {
		logrus.WithError(err).Warnf("[Health] failed to record success for %s/%s", entityType, entityID)
	}
}

func (s *healthService) StartPeriodicChecks(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CheckAll(ctx); err != nil {
					logrus.WithError(err).Warn("[Health] periodic check failed")
				}
			}
		}
	}()
}
