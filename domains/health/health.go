package health

import (
	"context"
	"time"
)

type EntityType string

const (
	EntityStore   EntityType = "rule_store"
	EntityCache   EntityType = "rule_cache"
	EntityWebhook EntityType = "webhook"
)

type Status string

const (
	StatusOk      Status = "OK"
	StatusError   Status = "ERROR"
	StatusUnknown Status = "UNKNOWN"
)

type HealthRecord struct {
	ID          string     `json:"id"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Status      Status     `json:"status"`
	LastMessage string     `json:"last_message"`
	LastChecked time.Time  `json:"last_checked"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}

// Summary is the aggregate view served on /health/status.
type Summary struct {
	Uptime     string         `json:"uptime"`
	RuleSets   string         `json:"rule_sets"`
	ServerTime time.Time      `json:"server_time"`
	Records    []HealthRecord `json:"records"`
}

type IHealthUsecase interface {
	CheckStore(ctx context.Context) (HealthRecord, error)
	CheckCache(ctx context.Context) (HealthRecord, error)
	CheckAll(ctx context.Context) ([]HealthRecord, error)
	GetStatus(ctx context.Context) (Summary, error)
	GetEntityStatus(ctx context.Context, entityType EntityType, entityID string) (HealthRecord, error)
	ReportFailure(ctx context.Context, entityType EntityType, entityID string, message string)
	ReportSuccess(ctx context.Context, entityType EntityType, entityID string)
	StartPeriodicChecks(ctx context.Context)
}
