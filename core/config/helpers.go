package config

import (
	"os"
	"strconv"
	"strings"
)

// GetAllSettings returns a map of all dynamic settings currently loaded in memory.
func GetAllSettings() map[string]any {
	if Global == nil {
		return map[string]any{}
	}
	return map[string]any{
		"filter_cache_ttl_seconds":     Global.Filter.CacheTTLSeconds,
		"filter_max_entries_per_owner": Global.Filter.MaxEntriesPerOwner,
		"filter_event_retention_days":  Global.Filter.EventRetentionDays,
		"database_driver":              Global.Database.Driver,
		"database_valkey_enabled":      Global.Database.ValkeyEnabled,
		"webhook_targets":              len(Global.Webhook.URLs),
		"webhook_insecure_skip_verify": Global.Webhook.InsecureSkipVerify,
		"event_worker_pool_size":       Global.WorkerPool.Size,
		"event_worker_queue_size":      Global.WorkerPool.QueueSize,
		"app_debug":                    Global.App.Debug,
		"app_version":                  Global.App.Version,
	}
}

// Helpers
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		vLower := strings.ToLower(v)
		return vLower == "1" || vLower == "true" || vLower == "yes" || vLower == "on"
	}
	return fallback
}
