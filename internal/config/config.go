// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the control-plane service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	DatabasePath      string        // SQLite database file for the job store
	Domain            string        // base domain for hosted apps
	AppsDir           string        // root directory holding per-app workspaces
	DevMode           bool          // development mode: apps get direct host ports
	JobRetention      time.Duration // how long terminal jobs remain listable
	PruneInterval     time.Duration // how often terminal jobs past retention are pruned
	StreamKeepalive   time.Duration // idle comment-ping interval for SSE streams
	ShutdownDrainWait time.Duration // time to wait for load balancer to drain (0 to skip)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		DatabasePath:      GetEnv("JOB_DB_PATH", "jobs.db"),
		Domain:            GetEnv("PAAS_DOMAIN", "my.domain.com"),
		AppsDir:           GetEnv("PAAS_APPS_DIR", "/paas/apps"),
		DevMode:           GetEnv("RUN_MODE", "production") == "development",
		JobRetention:      GetDurationEnv("JOB_RETENTION", 24*time.Hour),
		PruneInterval:     GetDurationEnv("JOB_PRUNE_INTERVAL", time.Hour),
		StreamKeepalive:   GetDurationEnv("STREAM_KEEPALIVE", 30*time.Second),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}
