package models

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert types raised by the pipeline.
const (
	AlertPollerStopped   = "poller_stopped"
	AlertMatchReverted   = "match_reverted"
	AlertMatchDeferred   = "match_deferred"
	AlertClusterDegraded = "cluster_degraded"
	AlertComponentPanic  = "component_panic"
	AlertWorkerFailed    = "worker_failed"
	AlertDeadLettered    = "message_dead_lettered"
)

// Alert is the record handed to downstream notification channels.
type Alert struct {
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
