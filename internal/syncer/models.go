package syncer

import "traffic-sync/internal/backend"

// Health status values. The status starts as unknown until the first
// successful health poll; the backend reports online/offline afterwards.
const (
	HealthUnknown = "unknown"
	HealthOnline  = "online"
	HealthOffline = "offline"
)

// Bounds for the operator-configurable auto-step period, in milliseconds.
const (
	MinStepIntervalMs     = 200
	MaxStepIntervalMs     = 60000
	DefaultStepIntervalMs = 1000
)

// State is the shared synchronization state: an eventually-consistent cache
// of the backend's read endpoints plus the local auto-step settings. Only the
// Store mutates it; consumers receive deep-copied snapshots.
type State struct {
	LiveCounts      map[string]backend.CountSnapshot `json:"live_counts"`
	Health          backend.Health                   `json:"health"`
	LastDecision    *backend.Decision                `json:"last_decision"`
	Summary         backend.Summary                  `json:"summary"`
	Alerts          backend.Alerts                   `json:"alerts"`
	Violations      backend.Violations               `json:"violations"`
	Emergency       backend.EmergencyState           `json:"emergency"`
	AutoStepEnabled bool                             `json:"auto_step_enabled"`
	StepIntervalMs  int                              `json:"step_interval_ms"`
}
