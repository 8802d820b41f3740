package backend

import "encoding/json"

// CountSnapshot is one approach's live vehicle count.
type CountSnapshot struct {
	Count     int    `json:"count"`
	Timestamp string `json:"timestamp"`
}

// Health reports backend, model, and simulation status.
type Health struct {
	Status             string `json:"status"`
	ModelsLoaded       bool   `json:"models_loaded"`
	SimulationRunning  bool   `json:"sumo_running"`
	EmergencyActive    bool   `json:"emergency_active"`
	EmergencyDirection string `json:"emergency_direction"`
}

// Decision is the most recent AI signal action.
type Decision struct {
	Action             int                      `json:"action"`
	Source             string                   `json:"source"`
	Counts             map[string]CountSnapshot `json:"counts"`
	EmergencyActive    bool                     `json:"emergency_active"`
	EmergencyDirection string                   `json:"emergency_direction"`
}

// Alert is a severity-classified congestion alert.
type Alert struct {
	Severity      string         `json:"severity"`
	SeverityLevel int            `json:"severity_level"`
	Message       string         `json:"message"`
	Junction      string         `json:"junction,omitempty"`
	Direction     string         `json:"direction,omitempty"`
	QueueLength   int            `json:"queue_length,omitempty"`
	WaitingTime   float64        `json:"waiting_time,omitempty"`
	VehicleCounts map[string]int `json:"vehicle_counts,omitempty"`
	Timestamp     string         `json:"timestamp"`
}

// Alerts is the current alert plus history, most recent first.
type Alerts struct {
	Current *Alert  `json:"current"`
	History []Alert `json:"history"`
}

// Position is a pixel coordinate in camera space.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Violation is one logged traffic violation (e.g. illegal parking).
type Violation struct {
	Type      string   `json:"type"`
	SourceID  string   `json:"cam_id"`
	Position  Position `json:"position"`
	Duration  float64  `json:"duration"`
	Timestamp string   `json:"timestamp"`
	Severity  string   `json:"severity"`
}

// StationaryVehicle is a currently tracked stationary vehicle.
type StationaryVehicle struct {
	Position [2]float64 `json:"position"`
	Duration float64    `json:"duration"`
	Flagged  bool       `json:"flagged"`
}

// Violations is the violation log plus active stationary vehicles per source.
type Violations struct {
	Violations       []Violation                    `json:"violations"`
	ActiveStationary map[string][]StationaryVehicle `json:"active_stationary"`
}

// EmergencyState is the emergency priority override status.
type EmergencyState struct {
	Active           bool   `json:"active"`
	Direction        string `json:"direction"`
	ActivatedAt      string `json:"activated_at"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// SimVehicle is one simulated vehicle's position on an approach lane,
// normalized to [0,1] with 1 at the stop line.
type SimVehicle struct {
	ID   string  `json:"id"`
	Pos  float64 `json:"pos"`
	Type string  `json:"type"`
}

// Visualization is the per-approach vehicle layout plus the signal phase.
type Visualization struct {
	North   []SimVehicle `json:"North"`
	South   []SimVehicle `json:"South"`
	East    []SimVehicle `json:"East"`
	West    []SimVehicle `json:"West"`
	TLPhase int          `json:"tl_phase"`
}

// EmergencyVehicle is an emergency vehicle detected by the simulation.
type EmergencyVehicle struct {
	ID        string  `json:"id"`
	Direction string  `json:"direction"`
	Type      string  `json:"type"`
	Pos       float64 `json:"pos"`
}

// StepResult is the metrics payload returned by one simulation step.
type StepResult struct {
	QueueLength       int                `json:"queue_length"`
	WaitingTime       float64            `json:"waiting_time"`
	VehicleCount      map[string]int     `json:"vehicle_count"`
	Viz               Visualization      `json:"viz"`
	EmergencyVehicles []EmergencyVehicle `json:"emergency_vehicles"`
	Action            int                `json:"action"`
	Step              int                `json:"step"`
}

// Summary is the narrated traffic summary plus the context it was built from.
// Context keys are kept raw so partial updates can patch individual slices
// without re-encoding the rest.
type Summary struct {
	Narrative string                     `json:"summary"`
	Context   map[string]json.RawMessage `json:"context"`
}
