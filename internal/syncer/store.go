package syncer

import (
	"encoding/json"
	"sync"
	"time"

	"traffic-sync/internal/backend"
)

// Store owns the shared sync state. Every field is overwritten only by a
// completed poll response, a completed step response, or a completed command
// acknowledgment; concurrent writes resolve last-applied-wins. Readers get a
// deep-copied snapshot and can never alias internal state.
type Store struct {
	mu sync.RWMutex
	s  State
}

// NewStore returns a Store with empty cached slices, health unknown, and the
// given auto-step period (clamped to the allowed range).
func NewStore(stepIntervalMs int) *Store {
	return &Store{s: State{
		LiveCounts:     make(map[string]backend.CountSnapshot),
		Health:         backend.Health{Status: HealthUnknown},
		StepIntervalMs: clampStepInterval(stepIntervalMs),
	}}
}

// Snapshot returns a deep copy of the current state.
func (st *Store) Snapshot() State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return cloneState(st.s)
}

// SetCounts overwrites the live counts slice.
func (st *Store) SetCounts(counts map[string]backend.CountSnapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.LiveCounts = cloneCounts(counts)
}

// SetHealth overwrites the health slice. Returns true if the
// simulation-running flag changed, so the caller can wake the auto-step loop.
func (st *Store) SetHealth(h backend.Health) (runningChanged bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	runningChanged = st.s.Health.SimulationRunning != h.SimulationRunning
	st.s.Health = h
	return runningChanged
}

// SetDecision overwrites the last decision slice.
func (st *Store) SetDecision(d backend.Decision) {
	st.mu.Lock()
	defer st.mu.Unlock()
	d.Counts = cloneCounts(d.Counts)
	st.s.LastDecision = &d
}

// SetSummary overwrites the summary slice.
func (st *Store) SetSummary(s backend.Summary) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Summary = cloneSummary(s)
}

// SetAlerts overwrites the alert slice.
func (st *Store) SetAlerts(a backend.Alerts) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Alerts = cloneAlerts(a)
}

// SetViolations overwrites the violation slice.
func (st *Store) SetViolations(v backend.Violations) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Violations = cloneViolations(v)
}

// SetEmergency overwrites the emergency slice.
func (st *Store) SetEmergency(e backend.EmergencyState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Emergency = e
}

// SetAutoStep sets the auto-step flag.
func (st *Store) SetAutoStep(enabled bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.AutoStepEnabled = enabled
}

// AutoStepEnabled reports the auto-step flag.
func (st *Store) AutoStepEnabled() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.AutoStepEnabled
}

// SimulationRunning reports whether the last health poll saw the simulation
// running.
func (st *Store) SimulationRunning() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Health.SimulationRunning
}

// SetStepIntervalMs sets the auto-step period, clamped to the allowed range,
// and returns the applied value.
func (st *Store) SetStepIntervalMs(ms int) int {
	ms = clampStepInterval(ms)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.StepIntervalMs = ms
	return ms
}

// StepInterval returns the auto-step period as a duration.
func (st *Store) StepInterval() time.Duration {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return time.Duration(st.s.StepIntervalMs) * time.Millisecond
}

// ApplyStep merges a completed step response: live counts and the last
// decision are overwritten from the step's view of the simulation, and the
// visualization payload is patched into the summary context without touching
// the narrative or any other context keys. The step has already advanced the
// backend, so waiting for the next fast poll would show the operator stale
// state for up to one period.
func (st *Store) ApplyStep(res backend.StepResult, now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ts := now.Format(time.RFC3339)
	if st.s.LiveCounts == nil {
		st.s.LiveCounts = make(map[string]backend.CountSnapshot, len(res.VehicleCount))
	}
	counts := make(map[string]backend.CountSnapshot, len(res.VehicleCount))
	for approach, n := range res.VehicleCount {
		snap := backend.CountSnapshot{Count: n, Timestamp: ts}
		st.s.LiveCounts[approach] = snap
		counts[approach] = snap
	}

	st.s.LastDecision = &backend.Decision{
		Action: res.Action,
		Source: "sim",
		Counts: counts,
	}

	patch, err := json.Marshal(struct {
		QueueLength  int                   `json:"queue_length"`
		WaitingTime  float64               `json:"waiting_time"`
		VehicleCount map[string]int        `json:"vehicle_count"`
		Viz          backend.Visualization `json:"viz"`
	}{res.QueueLength, res.WaitingTime, res.VehicleCount, res.Viz})
	if err == nil {
		if st.s.Summary.Context == nil {
			st.s.Summary.Context = make(map[string]json.RawMessage, 1)
		}
		st.s.Summary.Context["sumo"] = patch
	}
}

func clampStepInterval(ms int) int {
	if ms < MinStepIntervalMs {
		return MinStepIntervalMs
	}
	if ms > MaxStepIntervalMs {
		return MaxStepIntervalMs
	}
	return ms
}

func cloneState(s State) State {
	out := s
	out.LiveCounts = cloneCounts(s.LiveCounts)
	if s.LastDecision != nil {
		d := *s.LastDecision
		d.Counts = cloneCounts(d.Counts)
		out.LastDecision = &d
	}
	out.Summary = cloneSummary(s.Summary)
	out.Alerts = cloneAlerts(s.Alerts)
	out.Violations = cloneViolations(s.Violations)
	return out
}

func cloneCounts(in map[string]backend.CountSnapshot) map[string]backend.CountSnapshot {
	if in == nil {
		return nil
	}
	out := make(map[string]backend.CountSnapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSummary(s backend.Summary) backend.Summary {
	out := s
	if s.Context != nil {
		out.Context = make(map[string]json.RawMessage, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return out
}

func cloneAlerts(a backend.Alerts) backend.Alerts {
	out := a
	if a.Current != nil {
		cur := *a.Current
		out.Current = &cur
	}
	if a.History != nil {
		out.History = append([]backend.Alert(nil), a.History...)
	}
	return out
}

func cloneViolations(v backend.Violations) backend.Violations {
	out := v
	if v.Violations != nil {
		out.Violations = append([]backend.Violation(nil), v.Violations...)
	}
	if v.ActiveStationary != nil {
		out.ActiveStationary = make(map[string][]backend.StationaryVehicle, len(v.ActiveStationary))
		for k, vs := range v.ActiveStationary {
			out.ActiveStationary[k] = append([]backend.StationaryVehicle(nil), vs...)
		}
	}
	return out
}
