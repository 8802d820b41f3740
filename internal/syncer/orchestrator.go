package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"traffic-sync/internal/backend"
	"traffic-sync/internal/platform/metrics"
)

// Client is the backend surface the orchestrator polls and commands.
// *backend.Client satisfies it; tests substitute a stub.
type Client interface {
	Counts(ctx context.Context) (map[string]backend.CountSnapshot, error)
	Health(ctx context.Context) (backend.Health, error)
	Decision(ctx context.Context) (backend.Decision, error)
	Summary(ctx context.Context) (backend.Summary, error)
	Alerts(ctx context.Context) (backend.Alerts, error)
	Violations(ctx context.Context) (backend.Violations, error)
	Emergency(ctx context.Context) (backend.EmergencyState, error)
	SetEmergency(ctx context.Context, direction string, active bool) error
	Step(ctx context.Context) (backend.StepResult, error)
	StartSimulation(ctx context.Context) error
	StopSimulation(ctx context.Context) error
	SetMask(ctx context.Context, sourceID string, points [][]int) error
}

// Intervals configures the polling cadences. The medium tier is adaptive:
// MediumActive applies while the simulation is running, MediumIdle otherwise.
type Intervals struct {
	Fast         time.Duration
	MediumActive time.Duration
	MediumIdle   time.Duration
	Slow         time.Duration
}

func (iv Intervals) withDefaults() Intervals {
	if iv.Fast <= 0 {
		iv.Fast = time.Second
	}
	if iv.MediumActive <= 0 {
		iv.MediumActive = time.Second
	}
	if iv.MediumIdle <= 0 {
		iv.MediumIdle = 5 * time.Second
	}
	if iv.Slow <= 0 {
		iv.Slow = 60 * time.Second
	}
	return iv
}

// Orchestrator keeps the Store consistent with the backend. It owns three
// polling tiers with independent cadences, the auto-step loop, and the
// operator commands (step, auto-step toggle, emergency override, mask and
// simulation control). Poll failures are recovered locally; command failures
// are returned to the caller.
type Orchestrator struct {
	client Client
	store  *Store
	log    *slog.Logger
	met    *metrics.Metrics
	iv     Intervals

	// kick wakes the auto-step loop when its gating conditions or period
	// change. Buffered so signalling never blocks a command.
	kick chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New returns an Orchestrator. met may be nil to disable metric recording.
func New(client Client, store *Store, log *slog.Logger, met *metrics.Metrics, iv Intervals) *Orchestrator {
	return &Orchestrator{
		client: client,
		store:  store,
		log:    log,
		met:    met,
		iv:     iv.withDefaults(),
		kick:   make(chan struct{}, 1),
	}
}

// Store returns the state store the orchestrator mutates.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Start launches the polling tiers and the auto-step loop. It is a no-op if
// the orchestrator is already running.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true

	ctx, o.cancel = context.WithCancel(ctx)

	tiers := []*poller{
		{
			name:     "fast",
			interval: func() time.Duration { return o.iv.Fast },
			fetch:    o.pollFast,
			log:      o.log,
			met:      o.met,
		},
		{
			name: "medium",
			interval: func() time.Duration {
				if o.store.SimulationRunning() {
					return o.iv.MediumActive
				}
				return o.iv.MediumIdle
			},
			fetch: o.pollMedium,
			log:   o.log,
			met:   o.met,
		},
		{
			name:     "slow",
			interval: func() time.Duration { return o.iv.Slow },
			fetch:    o.pollSlow,
			log:      o.log,
			met:      o.met,
		},
	}
	for _, p := range tiers {
		o.wg.Add(1)
		go func(p *poller) {
			defer o.wg.Done()
			p.run(ctx)
		}(p)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runAutoStep(ctx)
	}()
}

// Stop cancels all loops and waits for them to exit. No timer keeps mutating
// state after Stop returns.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.started = false
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// pollFast refreshes live counts, the last decision, the current alert, and
// the emergency state. Each endpoint is fetched independently; a failure
// leaves that slice untouched and does not block the others.
func (o *Orchestrator) pollFast(ctx context.Context) error {
	var errs []error
	if counts, err := o.client.Counts(ctx); err != nil {
		errs = append(errs, err)
	} else {
		o.store.SetCounts(counts)
	}
	if d, err := o.client.Decision(ctx); err != nil {
		errs = append(errs, err)
	} else {
		o.store.SetDecision(d)
	}
	if a, err := o.client.Alerts(ctx); err != nil {
		errs = append(errs, err)
	} else {
		o.store.SetAlerts(a)
	}
	if e, err := o.client.Emergency(ctx); err != nil {
		errs = append(errs, err)
	} else {
		o.store.SetEmergency(e)
	}
	return errors.Join(errs...)
}

// pollMedium refreshes health and the violation log.
func (o *Orchestrator) pollMedium(ctx context.Context) error {
	var errs []error
	if h, err := o.client.Health(ctx); err != nil {
		errs = append(errs, err)
	} else {
		o.applyHealth(h)
	}
	if v, err := o.client.Violations(ctx); err != nil {
		errs = append(errs, err)
	} else {
		o.store.SetViolations(v)
	}
	return errors.Join(errs...)
}

// pollSlow refreshes the narrated traffic summary.
func (o *Orchestrator) pollSlow(ctx context.Context) error {
	s, err := o.client.Summary(ctx)
	if err != nil {
		return err
	}
	o.store.SetSummary(s)
	return nil
}

func (o *Orchestrator) applyHealth(h backend.Health) {
	if o.store.SetHealth(h) {
		o.signalAutoStep()
	}
}

// Step advances the simulation one tick and merges the response into the
// cached state ahead of the next fast poll.
func (o *Orchestrator) Step(ctx context.Context) (backend.StepResult, error) {
	if o.met != nil {
		o.met.IncSteps()
	}
	res, err := o.client.Step(ctx)
	if err != nil {
		if o.met != nil {
			o.met.IncStepFailures()
		}
		return backend.StepResult{}, fmt.Errorf("step: %w", err)
	}
	o.store.ApplyStep(res, time.Now().UTC())
	return res, nil
}

// SetAutoStep toggles the automatic stepping loop. The loop only fires while
// the flag is set and the last health poll saw the simulation running.
func (o *Orchestrator) SetAutoStep(enabled bool) {
	o.store.SetAutoStep(enabled)
	if o.met != nil {
		o.met.SetAutoStepEnabled(enabled)
	}
	o.signalAutoStep()
}

// SetStepInterval sets the auto-step period in milliseconds, clamped to the
// allowed range, restarting the loop's pending interval at the new period.
// It returns the applied value.
func (o *Orchestrator) SetStepInterval(ms int) int {
	applied := o.store.SetStepIntervalMs(ms)
	o.signalAutoStep()
	return applied
}

// TriggerEmergency submits the emergency override and, on success,
// immediately re-polls emergency and health state so the acknowledgment is
// visible without waiting for the next scheduled tick. A rejected command is
// returned to the caller with the cache left unchanged.
func (o *Orchestrator) TriggerEmergency(ctx context.Context, direction string, active bool) error {
	if err := o.client.SetEmergency(ctx, direction, active); err != nil {
		if o.met != nil {
			o.met.IncCommandFailure("emergency")
		}
		return fmt.Errorf("emergency command: %w", err)
	}
	if e, err := o.client.Emergency(ctx); err != nil {
		o.log.Warn("emergency refresh failed", slog.String("error", err.Error()))
	} else {
		o.store.SetEmergency(e)
	}
	if h, err := o.client.Health(ctx); err != nil {
		o.log.Warn("health refresh failed", slog.String("error", err.Error()))
	} else {
		o.applyHealth(h)
	}
	return nil
}

// StartSimulation starts the backing simulation and refreshes health so the
// auto-step loop can begin without waiting for the medium tier.
func (o *Orchestrator) StartSimulation(ctx context.Context) error {
	if err := o.client.StartSimulation(ctx); err != nil {
		if o.met != nil {
			o.met.IncCommandFailure("sim_start")
		}
		return fmt.Errorf("start simulation: %w", err)
	}
	o.refreshHealth(ctx)
	return nil
}

// StopSimulation stops the backing simulation.
func (o *Orchestrator) StopSimulation(ctx context.Context) error {
	if err := o.client.StopSimulation(ctx); err != nil {
		if o.met != nil {
			o.met.IncCommandFailure("sim_stop")
		}
		return fmt.Errorf("stop simulation: %w", err)
	}
	o.refreshHealth(ctx)
	return nil
}

// ConfigureMask persists a polygon region for one camera source.
func (o *Orchestrator) ConfigureMask(ctx context.Context, sourceID string, points [][]int) error {
	if err := o.client.SetMask(ctx, sourceID, points); err != nil {
		if o.met != nil {
			o.met.IncCommandFailure("mask")
		}
		return fmt.Errorf("mask command: %w", err)
	}
	return nil
}

func (o *Orchestrator) refreshHealth(ctx context.Context) {
	if h, err := o.client.Health(ctx); err != nil {
		o.log.Warn("health refresh failed", slog.String("error", err.Error()))
	} else {
		o.applyHealth(h)
	}
}

// runAutoStep drives the automatic stepping loop. The interval runs only
// while both gating conditions hold; a kick restarts the pending interval so
// a period change takes effect without an extra immediate tick. Steps are
// issued synchronously from this goroutine, so at most one is in flight. A
// failed step disables the loop rather than spinning against a broken
// backend.
func (o *Orchestrator) runAutoStep(ctx context.Context) {
	for {
		if !o.stepReady() {
			select {
			case <-ctx.Done():
				return
			case <-o.kick:
			}
			continue
		}

		t := time.NewTimer(o.store.StepInterval())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-o.kick:
			t.Stop()
			continue
		case <-t.C:
		}

		if !o.stepReady() {
			continue
		}
		if _, err := o.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.SetAutoStep(false)
			o.log.Error("auto-step failed, loop disabled", slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) stepReady() bool {
	return o.store.AutoStepEnabled() && o.store.SimulationRunning()
}

func (o *Orchestrator) signalAutoStep() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}
