package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"traffic-sync/internal/platform/metrics"
)

// Defaults for the retry budget and the bounded ICE-gathering wait.
const (
	DefaultMaxRetries    = 3
	DefaultGatherTimeout = 10 * time.Second
)

// Options configures a Manager. Factory and Signaler are required; the rest
// default sensibly.
type Options struct {
	Factory       PeerFactory
	Signaler      Signaler
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	MaxRetries    int
	GatherTimeout time.Duration
	OnTrack       TrackHandler

	// RetryBackoff builds the delay schedule for one session's failed
	// negotiations. Defaults to 1s, 2s, 4s, ... without jitter.
	RetryBackoff func() backoff.BackOff
}

// Manager owns one media session per source identifier. Starting a new
// session for a source always tears the prior one down first, so there is
// never more than one live negotiation per source.
type Manager struct {
	opts Options

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager returns a Manager with no active sessions.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	if opts.RetryBackoff == nil {
		opts.RetryBackoff = newRetryBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:       opts,
		baseCtx:    ctx,
		baseCancel: cancel,
		sessions:   make(map[string]*session),
	}
}

// Connect starts (or restarts) the media session for sourceID. Any prior
// session for the same source is closed first.
func (m *Manager) Connect(sourceID string) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	s := &session{
		sourceID:      sourceID,
		factory:       m.opts.Factory,
		signaler:      m.opts.Signaler,
		log:           m.opts.Logger,
		met:           m.opts.Metrics,
		maxRetries:    m.opts.MaxRetries,
		gatherTimeout: m.opts.GatherTimeout,
		onTrack:       m.opts.OnTrack,
		backoff:       m.opts.RetryBackoff(),
		cancel:        cancel,
		state:         StateConnecting,
	}

	m.mu.Lock()
	prev := m.sessions[sourceID]
	m.sessions[sourceID] = s
	m.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	go s.run(ctx)
}

// Disconnect releases the session for sourceID. Idempotent; unknown sources
// are a no-op.
func (m *Manager) Disconnect(sourceID string) {
	m.mu.Lock()
	s := m.sessions[sourceID]
	delete(m.sessions, sourceID)
	m.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// RetryNow restarts the session for sourceID with a fresh retry budget.
// Intended for the operator's manual retry after a session settles into the
// failed state.
func (m *Manager) RetryNow(sourceID string) {
	m.Connect(sourceID)
}

// Status returns the current status for sourceID.
func (m *Manager) Status(sourceID string) (Status, bool) {
	m.mu.Lock()
	s := m.sessions[sourceID]
	m.mu.Unlock()
	if s == nil {
		return Status{}, false
	}
	return s.status(), true
}

// Statuses returns the status of every known session, sorted by source for
// stable rendering.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// ConnectedCount returns the number of sessions currently connected.
func (m *Manager) ConnectedCount() int {
	n := 0
	for _, st := range m.Statuses() {
		if st.State == StateConnected {
			n++
		}
	}
	return n
}

// Close tears down every session and stops all retry timers.
func (m *Manager) Close() {
	m.baseCancel()

	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
