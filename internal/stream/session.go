package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"

	"traffic-sync/internal/platform/metrics"
)

// ConnState is the lifecycle state of one media session.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
	StateFailed     ConnState = "failed"
	StateClosed     ConnState = "closed"
)

// Status is a point-in-time view of one session for the operator UI.
type Status struct {
	SourceID   string    `json:"source_id"`
	State      ConnState `json:"state"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

var (
	// ErrSessionClosed is returned when a session is torn down while its
	// negotiation is still in flight.
	ErrSessionClosed = errors.New("session closed during negotiation")

	errConnectionLost = errors.New("connection lost")
	errNoLocalDesc    = errors.New("no local description after gathering")
)

// TrackHandler receives the live media handle for a source once the remote
// starts sending.
type TrackHandler func(sourceID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// session owns exactly one source's media transport. It negotiates, watches
// the connection state, and retries up to the budget; the owning Manager
// replaces the whole session on Connect/RetryNow.
type session struct {
	sourceID      string
	factory       PeerFactory
	signaler      Signaler
	log           *slog.Logger
	met           *metrics.Metrics
	maxRetries    int
	gatherTimeout time.Duration
	onTrack       TrackHandler
	backoff       backoff.BackOff

	cancel context.CancelFunc

	mu      sync.Mutex
	state   ConnState
	retries int
	lastErr string
	peer    MediaPeer
	closed  bool
}

// newRetryBackoff yields 1s, 2s, 4s, ... with no jitter, doubling per failed
// negotiation until the retry budget runs out.
func newRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SourceID:   s.sourceID,
		State:      s.state,
		RetryCount: s.retries,
		LastError:  s.lastErr,
	}
}

func (s *session) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	if st == StateConnected {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

// bumpRetry records a failed attempt. It returns false once the budget is
// exhausted, leaving the session in the failed state for a manual retry.
func (s *session) bumpRetry(cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = cause.Error()
	if s.retries >= s.maxRetries {
		s.state = StateFailed
		return false
	}
	s.retries++
	return true
}

func (s *session) resetRetries() {
	s.mu.Lock()
	s.retries = 0
	s.mu.Unlock()
	s.backoff.Reset()
}

// close tears the session down synchronously. Safe to call multiple times.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peer := s.peer
	s.peer = nil
	if s.state != StateFailed {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if peer != nil {
		_ = peer.Close()
	}
}

func (s *session) markClosed() {
	s.mu.Lock()
	if s.state != StateFailed {
		s.state = StateClosed
	}
	s.mu.Unlock()
}

// run drives the connect/retry loop until the session settles into failed or
// is closed. A failed negotiation backs off exponentially before the next
// attempt; a drop after a live connection re-attempts immediately, since the
// loss was observed live.
func (s *session) run(ctx context.Context) {
	for {
		s.setState(StateConnecting)
		connected, dropped, err := s.negotiate(ctx)
		if ctx.Err() != nil {
			s.markClosed()
			return
		}
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				s.markClosed()
				return
			}
			s.log.Warn("negotiation failed",
				slog.String("source_id", s.sourceID),
				slog.String("error", err.Error()))
			if s.met != nil {
				s.met.IncConnectFailures()
			}
			if !s.bumpRetry(err) {
				s.log.Error("retry budget exhausted", slog.String("source_id", s.sourceID))
				return
			}
			if !s.wait(ctx, s.backoff.NextBackOff()) {
				s.markClosed()
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.markClosed()
			return
		case <-connected:
			s.setState(StateConnected)
			s.resetRetries()
			s.log.Info("stream connected", slog.String("source_id", s.sourceID))
		case <-dropped:
			// Never came up: ICE-level negotiation failure, back off.
			s.teardownPeer()
			if s.met != nil {
				s.met.IncConnectFailures()
			}
			if !s.bumpRetry(errConnectionLost) {
				return
			}
			if !s.wait(ctx, s.backoff.NextBackOff()) {
				s.markClosed()
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.markClosed()
			return
		case <-dropped:
			s.log.Warn("stream dropped", slog.String("source_id", s.sourceID))
			s.teardownPeer()
			if !s.bumpRetry(errConnectionLost) {
				return
			}
			// Re-attempt without extra delay.
		}
	}
}

func (s *session) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *session) teardownPeer() {
	s.mu.Lock()
	peer := s.peer
	s.peer = nil
	s.mu.Unlock()
	if peer != nil {
		_ = peer.Close()
	}
}

// negotiate runs one offer/answer exchange: create a receive-only peer, wait
// for ICE gathering bounded by gatherTimeout (proceeding with partial
// candidates on timeout), post the offer to the signaling endpoint, and apply
// the answer. The returned channels close when the transport reaches the
// connected state and when it drops.
func (s *session) negotiate(ctx context.Context) (connected, dropped <-chan struct{}, err error) {
	if s.met != nil {
		s.met.IncConnectAttempts()
	}

	peer, err := s.factory()
	if err != nil {
		return nil, nil, fmt.Errorf("create peer: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = peer.Close()
		return nil, nil, ErrSessionClosed
	}
	s.peer = peer
	s.mu.Unlock()

	connCh := make(chan struct{})
	dropCh := make(chan struct{})
	var connOnce, dropOnce sync.Once
	peer.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			connOnce.Do(func() { close(connCh) })
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			dropOnce.Do(func() { close(dropCh) })
		}
	})
	if s.onTrack != nil {
		peer.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			s.onTrack(s.sourceID, track, receiver)
		})
	}

	if _, err := peer.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		s.teardownPeer()
		return nil, nil, fmt.Errorf("add transceiver: %w", err)
	}

	offer, err := peer.CreateOffer(nil)
	if err != nil {
		s.teardownPeer()
		return nil, nil, fmt.Errorf("create offer: %w", err)
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		s.teardownPeer()
		return nil, nil, fmt.Errorf("set local description: %w", err)
	}

	gatherT := time.NewTimer(s.gatherTimeout)
	select {
	case <-peer.GatheringComplete():
		gatherT.Stop()
	case <-gatherT.C:
		s.log.Warn("ice gathering timed out, proceeding with partial candidates",
			slog.String("source_id", s.sourceID))
	case <-ctx.Done():
		gatherT.Stop()
		s.teardownPeer()
		return nil, nil, ErrSessionClosed
	}

	local := peer.LocalDescription()
	if local == nil {
		s.teardownPeer()
		return nil, nil, errNoLocalDesc
	}

	answer, err := s.signaler.Exchange(ctx, *local, s.sourceID)
	if err != nil {
		s.teardownPeer()
		return nil, nil, fmt.Errorf("signaling: %w", err)
	}

	// The session may have been closed while the exchange was in flight;
	// never apply a stale remote description.
	s.mu.Lock()
	if s.closed || s.peer != peer {
		s.mu.Unlock()
		_ = peer.Close()
		return nil, nil, ErrSessionClosed
	}
	s.mu.Unlock()

	if err := peer.SetRemoteDescription(answer); err != nil {
		s.teardownPeer()
		return nil, nil, fmt.Errorf("set remote description: %w", err)
	}

	return connCh, dropCh, nil
}
