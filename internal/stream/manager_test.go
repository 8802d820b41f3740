package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"

	"traffic-sync/internal/platform/logger"
)

// fakePeer is a controllable MediaPeer for negotiation tests.
type fakePeer struct {
	mu            sync.Mutex
	stateCb       func(webrtc.PeerConnectionState)
	trackCb       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	local         *webrtc.SessionDescription
	remoteApplied bool
	closed        bool
	gather        chan struct{}
}

func newFakePeer() *fakePeer {
	g := make(chan struct{})
	close(g)
	return &fakePeer{gather: g}
}

func (p *fakePeer) AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	return nil, nil
}

func (p *fakePeer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteApplied = true
	return nil
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateCb = f
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trackCb = f
}

func (p *fakePeer) GatheringComplete() <-chan struct{} { return p.gather }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) fire(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	cb := p.stateCb
	p.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) hasRemote() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteApplied
}

// peerLog hands out fake peers and remembers them in creation order. With
// stuckGathering set, peers never signal gathering completion.
type peerLog struct {
	mu             sync.Mutex
	peers          []*fakePeer
	stuckGathering bool
}

func (pl *peerLog) factory() (MediaPeer, error) {
	p := newFakePeer()
	pl.mu.Lock()
	if pl.stuckGathering {
		p.gather = make(chan struct{})
	}
	pl.peers = append(pl.peers, p)
	pl.mu.Unlock()
	return p, nil
}

func (pl *peerLog) count() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.peers)
}

func (pl *peerLog) at(i int) *fakePeer {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if i < 0 {
		i += len(pl.peers)
	}
	if i < 0 || i >= len(pl.peers) {
		return nil
	}
	return pl.peers[i]
}

type fakeSignaler struct {
	mu           sync.Mutex
	err          error
	failuresLeft int
	calls        int
}

func (s *fakeSignaler) Exchange(ctx context.Context, offer webrtc.SessionDescription, sourceID string) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return webrtc.SessionDescription{}, s.err
	}
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return webrtc.SessionDescription{}, errors.New("transient signaling error")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

// blockingSignaler parks each exchange until released, ignoring the context,
// to simulate a slow signaling round-trip.
type blockingSignaler struct {
	started chan string
	release chan struct{}
}

func (s *blockingSignaler) Exchange(ctx context.Context, offer webrtc.SessionDescription, sourceID string) (webrtc.SessionDescription, error) {
	s.started <- sourceID
	<-s.release
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func newTestManager(pl *peerLog, sig Signaler) *Manager {
	return NewManager(Options{
		Factory:      pl.factory,
		Signaler:     sig,
		Logger:       logger.NewNop(),
		RetryBackoff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_connect_success(t *testing.T) {
	pl := &peerLog{}
	m := newTestManager(pl, &fakeSignaler{})
	defer m.Close()

	m.Connect("North")
	waitFor(t, 2*time.Second, func() bool {
		p := pl.at(0)
		return p != nil && p.hasRemote()
	}, "remote description never applied")

	pl.at(0).fire(webrtc.PeerConnectionStateConnected)
	waitFor(t, 2*time.Second, func() bool {
		st, ok := m.Status("North")
		return ok && st.State == StateConnected
	}, "session never reached connected")

	st, _ := m.Status("North")
	if st.RetryCount != 0 {
		t.Errorf("retry count should be 0 after success, got %d", st.RetryCount)
	}
}

func TestManager_gather_timeout_proceeds_with_partial_candidates(t *testing.T) {
	pl := &peerLog{stuckGathering: true}
	sig := &fakeSignaler{}
	m := NewManager(Options{
		Factory:       pl.factory,
		Signaler:      sig,
		Logger:        logger.NewNop(),
		GatherTimeout: 20 * time.Millisecond,
		RetryBackoff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	defer m.Close()

	m.Connect("North")

	// Gathering never completes; after the bounded wait the offer is posted
	// anyway and the answer applied.
	waitFor(t, 2*time.Second, func() bool {
		p := pl.at(0)
		return p != nil && p.hasRemote()
	}, "negotiation did not proceed after the gathering timeout")

	sig.mu.Lock()
	calls := sig.calls
	sig.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected 1 signaling exchange, got %d", calls)
	}

	pl.at(0).fire(webrtc.PeerConnectionStateConnected)
	waitFor(t, 2*time.Second, func() bool {
		st, ok := m.Status("North")
		return ok && st.State == StateConnected
	}, "session never connected with partial candidates")
}

func TestManager_retry_budget_then_failed(t *testing.T) {
	pl := &peerLog{}
	sig := &fakeSignaler{err: errors.New("signaling down")}
	m := newTestManager(pl, sig)
	defer m.Close()

	m.Connect("North")
	waitFor(t, 3*time.Second, func() bool {
		st, ok := m.Status("North")
		return ok && st.State == StateFailed
	}, "session never settled into failed")

	st, _ := m.Status("North")
	if st.RetryCount != DefaultMaxRetries {
		t.Errorf("expected retry count %d, got %d", DefaultMaxRetries, st.RetryCount)
	}
	if st.LastError == "" {
		t.Error("failed session should surface the last error")
	}
	// Initial attempt plus MAX_RETRIES automatic retries.
	if got := pl.count(); got != DefaultMaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", DefaultMaxRetries+1, got)
	}

	// Failed is terminal: no further attempts without a manual retry.
	time.Sleep(200 * time.Millisecond)
	if got := pl.count(); got != DefaultMaxRetries+1 {
		t.Errorf("attempts continued after failed: %d", got)
	}
}

func TestManager_manual_retry_resets_budget(t *testing.T) {
	pl := &peerLog{}
	sig := &fakeSignaler{err: errors.New("signaling down")}
	m := newTestManager(pl, sig)
	defer m.Close()

	m.Connect("North")
	waitFor(t, 3*time.Second, func() bool {
		st, ok := m.Status("North")
		return ok && st.State == StateFailed
	}, "session never failed")

	// Backend recovers; the operator retries manually.
	sig.mu.Lock()
	sig.err = nil
	sig.mu.Unlock()

	m.RetryNow("North")
	waitFor(t, 2*time.Second, func() bool {
		p := pl.at(-1)
		return p != nil && p.hasRemote()
	}, "manual retry never negotiated")

	pl.at(-1).fire(webrtc.PeerConnectionStateConnected)
	waitFor(t, 2*time.Second, func() bool {
		st, ok := m.Status("North")
		return ok && st.State == StateConnected && st.RetryCount == 0
	}, "manual retry should reset the counter and connect")
}

func TestManager_retry_counter_resets_on_success(t *testing.T) {
	pl := &peerLog{}
	sig := &fakeSignaler{failuresLeft: 2}
	m := newTestManager(pl, sig)
	defer m.Close()

	m.Connect("North")
	waitFor(t, 3*time.Second, func() bool {
		p := pl.at(-1)
		return p != nil && p.hasRemote()
	}, "negotiation never succeeded after transient failures")

	pl.at(-1).fire(webrtc.PeerConnectionStateConnected)
	waitFor(t, 2*time.Second, func() bool {
		st, ok := m.Status("North")
		return ok && st.State == StateConnected && st.RetryCount == 0
	}, "retry counter should reset to zero on success")
}

func TestManager_reconnect_closes_prior_session(t *testing.T) {
	pl := &peerLog{}
	sig := &blockingSignaler{started: make(chan string, 2), release: make(chan struct{}, 2)}
	m := newTestManager(pl, sig)
	defer m.Close()

	m.Connect("North")
	<-sig.started // first exchange in flight

	// Reconnecting the same source tears the pending session down first.
	m.Connect("North")

	// Let the stale exchange complete; its answer must be discarded.
	sig.release <- struct{}{}
	waitFor(t, 2*time.Second, func() bool { return pl.at(0).isClosed() },
		"prior session's peer never closed")
	if pl.at(0).hasRemote() {
		t.Error("stale remote description applied to a closed session")
	}

	// The replacement session negotiates normally.
	<-sig.started
	sig.release <- struct{}{}
	waitFor(t, 2*time.Second, func() bool {
		p := pl.at(1)
		return p != nil && p.hasRemote()
	}, "replacement session never negotiated")
}

func TestManager_drop_after_connect_reconnects(t *testing.T) {
	pl := &peerLog{}
	m := newTestManager(pl, &fakeSignaler{})
	defer m.Close()

	m.Connect("North")
	waitFor(t, 2*time.Second, func() bool {
		p := pl.at(0)
		return p != nil && p.hasRemote()
	}, "first negotiation never completed")
	pl.at(0).fire(webrtc.PeerConnectionStateConnected)
	waitFor(t, 2*time.Second, func() bool {
		st, _ := m.Status("North")
		return st.State == StateConnected
	}, "never connected")

	pl.at(0).fire(webrtc.PeerConnectionStateDisconnected)

	// The session re-attempts with a fresh peer and recovers.
	waitFor(t, 2*time.Second, func() bool {
		p := pl.at(1)
		return p != nil && p.hasRemote()
	}, "no reconnect attempt after drop")
	pl.at(1).fire(webrtc.PeerConnectionStateConnected)
	waitFor(t, 2*time.Second, func() bool {
		st, _ := m.Status("North")
		return st.State == StateConnected && st.RetryCount == 0
	}, "session never recovered after drop")
}

func TestManager_disconnect_idempotent(t *testing.T) {
	pl := &peerLog{}
	m := newTestManager(pl, &fakeSignaler{})
	defer m.Close()

	m.Connect("North")
	waitFor(t, 2*time.Second, func() bool { return pl.count() == 1 }, "never attempted")

	m.Disconnect("North")
	m.Disconnect("North") // safe to repeat
	m.Disconnect("South") // unknown source is a no-op

	waitFor(t, 2*time.Second, func() bool { return pl.at(0).isClosed() }, "peer never released")
	if _, ok := m.Status("North"); ok {
		t.Error("disconnected source should have no status")
	}
}

func TestManager_statuses_sorted(t *testing.T) {
	pl := &peerLog{}
	m := newTestManager(pl, &fakeSignaler{})
	defer m.Close()

	m.Connect("West")
	m.Connect("East")
	m.Connect("North")

	sts := m.Statuses()
	if len(sts) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(sts))
	}
	if sts[0].SourceID != "East" || sts[1].SourceID != "North" || sts[2].SourceID != "West" {
		t.Errorf("statuses not sorted: %+v", sts)
	}
}

func TestManager_close_releases_everything(t *testing.T) {
	pl := &peerLog{}
	m := newTestManager(pl, &fakeSignaler{})

	m.Connect("North")
	m.Connect("South")
	waitFor(t, 2*time.Second, func() bool { return pl.count() >= 2 }, "sessions never started")

	m.Close()
	waitFor(t, 2*time.Second, func() bool {
		return pl.at(0).isClosed() && pl.at(1).isClosed()
	}, "peers not released on manager close")
	if len(m.Statuses()) != 0 {
		t.Error("sessions should be gone after Close")
	}
}
