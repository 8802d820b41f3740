package stream

import (
	"github.com/pion/webrtc/v4"
)

// MediaPeer is the subset of *webrtc.PeerConnection a session drives.
// Negotiation tests substitute a fake transport behind it.
type MediaPeer interface {
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	GatheringComplete() <-chan struct{}
	Close() error
}

// PeerFactory creates the transport for one negotiation attempt. Each retry
// gets a fresh peer; a torn-down peer is never reused.
type PeerFactory func() (MediaPeer, error)

type pionPeer struct {
	pc *webrtc.PeerConnection
}

// NewPionFactory returns a PeerFactory backed by pion peer connections,
// optionally configured with a STUN server.
func NewPionFactory(stunURL string) PeerFactory {
	return func() (MediaPeer, error) {
		var cfg webrtc.Configuration
		if stunURL != "" {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{stunURL}}}
		}
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionPeer{pc: pc}, nil
	}
}

func (p *pionPeer) AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	return p.pc.AddTransceiverFromKind(kind, init...)
}

func (p *pionPeer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(options)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(f)
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.pc)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
