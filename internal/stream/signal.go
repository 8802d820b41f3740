package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
)

// ErrSignaling is returned when the signaling endpoint rejects an exchange.
var ErrSignaling = errors.New("signaling exchange failed")

// Signaler exchanges a local session description for the remote answer.
type Signaler interface {
	Exchange(ctx context.Context, offer webrtc.SessionDescription, sourceID string) (webrtc.SessionDescription, error)
}

// HTTPSignaler posts offers to the backend's signaling endpoint as
// {sdp, type, cam_id} and expects an answer as {sdp, type}.
type HTTPSignaler struct {
	URL  string
	HTTP *http.Client
}

type signalRequest struct {
	SDP      string `json:"sdp"`
	Type     string `json:"type"`
	SourceID string `json:"cam_id"`
}

type signalResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Exchange implements Signaler.
func (s *HTTPSignaler) Exchange(ctx context.Context, offer webrtc.SessionDescription, sourceID string) (webrtc.SessionDescription, error) {
	body, err := json.Marshal(signalRequest{
		SDP:      offer.SDP,
		Type:     offer.Type.String(),
		SourceID: sourceID,
	})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrSignaling, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTP
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: status %d", ErrSignaling, resp.StatusCode)
	}

	var answer signalResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: decode: %v", ErrSignaling, err)
	}
	return webrtc.SessionDescription{
		SDP:  answer.SDP,
		Type: webrtc.NewSDPType(answer.Type),
	}, nil
}
