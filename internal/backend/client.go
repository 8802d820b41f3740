package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnexpectedStatus is returned when the backend answers with a non-2xx
// status code.
var ErrUnexpectedStatus = errors.New("unexpected status")

const defaultTimeout = 15 * time.Second

// Client is a typed JSON client for the traffic backend's read and command
// endpoints. All methods take a context and return wrapped errors; they never
// retry on their own.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for the backend at baseURL. If httpClient is nil
// a client with a 15 second timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Counts returns the live per-approach vehicle counts.
func (c *Client) Counts(ctx context.Context) (map[string]CountSnapshot, error) {
	var out map[string]CountSnapshot
	if err := c.get(ctx, "/data", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health returns backend and simulation status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.get(ctx, "/health", &out)
	return out, err
}

// Decision returns the last AI signal action derived from live counts.
func (c *Client) Decision(ctx context.Context) (Decision, error) {
	var out Decision
	err := c.get(ctx, "/control/yolo", &out)
	return out, err
}

// Summary returns the narrated traffic summary.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var out Summary
	err := c.get(ctx, "/summary", &out)
	return out, err
}

// Alerts returns the current alert and recent history.
func (c *Client) Alerts(ctx context.Context) (Alerts, error) {
	var out Alerts
	err := c.get(ctx, "/alerts", &out)
	return out, err
}

// Violations returns the violation log and active stationary vehicles.
func (c *Client) Violations(ctx context.Context) (Violations, error) {
	var out Violations
	err := c.get(ctx, "/violations", &out)
	return out, err
}

// Emergency returns the current emergency override state.
func (c *Client) Emergency(ctx context.Context) (EmergencyState, error) {
	var out EmergencyState
	err := c.get(ctx, "/control/emergency", &out)
	return out, err
}

// SetEmergency activates or deactivates the emergency priority override for
// the given approach direction.
func (c *Client) SetEmergency(ctx context.Context, direction string, active bool) error {
	body := struct {
		Direction string `json:"direction"`
		Active    bool   `json:"active"`
	}{Direction: direction, Active: active}
	return c.post(ctx, "/control/emergency", body, nil)
}

// Step advances the simulation by one tick and returns its metrics.
func (c *Client) Step(ctx context.Context) (StepResult, error) {
	var out StepResult
	err := c.get(ctx, "/control/sumo/step", &out)
	return out, err
}

// StartSimulation starts the backing simulation.
func (c *Client) StartSimulation(ctx context.Context) error {
	return c.get(ctx, "/control/sumo/start", nil)
}

// StopSimulation stops the backing simulation.
func (c *Client) StopSimulation(ctx context.Context) error {
	return c.get(ctx, "/control/sumo/stop", nil)
}

// SetMask persists a polygon region for one camera source.
func (c *Client) SetMask(ctx context.Context, sourceID string, points [][]int) error {
	body := struct {
		SourceID string  `json:"cam_id"`
		Points   [][]int `json:"points"`
	}{SourceID: sourceID, Points: points}
	return c.post(ctx, "/config/mask", body, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return c.do(req, path, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %w: %d", path, ErrUnexpectedStatus, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}
