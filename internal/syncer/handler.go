package syncer

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"traffic-sync/internal/stream"
)

// StreamController is the media-session surface the ops handler drives.
// *stream.Manager satisfies it.
type StreamController interface {
	Connect(sourceID string)
	Disconnect(sourceID string)
	RetryNow(sourceID string)
	Statuses() []stream.Status
}

var validDirections = map[string]bool{
	"North": true,
	"South": true,
	"East":  true,
	"West":  true,
}

// Handler exposes the orchestrator's snapshot and commands, plus stream
// session control, on the local ops surface using go-chi.
type Handler struct {
	orc     *Orchestrator
	streams StreamController
	log     *slog.Logger
}

// NewHandler returns a Handler. streams may be nil if the process runs
// without media (e.g. in tests).
func NewHandler(orc *Orchestrator, streams StreamController, log *slog.Logger) *Handler {
	return &Handler{orc: orc, streams: streams, log: log}
}

// State handles GET /state: a deep-copied snapshot of the sync state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orc.Store().Snapshot())
}

// Step handles POST /control/step: one manual simulation step.
func (h *Handler) Step(w http.ResponseWriter, r *http.Request) {
	res, err := h.orc.Step(r.Context())
	if err != nil {
		h.log.Error("step failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type autoStepRequest struct {
	Enabled    bool `json:"enabled"`
	IntervalMs *int `json:"interval_ms,omitempty"`
}

// AutoStep handles POST /control/autostep: toggle the loop and optionally
// change its period.
func (h *Handler) AutoStep(w http.ResponseWriter, r *http.Request) {
	var req autoStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	applied := h.orc.Store().Snapshot().StepIntervalMs
	if req.IntervalMs != nil {
		applied = h.orc.SetStepInterval(*req.IntervalMs)
	}
	h.orc.SetAutoStep(req.Enabled)

	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":     req.Enabled,
		"interval_ms": applied,
	})
}

type emergencyRequest struct {
	Direction string `json:"direction"`
	Active    bool   `json:"active"`
}

// Emergency handles POST /control/emergency: the operator override. Unlike
// routine polls, a rejected command is surfaced to the caller.
func (h *Handler) Emergency(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Active && !validDirections[req.Direction] {
		http.Error(w, `{"error":"direction must be North, South, East, or West"}`, http.StatusBadRequest)
		return
	}

	if err := h.orc.TriggerEmergency(r.Context(), req.Direction, req.Active); err != nil {
		h.log.Error("emergency command failed",
			slog.String("direction", req.Direction),
			slog.Bool("active", req.Active),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err)
		return
	}

	status := "deactivated"
	if req.Active {
		status = "activated"
	}
	h.log.Info("emergency override",
		slog.String("status", status),
		slog.String("direction", req.Direction))
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "direction": req.Direction})
}

type maskRequest struct {
	SourceID string  `json:"cam_id"`
	Points   [][]int `json:"points"`
}

// Mask handles POST /config/mask: persist a polygon region for one source.
func (h *Handler) Mask(w http.ResponseWriter, r *http.Request) {
	var req maskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SourceID == "" || len(req.Points) < 3 {
		http.Error(w, `{"error":"cam_id and at least 3 points required"}`, http.StatusBadRequest)
		return
	}

	if err := h.orc.ConfigureMask(r.Context(), req.SourceID, req.Points); err != nil {
		h.log.Error("mask command failed",
			slog.String("source_id", req.SourceID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cam_id": req.SourceID, "points": len(req.Points)})
}

// StartSimulation handles POST /control/sim/start.
func (h *Handler) StartSimulation(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.StartSimulation(r.Context()); err != nil {
		h.log.Error("simulation start failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// StopSimulation handles POST /control/sim/stop.
func (h *Handler) StopSimulation(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.StopSimulation(r.Context()); err != nil {
		h.log.Error("simulation stop failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Streams handles GET /streams: status of every media session.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	if h.streams == nil {
		writeJSON(w, http.StatusOK, []stream.Status{})
		return
	}
	writeJSON(w, http.StatusOK, h.streams.Statuses())
}

// StreamConnect handles POST /streams/{source_id}/connect.
func (h *Handler) StreamConnect(w http.ResponseWriter, r *http.Request) {
	h.streamCommand(w, r, func(sourceID string) { h.streams.Connect(sourceID) })
}

// StreamRetry handles POST /streams/{source_id}/retry: manual retry with a
// fresh budget after a session settles into failed.
func (h *Handler) StreamRetry(w http.ResponseWriter, r *http.Request) {
	h.streamCommand(w, r, func(sourceID string) { h.streams.RetryNow(sourceID) })
}

// StreamDisconnect handles POST /streams/{source_id}/disconnect.
func (h *Handler) StreamDisconnect(w http.ResponseWriter, r *http.Request) {
	h.streamCommand(w, r, func(sourceID string) { h.streams.Disconnect(sourceID) })
}

func (h *Handler) streamCommand(w http.ResponseWriter, r *http.Request, fn func(sourceID string)) {
	sourceID := chi.URLParam(r, "source_id")
	if sourceID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if h.streams == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	fn(sourceID)
	writeJSON(w, http.StatusOK, map[string]string{"source_id": sourceID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
