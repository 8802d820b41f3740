package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"traffic-sync/internal/backend"
	"traffic-sync/internal/platform/config"
	"traffic-sync/internal/platform/logger"
	"traffic-sync/internal/platform/metrics"
	"traffic-sync/internal/stream"
	"traffic-sync/internal/syncer"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v4"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8090")
	backendURL := config.GetEnv("BACKEND_URL", "http://127.0.0.1:8000")
	signalingURL := config.GetEnv("SIGNALING_URL", backendURL+"/offer")
	stunURL := config.GetEnv("STUN_URL", "stun:stun.l.google.com:19302")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	sources := strings.Split(config.GetEnv("CAMERA_IDS", "North,East,West,South"), ",")

	intervals := syncer.Intervals{
		Fast:         config.GetEnvDuration("FAST_POLL", time.Second),
		MediumActive: config.GetEnvDuration("MEDIUM_POLL_ACTIVE", time.Second),
		MediumIdle:   config.GetEnvDuration("MEDIUM_POLL_IDLE", 5*time.Second),
		Slow:         config.GetEnvDuration("SLOW_POLL", 60*time.Second),
	}

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	client := backend.NewClient(backendURL, nil)
	store := syncer.NewStore(config.GetEnvInt("STEP_INTERVAL_MS", syncer.DefaultStepIntervalMs))
	orc := syncer.New(client, store, log, met, intervals)

	streams := stream.NewManager(stream.Options{
		Factory:       stream.NewPionFactory(stunURL),
		Signaler:      &stream.HTTPSignaler{URL: signalingURL},
		Logger:        log,
		Metrics:       met,
		MaxRetries:    config.GetEnvInt("MAX_RETRIES", stream.DefaultMaxRetries),
		GatherTimeout: config.GetEnvDuration("ICE_TIMEOUT", stream.DefaultGatherTimeout),
		OnTrack: func(sourceID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info("media track ready",
				"source_id", sourceID,
				"kind", track.Kind().String(),
				"codec", track.Codec().MimeType,
			)
		},
	})

	orc.Start(context.Background())
	for _, sourceID := range sources {
		if sourceID = strings.TrimSpace(sourceID); sourceID != "" {
			streams.Connect(sourceID)
		}
	}

	h := syncer.NewHandler(orc, streams, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() { met.SetConnectedSessions(streams.ConnectedCount()) }).ServeHTTP(w, req)
	})
	r.Get("/state", h.State)
	r.Post("/control/step", h.Step)
	r.Post("/control/autostep", h.AutoStep)
	r.Post("/control/emergency", h.Emergency)
	r.Post("/control/sim/start", h.StartSimulation)
	r.Post("/control/sim/stop", h.StopSimulation)
	r.Post("/config/mask", h.Mask)
	r.Route("/streams", func(r chi.Router) {
		r.Get("/", h.Streams)
		r.Route("/{source_id}", func(r chi.Router) {
			r.Post("/connect", h.StreamConnect)
			r.Post("/retry", h.StreamRetry)
			r.Post("/disconnect", h.StreamDisconnect)
		})
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("dashboard sync core started",
		"port", port,
		"backend_url", backendURL,
		"sources", sources,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	orc.Stop()
	streams.Close()

	log.Info("stopped")
}
