package syncer

import (
	"context"
	"log/slog"
	"time"

	"traffic-sync/internal/platform/metrics"
)

// poller runs a named fetch at a cadence. The next tick is scheduled only
// after the previous fetch settles, so a slow backend can never queue
// overlapping ticks. A failed fetch is logged and counted; the cached slice
// is left for the owning fetch func to preserve, and the loop keeps going.
type poller struct {
	name     string
	interval func() time.Duration
	fetch    func(ctx context.Context) error
	log      *slog.Logger
	met      *metrics.Metrics
}

func (p *poller) run(ctx context.Context) {
	for {
		if err := p.fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("poll failed", slog.String("tier", p.name), slog.String("error", err.Error()))
			if p.met != nil {
				p.met.IncPollFailure(p.name)
			}
		}
		if p.met != nil {
			p.met.IncPollTick(p.name)
		}

		t := time.NewTimer(p.interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
