package stream

import (
	"testing"
	"time"
)

func TestRetryBackoff_schedule(t *testing.T) {
	b := newRetryBackoff()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("delay %d: expected %s, got %s", i, w, got)
		}
	}

	// A successful negotiation restarts the schedule from the base delay.
	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Errorf("expected %s after reset, got %s", time.Second, got)
	}
}
