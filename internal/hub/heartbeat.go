package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wschat/internal/session"
)

// Heartbeat is the heartbeat publisher (C7). A single ticker goroutine
// builds one frame per tick and fans it out to every registered connection
// via the registry snapshot — the frame content is identical for every
// recipient, so it is marshaled once per tick rather than per connection.
type Heartbeat struct {
	registry *session.Registry
	interval time.Duration
	logger   zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeat constructs a heartbeat publisher. Call Run to start it.
func NewHeartbeat(registry *session.Registry, interval time.Duration, logger zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		registry: registry,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, ticking every interval, until ctx is done or Stop is called.
func (h *Heartbeat) Run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	frame, err := json.Marshal(heartbeatFrame{TS: time.Now().Format(time.RFC3339)})
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode heartbeat frame")
		return
	}
	for _, entry := range h.registry.Snapshot() {
		entry.Sink.TryDeliver(frame)
	}
}

// Stop halts the ticker goroutine and waits for Run to return. The shutdown
// orchestrator calls it in its P1 phase, right after flipping readiness.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
