// Package shutdown implements the Shutdown Orchestrator (C8): a fixed phase
// sequence with per-phase deadlines, observed through
// app_shutdown_duration_seconds (spec.md §4.6).
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wschat/internal/errs"
	"github.com/adred-codev/wschat/internal/kvstore"
	"github.com/adred-codev/wschat/internal/metrics"
	"github.com/adred-codev/wschat/internal/ready"
	"github.com/adred-codev/wschat/internal/session"
)

// Phase deadlines from spec.md §4.6.
const (
	phase1Deadline = 100 * time.Millisecond
	phase2Deadline = 400 * time.Millisecond
	phase3Deadline = 2 * time.Second
	phase4Deadline = 500 * time.Millisecond
)

// Stoppable is implemented by the heartbeat publisher, which must stop
// producing new work before connections start draining. The broadcast
// subscription is stopped separately through Deps.Unsubscribe.
type Stoppable interface {
	Stop()
}

// Deps bundles the components the orchestrator coordinates.
type Deps struct {
	Ready       *ready.Controller
	Registry    *session.Registry
	Heartbeat   Stoppable
	Unsubscribe func() error // broadcast channel subscription, may be nil
	Store       kvstore.Store
	Publisher   kvstore.Publisher // may be nil
	Logger      zerolog.Logger
}

// Run executes the full shutdown sequence and returns once every phase has
// completed or exceeded its deadline. It never returns an error: each phase
// is best-effort and logs its own timeouts.
func Run(deps Deps) {
	start := time.Now()

	// Phase 1 (<=100ms): stop accepting new readiness, stop producing new
	// heartbeat ticks and broadcast subscriptions.
	phase1 := time.Now()
	deps.Ready.SetNotReady()
	if deps.Heartbeat != nil {
		deps.Heartbeat.Stop()
	}
	if deps.Unsubscribe != nil {
		if err := deps.Unsubscribe(); err != nil {
			deps.Logger.Warn().Err(err).Msg("failed to unsubscribe from broadcast channel during shutdown")
		}
	}
	logPhase(deps.Logger, "phase1_quiesce", phase1, phase1Deadline)

	// Phase 2 (<=400ms): nothing additional to emit beyond the Draining
	// sequence itself, which doubles as the shutdown notice to clients; the
	// budget is reserved so phase 3 has the full connection population
	// already enumerated.
	phase2 := time.Now()
	snapshot := deps.Registry.Snapshot()
	logPhase(deps.Logger, "phase2_notify", phase2, phase2Deadline)

	// Phase 3 (<=2s): drain every connection concurrently, bounded by the
	// phase deadline.
	phase3 := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), phase3Deadline)
	var wg sync.WaitGroup
	for _, entry := range snapshot {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry.Sink.Drain(ctx)
		}()
	}
	wg.Wait()
	cancel()
	logPhase(deps.Logger, "phase3_drain", phase3, phase3Deadline)

	// Phase 4 (<=500ms): close the store adapters.
	phase4 := time.Now()
	if deps.Publisher != nil {
		if err := deps.Publisher.Close(); err != nil {
			deps.Logger.Warn().Err(err).Msg("failed to close publisher during shutdown")
		}
	}
	if deps.Store != nil {
		if err := deps.Store.Close(); err != nil {
			deps.Logger.Warn().Err(err).Msg("failed to close store during shutdown")
		}
	}
	logPhase(deps.Logger, "phase4_close_store", phase4, phase4Deadline)

	total := time.Since(start)
	metrics.ShutdownDurationSeconds.Observe(total.Seconds())
	deps.Logger.Info().Dur("total", total).Msg("graceful shutdown complete")
}

func logPhase(logger zerolog.Logger, name string, start time.Time, deadline time.Duration) {
	elapsed := time.Since(start)
	if elapsed > deadline {
		wrapped := fmt.Errorf("%w: phase %s ran %s over its %s budget", errs.ShutdownDeadlineExceeded, name, elapsed-deadline, deadline)
		logger.Warn().Err(wrapped).Str("phase", name).Dur("elapsed", elapsed).Dur("deadline", deadline).Msg("shutdown phase complete")
		return
	}
	logger.Info().Str("phase", name).Dur("elapsed", elapsed).Dur("deadline", deadline).Msg("shutdown phase complete")
}
