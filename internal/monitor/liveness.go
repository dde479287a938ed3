// Package monitor runs the liveness sweep that retires silent agents.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-edr/vigil/internal/clock"
	"github.com/vigil-edr/vigil/internal/metrics"
	"github.com/vigil-edr/vigil/internal/registry"
)

// Disconnector closes an agent's active stream, if any.
type Disconnector interface {
	Disconnect(agentID string)
}

// Liveness periodically scans the registry and marks agents offline when
// their last_seen is older than the ping timeout.
type Liveness struct {
	registry *registry.Registry
	streams  Disconnector
	clk      clock.Clock
	log      *slog.Logger

	interval time.Duration
	timeout  time.Duration

	stop chan struct{}
	done sync.WaitGroup
}

// New creates a liveness monitor. streams may be nil when no stream layer
// is attached (tests).
func New(reg *registry.Registry, streams Disconnector, clk clock.Clock, log *slog.Logger,
	interval, timeout time.Duration) *Liveness {
	return &Liveness{
		registry: reg,
		streams:  streams,
		clk:      clk,
		log:      log.With("component", "liveness"),
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (l *Liveness) Start(ctx context.Context) {
	l.done.Add(1)
	go func() {
		defer l.done.Done()
		l.log.Info("liveness monitor started", "interval", l.interval, "timeout", l.timeout)
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-l.clk.After(l.interval):
				l.Sweep()
			}
		}
	}()
}

// Stop terminates the loop, waiting up to five seconds for a sweep in
// flight to finish.
func (l *Liveness) Stop() {
	close(l.stop)
	finished := make(chan struct{})
	go func() {
		l.done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		l.log.Warn("liveness monitor did not stop in time")
	}
}

// Sweep marks every silent online agent offline and flushes the registry
// once if anything changed. Returns how many agents were retired.
func (l *Liveness) Sweep() int {
	cutoff := l.clk.Now().Unix() - int64(l.timeout.Seconds())

	timedOut := 0
	for _, a := range l.registry.All() {
		if a.Status != registry.StatusOnline || a.LastSeen >= cutoff {
			continue
		}
		if err := l.registry.MarkOffline(a.AgentID); err != nil {
			l.log.Error("mark offline failed", "agent_id", a.AgentID, "error", err)
			continue
		}
		if l.streams != nil {
			l.streams.Disconnect(a.AgentID)
		}
		metrics.AgentsTimedOut.Inc()
		timedOut++
		l.log.Warn("agent timed out", "agent_id", a.AgentID, "hostname", a.Hostname,
			"last_seen", a.LastSeen, "cutoff", cutoff)
	}

	if timedOut > 0 {
		if err := l.registry.ForceSave(); err != nil {
			l.log.Error("registry flush after sweep failed", "error", err)
		}
		l.log.Info("liveness sweep complete", "timed_out", timedOut)
	}
	return timedOut
}
