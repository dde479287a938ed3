package ioc

import (
	"context"
	"log/slog"
	"time"

	"github.com/vigil-edr/vigil/internal/clock"
)

// OnlineLister yields the IDs of agents currently marked online.
type OnlineLister interface {
	OnlineAgentIDs() []string
}

// Enqueuer queues an IOC refresh command for one agent.
type Enqueuer interface {
	EnqueueIOCUpdate(agentID string) error
}

// publishAttempts and publishDelays shape the per-agent retry schedule:
// the first attempt is immediate, later ones back off.
const publishAttempts = 3

var publishDelays = []time.Duration{0, 500 * time.Millisecond, time.Second}

// Publisher pushes the current IOC version to every online agent by
// queueing an UPDATE_IOCS command per agent.
type Publisher struct {
	agents OnlineLister
	queue  Enqueuer
	clk    clock.Clock
	log    *slog.Logger
}

// NewPublisher wires a publisher over the registry and command queue.
func NewPublisher(agents OnlineLister, queue Enqueuer, clk clock.Clock, log *slog.Logger) *Publisher {
	return &Publisher{
		agents: agents,
		queue:  queue,
		clk:    clk,
		log:    log.With("component", "ioc-publisher"),
	}
}

// Publish enqueues a refresh for every online agent and reports how many
// agents were reached out of how many were online. A failed enqueue is
// retried per publishDelays before the agent counts as missed.
func (p *Publisher) Publish(ctx context.Context) (succeeded, totalOnline int) {
	ids := p.agents.OnlineAgentIDs()
	totalOnline = len(ids)
	if totalOnline == 0 {
		p.log.Info("no online agents, nothing to publish")
		return 0, 0
	}

	for _, id := range ids {
		if p.publishOne(ctx, id) {
			succeeded++
		}
	}

	p.log.Info("ioc publish complete", "succeeded", succeeded, "online", totalOnline)
	return succeeded, totalOnline
}

func (p *Publisher) publishOne(ctx context.Context, agentID string) bool {
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if d := publishDelays[attempt]; d > 0 {
			select {
			case <-p.clk.After(d):
			case <-ctx.Done():
				return false
			}
		}
		if err := p.queue.EnqueueIOCUpdate(agentID); err != nil {
			p.log.Warn("ioc enqueue failed", "agent_id", agentID, "attempt", attempt+1, "error", err)
			continue
		}
		return true
	}
	p.log.Error("giving up on agent after retries", "agent_id", agentID, "attempts", publishAttempts)
	return false
}
