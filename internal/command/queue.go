// Package command holds the per-agent command queue, result storage, and
// the parameter rules each command type must satisfy.
package command

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vigil-edr/vigil/internal/clock"
	"github.com/vigil-edr/vigil/internal/events"
	"github.com/vigil-edr/vigil/internal/protocol"
)

// Queue is the per-agent pending command table. A command leaves the
// pending list the moment it is written to an active stream (AckDelivered);
// delivery is to the current stream only, never replayed to the next one.
// Delivered commands are kept in a side index until their result arrives
// so the result handler can still look up the command type.
type Queue struct {
	clk clock.Clock
	bus *events.Bus
	log *slog.Logger

	mu      sync.Mutex
	pending map[string][]*protocol.Command
	sent    map[string]*protocol.Command
	wake    map[string]chan struct{}
}

// NewQueue creates an empty command queue.
func NewQueue(clk clock.Clock, bus *events.Bus, log *slog.Logger) *Queue {
	return &Queue{
		clk:     clk,
		bus:     bus,
		log:     log.With("component", "command-queue"),
		pending: make(map[string][]*protocol.Command),
		sent:    make(map[string]*protocol.Command),
		wake:    make(map[string]chan struct{}),
	}
}

// Enqueue appends a command for an agent and wakes its stream. At most one
// UPDATE_IOCS entry is kept per agent; a second enqueue while one is
// pending is absorbed.
func (q *Queue) Enqueue(cmd *protocol.Command) error {
	q.mu.Lock()
	if cmd.Type == protocol.CmdUpdateIOCs {
		for _, p := range q.pending[cmd.AgentID] {
			if p.Type == protocol.CmdUpdateIOCs {
				q.mu.Unlock()
				q.log.Debug("ioc refresh already pending", "agent_id", cmd.AgentID)
				return nil
			}
		}
	}
	q.pending[cmd.AgentID] = append(q.pending[cmd.AgentID], cmd)
	q.mu.Unlock()

	q.signal(cmd.AgentID)
	if q.bus != nil {
		q.bus.Publish(events.Event{
			Type:      events.EventCommandQueued,
			AgentID:   cmd.AgentID,
			Message:   cmd.Type.String(),
			Timestamp: q.clk.Now(),
		})
	}
	q.log.Info("command queued", "agent_id", cmd.AgentID, "command_id", cmd.CommandID, "type", cmd.Type.String())
	return nil
}

// EnqueueIOCUpdate queues an UPDATE_IOCS command for an agent.
func (q *Queue) EnqueueIOCUpdate(agentID string) error {
	return q.Enqueue(&protocol.Command{
		CommandID: uuid.NewString(),
		AgentID:   agentID,
		Timestamp: q.clk.Now().Unix(),
		Type:      protocol.CmdUpdateIOCs,
	})
}

// Deliverable returns the agent's pending commands newer than afterTS,
// newest first. Entries are copies; the caller acknowledges each one it
// actually wrote with AckDelivered, which is what dequeues it.
func (q *Queue) Deliverable(agentID string, afterTS int64) []*protocol.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*protocol.Command
	for _, cmd := range q.pending[agentID] {
		if cmd.Timestamp > afterTS {
			cp := *cmd
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// AckDelivered records that a command was written to the agent's stream.
// It leaves the pending list so it is never replayed to a later stream,
// and moves to the sent index until its result arrives.
func (q *Queue) AckDelivered(agentID, commandID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmds := q.pending[agentID]
	for i, cmd := range cmds {
		if cmd.CommandID == commandID {
			q.pending[agentID] = append(cmds[:i], cmds[i+1:]...)
			if len(q.pending[agentID]) == 0 {
				delete(q.pending, agentID)
			}
			q.sent[commandID] = cmd
			return
		}
	}
}

// Get returns a command by ID, pending or delivered-awaiting-result.
func (q *Queue) Get(commandID string) (*protocol.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cmds := range q.pending {
		for _, cmd := range cmds {
			if cmd.CommandID == commandID {
				cp := *cmd
				return &cp, true
			}
		}
	}
	if cmd, ok := q.sent[commandID]; ok {
		cp := *cmd
		return &cp, true
	}
	return nil, false
}

// Remove forgets a command entirely, normally because its result arrived.
// It covers both the pending list (a result can outrun delivery
// bookkeeping) and the sent index. Returns the removed command when found.
func (q *Queue) Remove(agentID, commandID string) (*protocol.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmds := q.pending[agentID]
	for i, cmd := range cmds {
		if cmd.CommandID == commandID {
			q.pending[agentID] = append(cmds[:i], cmds[i+1:]...)
			if len(q.pending[agentID]) == 0 {
				delete(q.pending, agentID)
			}
			delete(q.sent, commandID)
			return cmd, true
		}
	}
	if cmd, ok := q.sent[commandID]; ok {
		delete(q.sent, commandID)
		return cmd, true
	}
	return nil, false
}

// Len returns the number of pending commands for an agent.
func (q *Queue) Len(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[agentID])
}

// TotalPending returns the pending command count across all agents.
func (q *Queue) TotalPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, cmds := range q.pending {
		n += len(cmds)
	}
	return n
}

// Wake returns the agent's wake channel. The stream writer selects on it
// and drains the queue when it fires.
func (q *Queue) Wake(agentID string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wakeLocked(agentID)
}

func (q *Queue) wakeLocked(agentID string) chan struct{} {
	ch, ok := q.wake[agentID]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wake[agentID] = ch
	}
	return ch
}

// signal nudges the agent's stream without blocking; a pending nudge is
// enough, so extras are dropped.
func (q *Queue) signal(agentID string) {
	q.mu.Lock()
	ch := q.wakeLocked(agentID)
	q.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}
