// Package broker owns the bidirectional agent streams: one WebSocket
// connection per agent carrying JSON frames in both directions. The broker
// delivers queued commands to the active stream, pushes IOC snapshots, and
// dispatches everything the agent sends back.
package broker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vigil-edr/vigil/internal/clock"
	"github.com/vigil-edr/vigil/internal/command"
	"github.com/vigil-edr/vigil/internal/events"
	"github.com/vigil-edr/vigil/internal/ioc"
	"github.com/vigil-edr/vigil/internal/metrics"
	"github.com/vigil-edr/vigil/internal/protocol"
	"github.com/vigil-edr/vigil/internal/registry"
	"github.com/vigil-edr/vigil/internal/storage"
)

const (
	sendBufferSize = 16
	writeTimeout   = 10 * time.Second
	helloTimeout   = 30 * time.Second
)

// Options tunes per-stream timing.
type Options struct {
	HeartbeatInterval time.Duration // send a ping when outbound has been quiet this long
	InactivityTimeout time.Duration // close the stream after this much inbound silence
	IOCCheckInterval  time.Duration // how often to compare the agent's IOC version
}

// agentStream is the server side of one live connection.
type agentStream struct {
	agentID string
	send    chan *protocol.Frame
	cancel  context.CancelFunc
}

// Broker accepts agent connections and runs their stream sessions.
type Broker struct {
	registry *registry.Registry
	queue    *command.Queue
	results  *command.Results
	matches  *storage.Collection
	iocs     *ioc.Store
	bus      *events.Bus
	clk      clock.Clock
	log      *slog.Logger
	opts     Options

	upgrader websocket.Upgrader

	mu      sync.Mutex
	streams map[string]*agentStream
}

// New wires a broker over the registry, command queue, and IOC store.
func New(reg *registry.Registry, queue *command.Queue, results *command.Results,
	matches *storage.Collection, iocs *ioc.Store, bus *events.Bus,
	clk clock.Clock, log *slog.Logger, opts Options) *Broker {
	return &Broker{
		registry: reg,
		queue:    queue,
		results:  results,
		matches:  matches,
		iocs:     iocs,
		bus:      bus,
		clk:      clk,
		log:      log.With("component", "broker"),
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		streams: make(map[string]*agentStream),
	}
}

// IsConnected reports whether the agent has an active stream.
func (b *Broker) IsConnected(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.streams[agentID]
	return ok
}

// ConnectedCount returns the number of active streams.
func (b *Broker) ConnectedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// Disconnect cancels the active stream for an agent, if one exists.
func (b *Broker) Disconnect(agentID string) {
	b.mu.Lock()
	if as, ok := b.streams[agentID]; ok {
		as.cancel()
		delete(b.streams, agentID)
	}
	b.mu.Unlock()
}

// ServeHTTP upgrades the request and runs the stream session to completion.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	b.runSession(r.Context(), conn, r.RemoteAddr)
}

// runSession drives one agent connection from hello to disconnect.
func (b *Broker) runSession(parent context.Context, conn *websocket.Conn, remote string) {
	defer conn.Close()

	// The first frame must identify the agent. Anything else closes the
	// connection without touching registry state.
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello protocol.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		b.log.Warn("no hello before deadline", "remote", remote, "error", err)
		return
	}
	if hello.Type != protocol.TypeAgentHello || hello.AgentID == "" {
		b.log.Warn("stream opened without hello", "remote", remote, "type", hello.Type)
		return
	}
	agentID := hello.AgentID

	if err := b.registry.EnsurePlaceholder(agentID); err != nil {
		b.log.Error("placeholder registration failed", "agent_id", agentID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	as := &agentStream{
		agentID: agentID,
		send:    make(chan *protocol.Frame, sendBufferSize),
		cancel:  cancel,
	}

	// Register the stream. If an old stream exists for this agent (stale
	// connection), cancel it first so exactly one stream is active.
	b.mu.Lock()
	if old, ok := b.streams[agentID]; ok {
		old.cancel()
		metrics.StreamsReplaced.Inc()
		b.log.Warn("replaced stale stream", "agent_id", agentID)
	}
	b.streams[agentID] = as
	b.mu.Unlock()

	if err := b.registry.MarkOnline(agentID); err != nil {
		b.log.Error("mark online failed", "agent_id", agentID, "error", err)
	}
	metrics.AgentsOnline.Set(float64(b.ConnectedCount()))
	b.log.Info("agent connected", "agent_id", agentID, "remote", remote)

	// Cleanup runs when the recv loop exits.
	defer func() {
		b.mu.Lock()
		// Only remove if it's still our stream (not replaced by a newer one).
		displaced := true
		if cur, ok := b.streams[agentID]; ok && cur == as {
			delete(b.streams, agentID)
			displaced = false
		}
		b.mu.Unlock()

		if !displaced {
			if err := b.registry.MarkOffline(agentID); err != nil {
				b.log.Error("mark offline failed", "agent_id", agentID, "error", err)
			}
			if err := b.registry.ForceSave(); err != nil {
				b.log.Error("registry flush on disconnect failed", "error", err)
			}
		}
		metrics.AgentsOnline.Set(float64(b.ConnectedCount()))
		b.log.Info("agent disconnected", "agent_id", agentID)
	}()

	// Echo the hello back so the agent knows the stream is live.
	b.enqueueFrame(ctx, as, b.frame(agentID, protocol.TypeAgentHello, protocol.AgentHello{
		AgentID:   agentID,
		Timestamp: b.clk.Now().Unix(),
	}))

	// Closing the connection on cancel unblocks a pending read, so a
	// displaced stream exits promptly.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go b.writeLoop(ctx, conn, as)
	b.readLoop(ctx, conn, as)
}

// frame builds an outbound frame; payload marshal failures are programming
// errors and are logged, returning nil.
func (b *Broker) frame(agentID string, typ protocol.MessageType, payload any) *protocol.Frame {
	f, err := protocol.NewFrame(agentID, b.clk.Now().Unix(), typ, payload)
	if err != nil {
		b.log.Error("frame build failed", "type", typ, "error", err)
		return nil
	}
	return f
}

// enqueueFrame hands a frame to the write loop.
func (b *Broker) enqueueFrame(ctx context.Context, as *agentStream, f *protocol.Frame) {
	if f == nil {
		return
	}
	select {
	case as.send <- f:
	case <-ctx.Done():
	}
}

// writeLoop is the only goroutine that writes to the connection. It drains
// the send channel, delivers queued commands on wake, heartbeats when
// outbound traffic is quiet, and pushes IOC refreshes when the agent's
// confirmed version falls behind the store.
func (b *Broker) writeLoop(ctx context.Context, conn *websocket.Conn, as *agentStream) {
	wake := b.queue.Wake(as.agentID)
	ticker := time.NewTicker(b.opts.IOCCheckInterval)
	defer ticker.Stop()

	lastSent := b.clk.Now()
	var lastCommandTS int64

	write := func(f *protocol.Frame) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(f); err != nil {
			b.log.Warn("send to agent failed", "agent_id", as.agentID, "error", err)
			as.cancel()
			return false
		}
		lastSent = b.clk.Now()
		metrics.FramesSent.WithLabelValues(string(f.Type)).Inc()
		return true
	}

	// deliver drains commands newer than the watermark, newest first. A
	// command is acknowledged as delivered the moment it is on the wire so
	// it is never replayed to a later stream. An UPDATE_IOCS command is
	// immediately followed by the IOC snapshot on the same stream, and the
	// agent's confirmed version is advanced.
	deliver := func() bool {
		for _, cmd := range b.queue.Deliverable(as.agentID, lastCommandTS) {
			f := b.frame(as.agentID, protocol.TypeServerCommand, cmd)
			if f == nil || !write(f) {
				return false
			}
			b.queue.AckDelivered(as.agentID, cmd.CommandID)
			if cmd.Timestamp > lastCommandTS {
				lastCommandTS = cmd.Timestamp
			}
			b.log.Info("command delivered", "agent_id", as.agentID,
				"command_id", cmd.CommandID, "type", cmd.Type.String())

			if cmd.Type == protocol.CmdUpdateIOCs {
				snap := b.iocs.Snapshot()
				data := b.frame(as.agentID, protocol.TypeIOCData, snap.Response(b.clk.Now().Unix()))
				if data == nil || !write(data) {
					return false
				}
				if err := b.registry.SetIOCVersion(as.agentID, snap.Version); err != nil {
					b.log.Error("ioc version update failed", "agent_id", as.agentID, "error", err)
				}
			}
		}
		return true
	}

	if !deliver() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case f := <-as.send:
			if !write(f) {
				return
			}

		case <-wake:
			if !deliver() {
				return
			}

		case <-ticker.C:
			// Queue a refresh when the agent's confirmed version trails
			// the store; the queue absorbs duplicates.
			if v, err := b.registry.IOCVersion(as.agentID); err == nil && v < b.iocs.Version() {
				b.queue.EnqueueIOCUpdate(as.agentID)
			}
			if !deliver() {
				return
			}
			if b.clk.Since(lastSent) >= b.opts.HeartbeatInterval {
				ping := b.frame(as.agentID, protocol.TypePing, protocol.Ping{
					AgentID:   as.agentID,
					Timestamp: b.clk.Now().Unix(),
				})
				if ping == nil || !write(ping) {
					return
				}
			}
		}
	}
}

// readLoop reads frames until the connection dies or goes silent past the
// inactivity timeout, dispatching each frame by type.
func (b *Broker) readLoop(ctx context.Context, conn *websocket.Conn, as *agentStream) {
	for {
		conn.SetReadDeadline(time.Now().Add(b.opts.InactivityTimeout))
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				b.log.Info("stream read ended", "agent_id", as.agentID, "error", err)
			}
			as.cancel()
			return
		}
		metrics.FramesReceived.WithLabelValues(string(f.Type)).Inc()
		b.dispatch(ctx, as, &f)
	}
}

func (b *Broker) dispatch(ctx context.Context, as *agentStream, f *protocol.Frame) {
	agentID := as.agentID

	switch f.Type {
	case protocol.TypeAgentHello:
		// Repeated hello on an established stream carries nothing new.

	case protocol.TypePing:
		if err := b.registry.Touch(agentID, f.Timestamp, nil); err != nil {
			b.log.Warn("touch failed", "agent_id", agentID, "error", err)
		}

	case protocol.TypeAgentStatus:
		var su protocol.StatusUpdate
		if err := f.ParsePayload(&su); err != nil {
			b.log.Warn("bad status payload", "agent_id", agentID, "error", err)
			return
		}
		status := su.Status
		if status == "" {
			status = registry.StatusOnline
		}
		if err := b.registry.UpdateStatus(agentID, status, su.Timestamp, toMetrics(su.SystemMetrics)); err != nil {
			b.log.Warn("status update failed", "agent_id", agentID, "error", err)
			return
		}
		if err := b.registry.ForceSave(); err != nil {
			b.log.Error("registry flush failed", "error", err)
		}

	case protocol.TypeAgentRunning:
		var rs protocol.RunningSignal
		if err := f.ParsePayload(&rs); err != nil {
			b.log.Warn("bad running payload", "agent_id", agentID, "error", err)
			return
		}
		if err := b.registry.Touch(agentID, rs.Timestamp, toMetrics(rs.SystemMetrics)); err != nil {
			b.log.Warn("touch failed", "agent_id", agentID, "error", err)
		}

	case protocol.TypeAgentShutdown:
		var ss protocol.ShutdownSignal
		if err := f.ParsePayload(&ss); err != nil {
			b.log.Warn("bad shutdown payload", "agent_id", agentID, "error", err)
			return
		}
		b.log.Info("agent announced shutdown", "agent_id", agentID, "reason", ss.Reason)
		if err := b.registry.MarkOffline(agentID); err != nil {
			b.log.Warn("mark offline failed", "agent_id", agentID, "error", err)
		}
		if err := b.registry.ForceSave(); err != nil {
			b.log.Error("registry flush failed", "error", err)
		}

	case protocol.TypeCommandResult:
		b.handleResult(agentID, f)

	case protocol.TypeIOCMatch:
		b.handleMatch(ctx, as, f)

	default:
		b.log.Warn("unexpected frame type from agent", "agent_id", agentID, "type", f.Type)
	}
}

// handleResult classifies a command result. IOC bookkeeping results update
// the agent's confirmed IOC version and are discarded; real outcomes are
// persisted. Either way the command leaves the queue.
func (b *Broker) handleResult(agentID string, f *protocol.Frame) {
	var res protocol.CommandResult
	if err := f.ParsePayload(&res); err != nil {
		b.log.Warn("bad result payload", "agent_id", agentID, "error", err)
		return
	}

	queued, found := b.queue.Get(res.CommandID)
	var queuedType protocol.CommandType
	if found {
		queuedType = queued.Type
	}

	if command.IsIOCResult(&res, queuedType, found) {
		if command.ConfirmsIOCUpdate(&res) {
			if err := b.registry.SetIOCVersion(agentID, b.iocs.Version()); err != nil {
				b.log.Error("ioc version update failed", "agent_id", agentID, "error", err)
			}
		}
		b.queue.Remove(agentID, res.CommandID)
		b.log.Debug("ioc bookkeeping result", "agent_id", agentID, "command_id", res.CommandID)
		return
	}

	if err := b.results.Record(&res); err != nil {
		b.log.Error("result store failed", "command_id", res.CommandID, "error", err)
	}
	b.queue.Remove(agentID, res.CommandID)

	outcome := "failure"
	if res.Success {
		outcome = "success"
	}
	metrics.CommandResults.WithLabelValues(outcome).Inc()
	b.bus.Publish(events.Event{
		Type:      events.EventCommandResult,
		AgentID:   agentID,
		Message:   res.Message,
		Timestamp: b.clk.Now(),
	})
}

// handleMatch persists an IOC match report and acknowledges it on the
// stream. The ack goes through the send channel so the write loop stays
// the only writer.
func (b *Broker) handleMatch(ctx context.Context, as *agentStream, f *protocol.Frame) {
	var report protocol.IOCMatchReport
	if err := f.ParsePayload(&report); err != nil {
		b.log.Warn("bad match payload", "agent_id", as.agentID, "error", err)
		return
	}
	if report.ReportID == "" {
		report.ReportID = uuid.NewString()
	}
	if report.AgentID == "" {
		report.AgentID = as.agentID
	}

	if err := b.matches.Put(report.ReportID, &report); err != nil {
		b.log.Error("match store failed", "report_id", report.ReportID, "error", err)
	}
	if err := b.registry.RecordMatch(as.agentID, registry.MatchSummary{
		ReportID:  report.ReportID,
		Type:      string(report.Type),
		IOCValue:  report.IOCValue,
		Severity:  report.Severity,
		Timestamp: report.Timestamp,
	}); err != nil {
		b.log.Warn("match summary update failed", "agent_id", as.agentID, "error", err)
	}

	metrics.IOCMatches.WithLabelValues(string(report.Type)).Inc()
	b.bus.Publish(events.Event{
		Type:      events.EventIOCMatch,
		AgentID:   as.agentID,
		Severity:  report.Severity,
		Message:   report.IOCValue,
		Timestamp: b.clk.Now(),
	})
	b.log.Info("ioc match reported", "agent_id", as.agentID,
		"report_id", report.ReportID, "type", report.Type, "value", report.IOCValue, "severity", report.Severity)

	b.enqueueFrame(ctx, as, b.frame(as.agentID, protocol.TypeIOCMatchAck, protocol.IOCMatchAck{
		ReportID: report.ReportID,
		Received: true,
	}))
}

func toMetrics(m *protocol.SystemMetrics) *registry.Metrics {
	if m == nil {
		return nil
	}
	return &registry.Metrics{CPUUsage: m.CPUUsage, MemoryUsage: m.MemoryUsage, Uptime: m.Uptime}
}
