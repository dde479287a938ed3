package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vigil-edr/vigil/internal/clock"
	"github.com/vigil-edr/vigil/internal/command"
	"github.com/vigil-edr/vigil/internal/events"
	"github.com/vigil-edr/vigil/internal/ioc"
	"github.com/vigil-edr/vigil/internal/protocol"
	"github.com/vigil-edr/vigil/internal/registry"
	"github.com/vigil-edr/vigil/internal/storage"
)

type fixture struct {
	broker   *Broker
	registry *registry.Registry
	queue    *command.Queue
	results  *command.Results
	matches  *storage.Collection
	iocs     *ioc.Store
	server   *httptest.Server
	url      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	clk := clock.Real{}
	log := slog.Default()
	bus := events.New()

	store, err := storage.Open(dir, time.Minute, log, clk)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	iocs, err := ioc.Open(dir, log, clk)
	if err != nil {
		t.Fatalf("ioc.Open: %v", err)
	}

	reg := registry.New(store.Agents, bus, clk, log)
	queue := command.NewQueue(clk, bus, log)
	results := command.NewResults(store.Results, log)

	b := New(reg, queue, results, store.Matches, iocs, bus, clk, log, Options{
		HeartbeatInterval: 50 * time.Millisecond,
		InactivityTimeout: 5 * time.Second,
		IOCCheckInterval:  20 * time.Millisecond,
	})

	srv := httptest.NewServer(http.HandlerFunc(b.ServeHTTP))
	t.Cleanup(srv.Close)

	return &fixture{
		broker:   b,
		registry: reg,
		queue:    queue,
		results:  results,
		matches:  store.Matches,
		iocs:     iocs,
		server:   srv,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// dial opens a stream, sends the hello, and consumes the hello echo.
func dial(t *testing.T, fx *fixture, agentID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fx.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	sendFrame(t, conn, agentID, protocol.TypeAgentHello, protocol.AgentHello{
		AgentID: agentID, Timestamp: time.Now().Unix(),
	})
	ack := readFrame(t, conn)
	if ack.Type != protocol.TypeAgentHello {
		t.Fatalf("expected hello echo, got %s", ack.Type)
	}
	var hello protocol.AgentHello
	if err := ack.ParsePayload(&hello); err != nil {
		t.Fatalf("hello echo payload: %v", err)
	}
	if hello.AgentID != agentID {
		t.Fatalf("hello echo for %q, want %q", hello.AgentID, agentID)
	}
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, agentID string, typ protocol.MessageType, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(agentID, time.Now().Unix(), typ, payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return &f
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func registerAgent(t *testing.T, fx *fixture, hostname string) string {
	t.Helper()
	a, err := fx.registry.Register(registry.RegisterRequest{Hostname: hostname, IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return a.AgentID
}

func TestStreamLifecycle(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")

	conn := dial(t, fx, id)
	waitFor(t, "agent online", func() bool {
		a, err := fx.registry.Get(id)
		return err == nil && a.Status == registry.StatusOnline
	})
	if !fx.broker.IsConnected(id) {
		t.Error("broker should report an active stream")
	}

	conn.Close()
	waitFor(t, "agent offline after disconnect", func() bool {
		a, err := fx.registry.Get(id)
		return err == nil && a.Status == registry.StatusOffline
	})
	if fx.broker.IsConnected(id) {
		t.Error("stream should be deregistered")
	}
}

func TestFirstFrameMustBeHello(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")

	conn, _, err := websocket.DefaultDialer.Dial(fx.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sendFrame(t, conn, id, protocol.TypeAgentStatus, protocol.StatusUpdate{
		AgentID: id, Status: registry.StatusOnline, Timestamp: time.Now().Unix(),
	})

	// Server closes without registering a stream or changing state.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err == nil {
		t.Fatalf("connection should be closed, got frame %s", f.Type)
	}
	a, err := fx.registry.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != registry.StatusRegistered {
		t.Errorf("status should be untouched, got %s", a.Status)
	}
}

func TestUnknownAgentGetsPlaceholder(t *testing.T) {
	fx := newFixture(t)

	dial(t, fx, "never-registered")
	waitFor(t, "placeholder record", func() bool {
		a, err := fx.registry.Get("never-registered")
		return err == nil && a.Status == registry.StatusOnline
	})
}

func TestQueuedCommandDeliveredToActiveStream(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")
	conn := dial(t, fx, id)

	fx.queue.Enqueue(&protocol.Command{
		CommandID: "c-1", AgentID: id, Timestamp: time.Now().Unix(),
		Type:   protocol.CmdBlockIP,
		Params: map[string]string{"ip": "203.0.113.9"},
	})

	var got *protocol.Frame
	for {
		got = readFrame(t, conn)
		if got.Type == protocol.TypeServerCommand {
			break
		}
		if got.Type != protocol.TypePing {
			t.Fatalf("unexpected frame %s", got.Type)
		}
	}
	var cmd protocol.Command
	if err := got.ParsePayload(&cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.CommandID != "c-1" || cmd.Type != protocol.CmdBlockIP {
		t.Errorf("wrong command delivered: %+v", cmd)
	}
	// The write dequeues the command so it cannot be replayed.
	waitFor(t, "command dequeued on send", func() bool {
		return fx.queue.Len(id) == 0
	})
	// Still resolvable until the result arrives.
	if _, ok := fx.queue.Get("c-1"); !ok {
		t.Error("delivered command should stay resolvable for its result")
	}
}

func TestDeliveredCommandNotReplayedToNextStream(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")
	first := dial(t, fx, id)

	fx.queue.Enqueue(&protocol.Command{
		CommandID: "c-1", AgentID: id, Timestamp: time.Now().Unix(),
		Type: protocol.CmdKillProcess, Params: map[string]string{"pid": "42"},
	})
	for {
		if f := readFrame(t, first); f.Type == protocol.TypeServerCommand {
			break
		}
	}
	waitFor(t, "command dequeued on send", func() bool {
		return fx.queue.Len(id) == 0
	})

	// Drop the stream without ever sending a result.
	first.Close()
	waitFor(t, "stream gone", func() bool { return !fx.broker.IsConnected(id) })

	second := dial(t, fx, id)
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		second.SetReadDeadline(deadline)
		var f protocol.Frame
		if err := second.ReadJSON(&f); err != nil {
			break
		}
		if f.Type != protocol.TypeServerCommand {
			continue
		}
		var cmd protocol.Command
		if err := f.ParsePayload(&cmd); err != nil {
			t.Fatal(err)
		}
		if cmd.CommandID == "c-1" {
			t.Fatal("delivered command must not be executed twice")
		}
	}
}

func TestUpdateIOCsCarriesSnapshot(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")

	fx.iocs.AddIP("198.51.100.7", "c2", "high")
	if _, err := fx.iocs.CommitVersion(); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, fx, id)
	fx.queue.EnqueueIOCUpdate(id)

	var cmdFrame, dataFrame *protocol.Frame
	for dataFrame == nil {
		f := readFrame(t, conn)
		switch f.Type {
		case protocol.TypeServerCommand:
			cmdFrame = f
		case protocol.TypeIOCData:
			dataFrame = f
		case protocol.TypePing:
		default:
			t.Fatalf("unexpected frame %s", f.Type)
		}
	}
	if cmdFrame == nil {
		t.Fatal("IOC_DATA arrived without a preceding SERVER_COMMAND")
	}

	var resp protocol.IOCResponse
	if err := dataFrame.ParsePayload(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version != 2 || len(resp.IPAddresses) != 1 {
		t.Errorf("snapshot wrong: version=%d ips=%d", resp.Version, len(resp.IPAddresses))
	}

	waitFor(t, "agent ioc version advanced", func() bool {
		v, err := fx.registry.IOCVersion(id)
		return err == nil && v == 2
	})
}

func TestOutdatedAgentGetsRefresh(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")
	conn := dial(t, fx, id)

	waitFor(t, "agent online", func() bool { return fx.broker.IsConnected(id) })

	// Publishing a new version behind the agent's back triggers the
	// periodic version check on the stream.
	fx.iocs.AddURL("evil.example/drop", "", "high")
	if _, err := fx.iocs.CommitVersion(); err != nil {
		t.Fatal(err)
	}

	var sawData bool
	deadline := time.Now().Add(3 * time.Second)
	for !sawData && time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.Type == protocol.TypeIOCData {
			sawData = true
		}
	}
	if !sawData {
		t.Fatal("stream should push an IOC refresh to an outdated agent")
	}
}

func TestStaleStreamDisplaced(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")

	first := dial(t, fx, id)
	waitFor(t, "first stream", func() bool { return fx.broker.IsConnected(id) })

	second := dial(t, fx, id)
	waitFor(t, "second stream active", func() bool { return fx.broker.IsConnected(id) })

	// The first connection is closed by the server.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f protocol.Frame
		if err := first.ReadJSON(&f); err != nil {
			break
		}
	}

	// The displaced stream's cleanup must not mark the agent offline.
	time.Sleep(100 * time.Millisecond)
	a, err := fx.registry.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != registry.StatusOnline {
		t.Errorf("agent should stay online on the new stream, got %s", a.Status)
	}
	if !fx.broker.IsConnected(id) {
		t.Error("new stream should remain registered")
	}

	// Commands flow on the new stream.
	fx.queue.Enqueue(&protocol.Command{
		CommandID: "c-2", AgentID: id, Timestamp: time.Now().Unix(),
		Type: protocol.CmdNetworkIsolate,
	})
	for {
		f := readFrame(t, second)
		if f.Type == protocol.TypeServerCommand {
			break
		}
	}
}

func TestCommandResultStoredAndDequeued(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")
	conn := dial(t, fx, id)

	fx.queue.Enqueue(&protocol.Command{
		CommandID: "c-1", AgentID: id, Timestamp: time.Now().Unix(),
		Type: protocol.CmdKillProcess, Params: map[string]string{"pid": "99"},
	})

	sendFrame(t, conn, id, protocol.TypeCommandResult, protocol.CommandResult{
		CommandID: "c-1", AgentID: id, Success: true, Message: "process killed",
		ExecutionTime: time.Now().Unix(), DurationMS: 12,
	})

	waitFor(t, "result stored", func() bool {
		_, ok, _ := fx.results.Get("c-1")
		return ok
	})
	if fx.queue.Len(id) != 0 {
		t.Error("result should dequeue the command")
	}
}

func TestIOCResultNotPersisted(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")
	conn := dial(t, fx, id)

	fx.iocs.AddIP("198.51.100.9", "", "")
	fx.iocs.CommitVersion()

	sendFrame(t, conn, id, protocol.TypeCommandResult, protocol.CommandResult{
		CommandID: "c-ioc", AgentID: id, Success: true,
		Message: "IOC update available: applied",
	})

	waitFor(t, "agent ioc version confirmed", func() bool {
		v, err := fx.registry.IOCVersion(id)
		return err == nil && v == fx.iocs.Version()
	})
	if _, ok, _ := fx.results.Get("c-ioc"); ok {
		t.Error("IOC bookkeeping results must not be persisted")
	}
}

func TestIOCMatchAcked(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")
	conn := dial(t, fx, id)

	sendFrame(t, conn, id, protocol.TypeIOCMatch, protocol.IOCMatchReport{
		ReportID: "r-1", AgentID: id, Timestamp: time.Now().Unix(),
		Type: protocol.IOCTypeIP, IOCValue: "198.51.100.7", MatchedValue: "198.51.100.7",
		Severity: "high", ActionTaken: protocol.CmdBlockIP, ActionSuccess: true,
	})

	var ack *protocol.Frame
	for ack == nil {
		f := readFrame(t, conn)
		if f.Type == protocol.TypeIOCMatchAck {
			ack = f
		}
	}
	var parsed protocol.IOCMatchAck
	if err := ack.ParsePayload(&parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.ReportID != "r-1" || !parsed.Received {
		t.Errorf("bad ack: %+v", parsed)
	}

	raw, ok := fx.matches.Get("r-1")
	if !ok {
		t.Fatal("match report should be persisted")
	}
	var stored protocol.IOCMatchReport
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.IOCValue != "198.51.100.7" {
		t.Errorf("stored report wrong: %+v", stored)
	}

	a, err := fx.registry.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if a.LastIOCMatch == nil || a.LastIOCMatch.ReportID != "r-1" {
		t.Errorf("agent record should carry the last match summary: %+v", a.LastIOCMatch)
	}
}

func TestHeartbeatWhenQuiet(t *testing.T) {
	fx := newFixture(t)
	id := registerAgent(t, fx, "ws-01")
	conn := dial(t, fx, id)

	f := readFrame(t, conn)
	if f.Type != protocol.TypePing {
		t.Errorf("expected heartbeat on a quiet stream, got %s", f.Type)
	}
}
