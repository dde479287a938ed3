package command

import (
	"log/slog"
	"testing"
	"time"

	"github.com/vigil-edr/vigil/internal/events"
	"github.com/vigil-edr/vigil/internal/protocol"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(0) }
func (f *fakeClock) Since(t time.Time) time.Duration        { return f.now.Sub(t) }

func testQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewQueue(clk, events.New(), slog.Default()), clk
}

func cmd(id, agent string, typ protocol.CommandType, ts int64) *protocol.Command {
	return &protocol.Command{CommandID: id, AgentID: agent, Type: typ, Timestamp: ts}
}

func TestEnqueueAndDeliverable(t *testing.T) {
	q, _ := testQueue(t)

	q.Enqueue(cmd("c-1", "a-1", protocol.CmdBlockIP, 100))
	q.Enqueue(cmd("c-2", "a-1", protocol.CmdDeleteFile, 300))
	q.Enqueue(cmd("c-3", "a-1", protocol.CmdKillProcess, 200))
	q.Enqueue(cmd("c-4", "a-2", protocol.CmdBlockURL, 150))

	got := q.Deliverable("a-1", 0)
	if len(got) != 3 {
		t.Fatalf("got %d commands, want 3", len(got))
	}
	// Newest first.
	if got[0].CommandID != "c-2" || got[1].CommandID != "c-3" || got[2].CommandID != "c-1" {
		t.Errorf("wrong order: %s %s %s", got[0].CommandID, got[1].CommandID, got[2].CommandID)
	}
}

func TestDeliverableRespectsWatermark(t *testing.T) {
	q, _ := testQueue(t)
	q.Enqueue(cmd("c-1", "a-1", protocol.CmdBlockIP, 100))
	q.Enqueue(cmd("c-2", "a-1", protocol.CmdBlockIP, 200))

	got := q.Deliverable("a-1", 100)
	if len(got) != 1 || got[0].CommandID != "c-2" {
		t.Errorf("only commands newer than the watermark should deliver: %v", got)
	}
	// Deliverable is a read; only AckDelivered dequeues.
	if q.Len("a-1") != 2 {
		t.Errorf("Deliverable must not dequeue, len=%d", q.Len("a-1"))
	}
}

func TestAckDeliveredDequeues(t *testing.T) {
	q, _ := testQueue(t)
	q.Enqueue(cmd("c-1", "a-1", protocol.CmdKillProcess, 100))
	q.Enqueue(cmd("c-2", "a-1", protocol.CmdBlockIP, 200))

	q.AckDelivered("a-1", "c-1")

	// A written command never reappears for a later stream.
	if q.Len("a-1") != 1 {
		t.Fatalf("delivered command should leave the pending list, len=%d", q.Len("a-1"))
	}
	for _, c := range q.Deliverable("a-1", 0) {
		if c.CommandID == "c-1" {
			t.Error("delivered command must not be offered again")
		}
	}

	// Still resolvable by ID until its result arrives.
	got, ok := q.Get("c-1")
	if !ok || got.Type != protocol.CmdKillProcess {
		t.Fatalf("Get after delivery: ok=%v got=%+v", ok, got)
	}

	removed, ok := q.Remove("a-1", "c-1")
	if !ok || removed.CommandID != "c-1" {
		t.Fatalf("Remove after delivery: ok=%v removed=%v", ok, removed)
	}
	if _, ok := q.Get("c-1"); ok {
		t.Error("result-time Remove should clear the delivered index")
	}
}

func TestAckDeliveredUnknownIDIsNoop(t *testing.T) {
	q, _ := testQueue(t)
	q.Enqueue(cmd("c-1", "a-1", protocol.CmdBlockIP, 100))

	q.AckDelivered("a-1", "missing")
	if q.Len("a-1") != 1 {
		t.Errorf("unknown id must not disturb the queue, len=%d", q.Len("a-1"))
	}
}

func TestUpdateIOCsDedup(t *testing.T) {
	q, _ := testQueue(t)

	if err := q.EnqueueIOCUpdate("a-1"); err != nil {
		t.Fatal(err)
	}
	if err := q.EnqueueIOCUpdate("a-1"); err != nil {
		t.Fatal(err)
	}
	if q.Len("a-1") != 1 {
		t.Errorf("at most one pending UPDATE_IOCS per agent, got %d", q.Len("a-1"))
	}

	// Other command types are not deduplicated.
	q.Enqueue(cmd("c-1", "a-1", protocol.CmdBlockIP, 100))
	q.Enqueue(cmd("c-2", "a-1", protocol.CmdBlockIP, 101))
	if q.Len("a-1") != 3 {
		t.Errorf("got %d, want 3", q.Len("a-1"))
	}
}

func TestRemove(t *testing.T) {
	q, _ := testQueue(t)
	q.Enqueue(cmd("c-1", "a-1", protocol.CmdBlockIP, 100))

	removed, ok := q.Remove("a-1", "c-1")
	if !ok || removed.CommandID != "c-1" {
		t.Fatalf("Remove: ok=%v removed=%v", ok, removed)
	}
	if _, ok := q.Remove("a-1", "c-1"); ok {
		t.Error("second Remove should miss")
	}
	if q.Len("a-1") != 0 {
		t.Error("queue should be empty")
	}
}

func TestWakeSignal(t *testing.T) {
	q, _ := testQueue(t)
	wake := q.Wake("a-1")

	q.Enqueue(cmd("c-1", "a-1", protocol.CmdBlockIP, 100))
	select {
	case <-wake:
	default:
		t.Fatal("enqueue should signal the agent's wake channel")
	}

	// Multiple enqueues collapse into one pending signal; none block.
	for i := 0; i < 5; i++ {
		q.EnqueueIOCUpdate("a-2")
		q.Enqueue(cmd("x", "a-1", protocol.CmdBlockURL, int64(200+i)))
	}
}

func TestGetSearchesAllAgents(t *testing.T) {
	q, _ := testQueue(t)
	q.Enqueue(cmd("c-9", "a-7", protocol.CmdNetworkIsolate, 100))

	got, ok := q.Get("c-9")
	if !ok || got.AgentID != "a-7" {
		t.Errorf("Get: ok=%v got=%v", ok, got)
	}
	if _, ok := q.Get("missing"); ok {
		t.Error("Get should miss for unknown id")
	}
}
