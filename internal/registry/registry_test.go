package registry

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/vigil-edr/vigil/internal/events"
	"github.com/vigil-edr/vigil/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(0) }
func (f *fakeClock) Since(t time.Time) time.Duration        { return f.now.Sub(t) }

func testRegistry(t *testing.T) (*Registry, *storage.Collection, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	col, err := storage.OpenCollection(t.TempDir(), "agents", time.Minute, slog.Default(), clk)
	if err != nil {
		t.Fatalf("OpenCollection: %v", err)
	}
	return New(col, events.New(), clk, slog.Default()), col, clk
}

func register(t *testing.T, r *Registry, hostname string) *Agent {
	t.Helper()
	a, err := r.Register(RegisterRequest{Hostname: hostname, IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return a
}

func TestRegisterAssignsID(t *testing.T) {
	r, _, _ := testRegistry(t)
	a := register(t, r, "ws-01")

	if a.AgentID == "" {
		t.Fatal("agent should get a generated id")
	}
	if a.Status != StatusRegistered {
		t.Errorf("status = %s, want %s", a.Status, StatusRegistered)
	}
	if a.RegistrationTime != 1_700_000_000 {
		t.Errorf("registration_time = %d", a.RegistrationTime)
	}
	if a.IOCVersion != 0 {
		t.Errorf("new agent ioc_version = %d, want 0", a.IOCVersion)
	}
}

func TestRegisterRequiresHostname(t *testing.T) {
	r, _, _ := testRegistry(t)
	if _, err := r.Register(RegisterRequest{IPAddress: "10.0.0.1"}); err == nil {
		t.Error("registration without hostname should fail")
	}
}

func TestReRegisterKeepsIdentity(t *testing.T) {
	r, _, clk := testRegistry(t)
	a := register(t, r, "ws-01")

	if err := r.SetIOCVersion(a.AgentID, 7); err != nil {
		t.Fatal(err)
	}

	clk.now = clk.now.Add(time.Hour)
	b, err := r.Register(RegisterRequest{
		AgentID:   a.AgentID,
		Hostname:  "ws-01-renamed",
		IPAddress: "10.0.0.2",
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if b.AgentID != a.AgentID {
		t.Error("re-registration must keep the agent id")
	}
	if b.RegistrationTime != a.RegistrationTime {
		t.Error("re-registration must keep the original registration time")
	}
	if b.IOCVersion != 7 {
		t.Errorf("re-registration must keep ioc_version, got %d", b.IOCVersion)
	}
	if b.Hostname != "ws-01-renamed" || b.IPAddress != "10.0.0.2" {
		t.Errorf("presented host details should win: %+v", b)
	}
}

func TestRegisterAdoptsSuppliedID(t *testing.T) {
	r, _, _ := testRegistry(t)

	// An agent re-registering after the server lost its records keeps the
	// ID it presents instead of forking a new identity.
	a, err := r.Register(RegisterRequest{
		AgentID:   "carried-over-id",
		Hostname:  "ws-01",
		IPAddress: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.AgentID != "carried-over-id" {
		t.Errorf("agent id = %s, want the supplied one", a.AgentID)
	}
	if a.Status != StatusRegistered || a.IOCVersion != 0 {
		t.Errorf("adopted id should start a fresh record: %+v", a)
	}
}

func TestLastSeenNeverMovesBackward(t *testing.T) {
	r, _, _ := testRegistry(t)
	a := register(t, r, "ws-01")

	if err := r.UpdateStatus(a.AgentID, StatusOnline, 1_700_000_500, nil); err != nil {
		t.Fatal(err)
	}
	// A delayed frame with an older timestamp must not rewind last_seen.
	if err := r.Touch(a.AgentID, 1_700_000_100, nil); err != nil {
		t.Fatal(err)
	}

	got, err := r.Get(a.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSeen != 1_700_000_500 {
		t.Errorf("last_seen = %d, want 1700000500", got.LastSeen)
	}
	if got.Status != StatusOnline {
		t.Errorf("Touch must not change status, got %s", got.Status)
	}
}

func TestMarkOfflineIdempotent(t *testing.T) {
	r, _, clk := testRegistry(t)
	a := register(t, r, "ws-01")
	r.UpdateStatus(a.AgentID, StatusOnline, clk.now.Unix(), nil)

	if err := r.MarkOffline(a.AgentID); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(a.AgentID)
	firstOffline := got.LastOffline
	if firstOffline == 0 {
		t.Fatal("last_offline should be stamped")
	}

	clk.now = clk.now.Add(time.Minute)
	if err := r.MarkOffline(a.AgentID); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(a.AgentID)
	if got.LastOffline != firstOffline {
		t.Error("second MarkOffline should be a no-op")
	}
}

func TestOnlineAgentIDs(t *testing.T) {
	r, _, clk := testRegistry(t)
	a := register(t, r, "ws-01")
	b := register(t, r, "ws-02")
	register(t, r, "ws-03")

	r.UpdateStatus(a.AgentID, StatusOnline, clk.now.Unix(), nil)
	r.UpdateStatus(b.AgentID, StatusOnline, clk.now.Unix(), nil)

	ids := r.OnlineAgentIDs()
	if len(ids) != 2 {
		t.Errorf("got %d online agents, want 2", len(ids))
	}
}

func TestFindByHostname(t *testing.T) {
	r, _, _ := testRegistry(t)
	register(t, r, "db-primary")
	register(t, r, "db-replica")
	register(t, r, "web-01")

	if got := r.FindByHostname("db-primary"); len(got) != 1 || got[0].Hostname != "db-primary" {
		t.Errorf("exact match failed: %v", got)
	}
	// Substring fallback when no exact match, case-insensitive.
	if got := r.FindByHostname("DB"); len(got) != 2 {
		t.Errorf("substring match got %d, want 2", len(got))
	}
	if got := r.FindByHostname("mail"); len(got) != 0 {
		t.Errorf("no match expected, got %d", len(got))
	}
}

func TestMetricsMostRecentWins(t *testing.T) {
	r, _, _ := testRegistry(t)
	a := register(t, r, "ws-01")

	r.Touch(a.AgentID, 1_700_000_100, &Metrics{CPUUsage: 10, MemoryUsage: 20, Uptime: 100})
	r.Touch(a.AgentID, 1_700_000_200, &Metrics{CPUUsage: 55, MemoryUsage: 60, Uptime: 200})

	got, _ := r.Get(a.AgentID)
	if got.CPUUsage != 55 || got.MemoryUsage != 60 || got.Uptime != 200 {
		t.Errorf("metrics should be latest: %+v", got)
	}
}

func TestHydrateSkipsCorruptRecords(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	dir := t.TempDir()
	col, err := storage.OpenCollection(dir, "agents", time.Minute, slog.Default(), clk)
	if err != nil {
		t.Fatal(err)
	}
	col.Put("good", Agent{AgentID: "good", Hostname: "ok", Status: StatusRegistered})
	col.Put("bad", json.RawMessage(`"not an object"`))
	col.ForceSave()

	col2, err := storage.OpenCollection(dir, "agents", time.Minute, slog.Default(), clk)
	if err != nil {
		t.Fatal(err)
	}
	r := New(col2, events.New(), clk, slog.Default())
	if _, err := r.Get("good"); err != nil {
		t.Errorf("good record should survive: %v", err)
	}
	if _, err := r.Get("bad"); err == nil {
		t.Error("corrupt record should be skipped")
	}
}

func TestRegisterPublishesEvent(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	col, err := storage.OpenCollection(t.TempDir(), "agents", time.Minute, slog.Default(), clk)
	if err != nil {
		t.Fatal(err)
	}
	bus := events.New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	r := New(col, bus, clk, slog.Default())
	register(t, r, "ws-01")

	select {
	case evt := <-ch:
		if evt.Type != events.EventAgentRegistered {
			t.Errorf("event type = %s", evt.Type)
		}
	default:
		t.Error("registration should publish an event")
	}
}
