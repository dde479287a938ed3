// Package registry tracks the agent fleet: identity, liveness, status, and
// the IOC version each agent last confirmed.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vigil-edr/vigil/internal/clock"
	"github.com/vigil-edr/vigil/internal/events"
	"github.com/vigil-edr/vigil/internal/storage"
)

// Agent lifecycle states.
const (
	StatusPendingRegistration = "PENDING_REGISTRATION"
	StatusRegistered          = "REGISTERED"
	StatusOnline              = "ONLINE"
	StatusOffline             = "OFFLINE"
)

// ErrNotFound is returned when an agent ID has no record.
var ErrNotFound = errors.New("agent not found")

// maxIDRetries bounds UUID collision retries during registration.
const maxIDRetries = 5

// MatchSummary is the last IOC match recorded for an agent, kept on the
// agent record for fleet listings.
type MatchSummary struct {
	ReportID  string `json:"report_id"`
	Type      string `json:"type"`
	IOCValue  string `json:"ioc_value"`
	Severity  string `json:"severity"`
	Timestamp int64  `json:"timestamp"`
}

// Agent is one endpoint's control-plane record.
type Agent struct {
	AgentID          string        `json:"agent_id"`
	Hostname         string        `json:"hostname"`
	IPAddress        string        `json:"ip_address"`
	MACAddress       string        `json:"mac_address,omitempty"`
	Username         string        `json:"username,omitempty"`
	OSVersion        string        `json:"os_version,omitempty"`
	AgentVersion     string        `json:"agent_version,omitempty"`
	RegistrationTime int64         `json:"registration_time"`
	LastSeen         int64         `json:"last_seen"`
	Status           string        `json:"status"`
	CPUUsage         float64       `json:"cpu_usage,omitempty"`
	MemoryUsage      float64       `json:"memory_usage,omitempty"`
	Uptime           int64         `json:"uptime,omitempty"`
	IOCVersion       int           `json:"ioc_version"`
	LastOffline      int64         `json:"last_offline,omitempty"`
	LastIOCMatch     *MatchSummary `json:"last_ioc_match,omitempty"`
}

// RegisterRequest is the identity an agent presents at registration.
type RegisterRequest struct {
	AgentID      string `json:"agent_id,omitempty"`
	Hostname     string `json:"hostname"`
	IPAddress    string `json:"ip_address"`
	MACAddress   string `json:"mac_address,omitempty"`
	Username     string `json:"username,omitempty"`
	OSVersion    string `json:"os_version,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
}

// Registry is the in-memory agent table with write-behind persistence.
type Registry struct {
	store *storage.Collection
	bus   *events.Bus
	clk   clock.Clock
	log   *slog.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

// New hydrates the registry from the agents collection. Records that fail
// to unmarshal are skipped with a log line rather than blocking startup.
func New(store *storage.Collection, bus *events.Bus, clk clock.Clock, log *slog.Logger) *Registry {
	r := &Registry{
		store:  store,
		bus:    bus,
		clk:    clk,
		log:    log.With("component", "registry"),
		agents: make(map[string]*Agent),
	}
	for id, raw := range store.All() {
		var a Agent
		ok, err := store.GetAs(id, &a)
		if err != nil || !ok {
			r.log.Warn("skipping unreadable agent record", "agent_id", id, "error", err, "raw_len", len(raw))
			continue
		}
		r.agents[a.AgentID] = &a
	}
	r.log.Info("registry hydrated", "agents", len(r.agents))
	return r
}

// Register admits an agent. An empty agent_id gets a fresh UUID; a known
// agent_id keeps its identity, IOC version, and registration time while the
// presented host details overwrite the stored ones. An unknown non-empty
// agent_id is adopted as a new record: an agent that kept its identity
// across a server-side data loss re-registers under the same ID instead of
// forking a duplicate.
func (r *Registry) Register(req RegisterRequest) (*Agent, error) {
	if req.Hostname == "" {
		return nil, errors.New("hostname is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now().Unix()

	if existing, ok := r.agents[req.AgentID]; ok {
		existing.Hostname = req.Hostname
		existing.IPAddress = req.IPAddress
		existing.MACAddress = req.MACAddress
		existing.Username = req.Username
		existing.OSVersion = req.OSVersion
		existing.AgentVersion = req.AgentVersion
		existing.Status = StatusRegistered
		if now > existing.LastSeen {
			existing.LastSeen = now
		}
		if err := r.persistLocked(existing); err != nil {
			return nil, err
		}
		r.log.Info("agent re-registered", "agent_id", existing.AgentID, "hostname", existing.Hostname)
		return cloned(existing), nil
	}

	id := req.AgentID
	if id == "" {
		var err error
		id, err = r.freshIDLocked()
		if err != nil {
			return nil, err
		}
	}

	a := &Agent{
		AgentID:          id,
		Hostname:         req.Hostname,
		IPAddress:        req.IPAddress,
		MACAddress:       req.MACAddress,
		Username:         req.Username,
		OSVersion:        req.OSVersion,
		AgentVersion:     req.AgentVersion,
		RegistrationTime: now,
		LastSeen:         now,
		Status:           StatusRegistered,
	}
	r.agents[id] = a
	if err := r.persistLocked(a); err != nil {
		delete(r.agents, id)
		return nil, err
	}

	r.publish(events.EventAgentRegistered, a, "agent registered")
	r.log.Info("agent registered", "agent_id", id, "hostname", a.Hostname, "ip", a.IPAddress)
	return cloned(a), nil
}

func (r *Registry) freshIDLocked() (string, error) {
	for i := 0; i < maxIDRetries; i++ {
		id := uuid.NewString()
		if _, taken := r.agents[id]; !taken {
			return id, nil
		}
	}
	return "", errors.New("could not allocate a unique agent id")
}

// EnsurePlaceholder creates a minimal PENDING_REGISTRATION record for an
// agent that opened a stream before registering. No-op for known agents.
func (r *Registry) EnsurePlaceholder(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; ok {
		return nil
	}
	now := r.clk.Now().Unix()
	a := &Agent{
		AgentID:          agentID,
		RegistrationTime: now,
		LastSeen:         now,
		Status:           StatusPendingRegistration,
	}
	r.agents[agentID] = a
	r.log.Warn("stream from unregistered agent, created placeholder", "agent_id", agentID)
	return r.persistLocked(a)
}

// Get returns a copy of the agent record.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return cloned(a), nil
}

// All returns copies of every agent record.
func (r *Registry) All() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, cloned(a))
	}
	return out
}

// OnlineAgentIDs lists agents currently marked online.
func (r *Registry) OnlineAgentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, a := range r.agents {
		if a.Status == StatusOnline {
			out = append(out, id)
		}
	}
	return out
}

// UpdateStatus applies an explicit status transition, latest wins. The
// reported last_seen never moves backward.
func (r *Registry) UpdateStatus(agentID, status string, ts int64, metrics *Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}

	wasOnline := a.Status == StatusOnline
	a.Status = status
	if ts > a.LastSeen {
		a.LastSeen = ts
	}
	if metrics != nil {
		a.CPUUsage = metrics.CPUUsage
		a.MemoryUsage = metrics.MemoryUsage
		a.Uptime = metrics.Uptime
	}
	if status == StatusOffline {
		a.LastOffline = r.clk.Now().Unix()
	}
	if err := r.persistLocked(a); err != nil {
		return err
	}

	if wasOnline && status == StatusOffline {
		r.publish(events.EventAgentOffline, a, "agent went offline")
	} else if !wasOnline && status == StatusOnline {
		r.publish(events.EventAgentConnected, a, "agent online")
	}
	return nil
}

// Metrics is the resource snapshot attached to status and keepalive frames.
type Metrics struct {
	CPUUsage    float64
	MemoryUsage float64
	Uptime      int64
}

// Touch refreshes last_seen without changing status.
func (r *Registry) Touch(agentID string, ts int64, metrics *Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if ts > a.LastSeen {
		a.LastSeen = ts
	}
	if metrics != nil {
		a.CPUUsage = metrics.CPUUsage
		a.MemoryUsage = metrics.MemoryUsage
		a.Uptime = metrics.Uptime
	}
	return r.persistLocked(a)
}

// MarkOnline flips an agent to ONLINE when its stream attaches.
func (r *Registry) MarkOnline(agentID string) error {
	return r.UpdateStatus(agentID, StatusOnline, r.clk.Now().Unix(), nil)
}

// MarkOffline flips an agent to OFFLINE. Idempotent: marking an agent that
// is already offline is a no-op.
func (r *Registry) MarkOffline(agentID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	if a.Status == StatusOffline {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return r.UpdateStatus(agentID, StatusOffline, r.clk.Now().Unix(), nil)
}

// SetIOCVersion records the IOC version an agent has confirmed.
func (r *Registry) SetIOCVersion(agentID string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	a.IOCVersion = version
	return r.persistLocked(a)
}

// IOCVersion returns the agent's last confirmed IOC version.
func (r *Registry) IOCVersion(agentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	return a.IOCVersion, nil
}

// RecordMatch stores the latest IOC match summary on the agent record.
func (r *Registry) RecordMatch(agentID string, m MatchSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	}
	a.LastIOCMatch = &m
	return r.persistLocked(a)
}

// FindByHostname returns agents whose hostname matches. Exact matches win;
// with none, a case-insensitive substring search is used.
func (r *Registry) FindByHostname(hostname string) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var exact, partial []*Agent
	needle := strings.ToLower(hostname)
	for _, a := range r.agents {
		switch {
		case a.Hostname == hostname:
			exact = append(exact, cloned(a))
		case strings.Contains(strings.ToLower(a.Hostname), needle):
			partial = append(partial, cloned(a))
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return partial
}

// FindByIP returns agents registered with the given IP address.
func (r *Registry) FindByIP(ip string) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.IPAddress == ip {
			out = append(out, cloned(a))
		}
	}
	return out
}

// ForceSave flushes the backing collection.
func (r *Registry) ForceSave() error {
	return r.store.ForceSave()
}

func (r *Registry) persistLocked(a *Agent) error {
	return r.store.Put(a.AgentID, a)
}

func (r *Registry) publish(typ events.EventType, a *Agent, msg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:      typ,
		AgentID:   a.AgentID,
		Hostname:  a.Hostname,
		Message:   msg,
		Timestamp: r.clk.Now(),
	})
}

func cloned(a *Agent) *Agent {
	cp := *a
	if a.LastIOCMatch != nil {
		m := *a.LastIOCMatch
		cp.LastIOCMatch = &m
	}
	return &cp
}
