// Package api exposes the control-plane HTTP surface: agent RPCs, the
// stream upgrade endpoint, IOC administration, and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil-edr/vigil/internal/broker"
	"github.com/vigil-edr/vigil/internal/clock"
	"github.com/vigil-edr/vigil/internal/command"
	"github.com/vigil-edr/vigil/internal/events"
	"github.com/vigil-edr/vigil/internal/ioc"
	"github.com/vigil-edr/vigil/internal/metrics"
	"github.com/vigil-edr/vigil/internal/protocol"
	"github.com/vigil-edr/vigil/internal/registry"
	"github.com/vigil-edr/vigil/internal/storage"
)

// Dependencies wires the API to the rest of the control plane.
type Dependencies struct {
	Registry  *registry.Registry
	Broker    *broker.Broker
	Queue     *command.Queue
	Results   *command.Results
	Matches   *storage.Collection
	IOCs      *ioc.Store
	Publisher *ioc.Publisher
	Audit     *storage.AuditLog
	Bus       *events.Bus
	Clock     clock.Clock
	Log       *slog.Logger

	// CommandWindow is how recently an agent must have been seen for a
	// non-IOC command to be accepted.
	CommandWindow time.Duration
}

// Server is the HTTP front of the control plane.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
	log  *slog.Logger

	httpServer *http.Server
	tlsCert    string
	tlsKey     string
	tlsCA      string
}

// NewServer builds the server and registers all routes.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		log:  deps.Log.With("component", "api"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.Handle("GET /v1/stream", s.deps.Broker)

	s.mux.HandleFunc("POST /v1/agents/register", s.handleRegister)
	s.mux.HandleFunc("POST /v1/agents/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	s.mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)

	s.mux.HandleFunc("POST /v1/commands", s.handleSendCommand)
	s.mux.HandleFunc("GET /v1/commands/{id}", s.handleGetCommand)

	s.mux.HandleFunc("POST /v1/ioc-matches", s.handleReportMatch)
	s.mux.HandleFunc("GET /v1/ioc-matches", s.handleListMatches)

	s.mux.HandleFunc("GET /v1/iocs", s.handleExportIOCs)
	s.mux.HandleFunc("POST /v1/iocs", s.handleAddIOC)
	s.mux.HandleFunc("DELETE /v1/iocs", s.handleRemoveIOC)
	s.mux.HandleFunc("GET /v1/iocs/version", s.handleIOCVersion)
	s.mux.HandleFunc("POST /v1/iocs/commit", s.handleCommitIOCs)
	s.mux.HandleFunc("POST /v1/iocs/publish", s.handlePublishIOCs)
	s.mux.HandleFunc("POST /v1/iocs/import", s.handleImportIOCs)

	s.mux.HandleFunc("GET /v1/audit/commands", s.handleAuditCommands)
	s.mux.HandleFunc("GET /v1/audit/iocs", s.handleAuditIOCs)

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// --- agent lifecycle ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agent, err := s.deps.Registry.Register(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var su protocol.StatusUpdate
	if err := decodeBody(r, &su); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if su.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	status := su.Status
	if status == "" {
		status = registry.StatusOnline
	}
	var m *registry.Metrics
	if su.SystemMetrics != nil {
		m = &registry.Metrics{
			CPUUsage:    su.SystemMetrics.CPUUsage,
			MemoryUsage: su.SystemMetrics.MemoryUsage,
			Uptime:      su.SystemMetrics.Uptime,
		}
	}
	if err := s.deps.Registry.UpdateStatus(su.AgentID, status, su.Timestamp, m); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if hostname := r.URL.Query().Get("hostname"); hostname != "" {
		writeJSON(w, http.StatusOK, s.deps.Registry.FindByHostname(hostname))
		return
	}
	if ip := r.URL.Query().Get("ip"); ip != "" {
		writeJSON(w, http.StatusOK, s.deps.Registry.FindByIP(ip))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Registry.All())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// --- commands ---

// sendCommandRequest is the operator-facing dispatch body.
type sendCommandRequest struct {
	AgentID        string               `json:"agent_id"`
	Type           protocol.CommandType `json:"type"`
	Params         map[string]string    `json:"params,omitempty"`
	Priority       int                  `json:"priority,omitempty"`
	TimeoutSeconds int                  `json:"timeout_seconds,omitempty"`
}

// handleSendCommand queues a command for an agent. The call is
// fire-and-forget: it reports acceptance, not execution. Non-IOC commands
// are rejected when the agent has no active stream or has been silent
// beyond the command window; UPDATE_IOCS only needs the agent online.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if err := command.ValidateParams(req.Type, req.Params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, err := s.deps.Registry.Get(req.AgentID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	now := s.deps.Clock.Now().Unix()
	if req.Type == protocol.CmdUpdateIOCs {
		if agent.Status != registry.StatusOnline {
			writeError(w, http.StatusConflict, "agent is not online")
			return
		}
	} else {
		if now-agent.LastSeen >= int64(s.deps.CommandWindow.Seconds()) {
			writeError(w, http.StatusConflict, "agent has not been seen recently")
			return
		}
		if !s.deps.Broker.IsConnected(req.AgentID) {
			writeError(w, http.StatusConflict, "agent has no active stream")
			return
		}
	}

	cmd := &protocol.Command{
		CommandID:      uuid.NewString(),
		AgentID:        req.AgentID,
		Timestamp:      now,
		Type:           req.Type,
		Params:         req.Params,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	if err := s.deps.Queue.Enqueue(cmd); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.CommandsDispatched.WithLabelValues(cmd.Type.String()).Inc()

	if s.deps.Audit != nil {
		if err := s.deps.Audit.RecordCommand(storage.AuditEntry{
			Actor:     r.RemoteAddr,
			AgentID:   req.AgentID,
			Action:    cmd.Type.String(),
			CommandID: cmd.CommandID,
		}); err != nil {
			s.log.Error("command audit write failed", "error", err)
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"command_id": cmd.CommandID,
		"queued":     true,
	})
}

// handleGetCommand reports a command's outcome when its result has
// arrived, or its queue position otherwise.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	res, ok, err := s.deps.Results.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ok {
		writeJSON(w, http.StatusOK, map[string]any{"state": "completed", "result": res})
		return
	}
	if cmd, ok := s.deps.Queue.Get(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"state": "queued", "command": cmd})
		return
	}
	writeError(w, http.StatusNotFound, "unknown command id")
}

// --- IOC matches ---

func (s *Server) handleReportMatch(w http.ResponseWriter, r *http.Request) {
	var report protocol.IOCMatchReport
	if err := decodeBody(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if report.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if report.ReportID == "" {
		report.ReportID = uuid.NewString()
	}

	if err := s.deps.Matches.Put(report.ReportID, &report); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.deps.Registry.RecordMatch(report.AgentID, registry.MatchSummary{
		ReportID:  report.ReportID,
		Type:      string(report.Type),
		IOCValue:  report.IOCValue,
		Severity:  report.Severity,
		Timestamp: report.Timestamp,
	}); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.log.Warn("match summary update failed", "agent_id", report.AgentID, "error", err)
	}

	metrics.IOCMatches.WithLabelValues(string(report.Type)).Inc()
	s.deps.Bus.Publish(events.Event{
		Type:      events.EventIOCMatch,
		AgentID:   report.AgentID,
		Severity:  report.Severity,
		Message:   report.IOCValue,
		Timestamp: s.deps.Clock.Now(),
	})

	writeJSON(w, http.StatusOK, protocol.IOCMatchAck{ReportID: report.ReportID, Received: true})
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	raw := s.deps.Matches.All()
	out := make([]*protocol.IOCMatchReport, 0, len(raw))
	for id, data := range raw {
		var m protocol.IOCMatchReport
		if err := json.Unmarshal(data, &m); err != nil {
			s.log.Warn("skipping unreadable match", "report_id", id, "error", err)
			continue
		}
		out = append(out, &m)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- IOC administration ---

type iocRequest struct {
	Kind        string `json:"kind"` // ip, hash, url
	Value       string `json:"value"`
	HashType    string `json:"hash_type,omitempty"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

func (s *Server) handleAddIOC(w http.ResponseWriter, r *http.Request) {
	var req iocRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	switch req.Kind {
	case "ip":
		err = s.deps.IOCs.AddIP(req.Value, req.Description, req.Severity)
	case "hash":
		err = s.deps.IOCs.AddHash(req.Value, req.HashType, req.Description, req.Severity)
	case "url":
		err = s.deps.IOCs.AddURL(req.Value, req.Description, req.Severity)
	default:
		writeError(w, http.StatusBadRequest, "kind must be ip, hash, or url")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.auditIOC(r, "add_"+req.Kind, req.Value)
	writeJSON(w, http.StatusOK, map[string]any{"added": true, "pending_commit": true})
}

func (s *Server) handleRemoveIOC(w http.ResponseWriter, r *http.Request) {
	var req iocRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := s.deps.IOCs.Remove(req.Kind, req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "indicator not found")
		return
	}
	s.auditIOC(r, "remove_"+req.Kind, req.Value)
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleIOCVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.deps.IOCs.Version(),
		"hash":       s.deps.IOCs.Hash(),
		"indicators": s.deps.IOCs.Count(),
	})
}

func (s *Server) handleCommitIOCs(w http.ResponseWriter, r *http.Request) {
	version, err := s.deps.IOCs.CommitVersion()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.IOCVersion.Set(float64(version))
	s.auditIOC(r, "commit", "")
	writeJSON(w, http.StatusOK, map[string]int{"version": version})
}

// handlePublishIOCs commits pending edits and pushes the new version to
// every online agent.
func (s *Server) handlePublishIOCs(w http.ResponseWriter, r *http.Request) {
	version, err := s.deps.IOCs.CommitVersion()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	succeeded, online := s.deps.Publisher.Publish(r.Context())

	metrics.IOCVersion.Set(float64(version))
	s.deps.Bus.Publish(events.Event{
		Type:      events.EventIOCPublished,
		Message:   "ioc update pushed to fleet",
		Timestamp: s.deps.Clock.Now(),
	})
	s.auditIOC(r, "publish", "")

	writeJSON(w, http.StatusOK, map[string]int{
		"version":   version,
		"succeeded": succeeded,
		"online":    online,
	})
}

func (s *Server) handleImportIOCs(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.IOCs.Import(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.auditIOC(r, "import", "")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportIOCs(w http.ResponseWriter, _ *http.Request) {
	data, err := s.deps.IOCs.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) auditIOC(r *http.Request, action, detail string) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.RecordIOC(storage.AuditEntry{
		Actor:  r.RemoteAddr,
		Action: action,
		Detail: detail,
	}); err != nil {
		s.log.Error("ioc audit write failed", "error", err)
	}
}

// --- audit and ops ---

func (s *Server) handleAuditCommands(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSON(w, http.StatusOK, []storage.AuditEntry{})
		return
	}
	entries, err := s.deps.Audit.ListCommands(100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditIOCs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSON(w, http.StatusOK, []storage.AuditEntry{})
		return
	}
	entries, err := s.deps.Audit.ListIOC(100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"agents":      len(s.deps.Registry.All()),
		"connected":   s.deps.Broker.ConnectedCount(),
		"ioc_version": s.deps.IOCs.Version(),
	})
}

// --- helpers ---

func decodeBody(r *http.Request, target any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(target)
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
