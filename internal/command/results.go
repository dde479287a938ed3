package command

import (
	"log/slog"
	"strings"

	"github.com/vigil-edr/vigil/internal/protocol"
	"github.com/vigil-edr/vigil/internal/storage"
)

// Messages agents use to answer an UPDATE_IOCS refresh. Results carrying
// either marker are bookkeeping, not command outcomes, and are never
// persisted.
const (
	msgIOCUpdateAvailable = "IOC update available"
	msgNoIOCUpdate        = "No IOC update available"
)

// IsIOCResult reports whether a result belongs to the IOC refresh protocol
// rather than a real command: either its message carries one of the IOC
// markers, or the queued command it answers is UPDATE_IOCS.
func IsIOCResult(res *protocol.CommandResult, queuedType protocol.CommandType, queued bool) bool {
	if strings.Contains(res.Message, msgIOCUpdateAvailable) || strings.Contains(res.Message, msgNoIOCUpdate) {
		return true
	}
	return queued && queuedType == protocol.CmdUpdateIOCs
}

// ConfirmsIOCUpdate reports whether a successful result means the agent
// accepted a new IOC snapshot, so its confirmed version can be advanced.
func ConfirmsIOCUpdate(res *protocol.CommandResult) bool {
	return res.Success && strings.Contains(res.Message, msgIOCUpdateAvailable)
}

// Results persists command outcomes keyed by command ID.
type Results struct {
	store *storage.Collection
	log   *slog.Logger
}

// NewResults wraps the command-results collection.
func NewResults(store *storage.Collection, log *slog.Logger) *Results {
	return &Results{store: store, log: log.With("component", "command-results")}
}

// Record stores a command result. IOC bookkeeping results are the caller's
// responsibility to filter out before calling.
func (r *Results) Record(res *protocol.CommandResult) error {
	if err := r.store.Put(res.CommandID, res); err != nil {
		return err
	}
	r.log.Info("command result stored",
		"command_id", res.CommandID, "agent_id", res.AgentID, "success", res.Success)
	return nil
}

// Get returns a stored result by command ID.
func (r *Results) Get(commandID string) (*protocol.CommandResult, bool, error) {
	var res protocol.CommandResult
	ok, err := r.store.GetAs(commandID, &res)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &res, true, nil
}

// All returns every stored result.
func (r *Results) All() ([]*protocol.CommandResult, error) {
	raw := r.store.All()
	out := make([]*protocol.CommandResult, 0, len(raw))
	for id := range raw {
		var res protocol.CommandResult
		ok, err := r.store.GetAs(id, &res)
		if err != nil || !ok {
			r.log.Warn("skipping unreadable result", "command_id", id, "error", err)
			continue
		}
		out = append(out, &res)
	}
	return out, nil
}

// Prune removes results older than cutoff (epoch seconds) and returns how
// many were dropped. Used by the retention sweep.
func (r *Results) Prune(cutoff int64) (int, error) {
	removed := 0
	for id := range r.store.All() {
		var res protocol.CommandResult
		ok, err := r.store.GetAs(id, &res)
		if err != nil || !ok {
			continue
		}
		if res.ExecutionTime > 0 && res.ExecutionTime < cutoff {
			if err := r.store.Delete(id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
