// Package protocol defines the frame types exchanged between the control
// plane and its agents. A connection carries a sequence of Frame envelopes
// in both directions; the payload is a discriminated union selected by the
// frame's message type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the Frame payload.
type MessageType string

const (
	TypeAgentHello    MessageType = "AGENT_HELLO"
	TypeAgentStatus   MessageType = "AGENT_STATUS"
	TypeAgentRunning  MessageType = "AGENT_RUNNING"
	TypeAgentShutdown MessageType = "AGENT_SHUTDOWN"
	TypeServerCommand MessageType = "SERVER_COMMAND"
	TypeCommandResult MessageType = "COMMAND_RESULT"
	TypeIOCData       MessageType = "IOC_DATA"
	TypeIOCMatch      MessageType = "IOC_MATCH"
	TypeIOCMatchAck   MessageType = "IOC_MATCH_ACK"
	TypePing          MessageType = "PING"
)

// Frame is the envelope for every stream message.
type Frame struct {
	AgentID   string          `json:"agent_id"`
	Timestamp int64           `json:"timestamp"` // epoch seconds
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame creates a frame with the payload marshalled in place.
func NewFrame(agentID string, ts int64, msgType MessageType, payload any) (*Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = data
	}
	return &Frame{AgentID: agentID, Timestamp: ts, Type: msgType, Payload: raw}, nil
}

// ParsePayload unmarshals the frame payload into target.
func (f *Frame) ParsePayload(target any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	return json.Unmarshal(f.Payload, target)
}

// CommandType identifies the action an agent should perform.
// The integer discriminants are fixed by the wire contract with deployed
// agents and must not be renumbered.
type CommandType int32

const (
	CmdUnknown         CommandType = 0
	CmdDeleteFile      CommandType = 1
	CmdKillProcess     CommandType = 2
	CmdKillProcessTree CommandType = 3
	CmdBlockIP         CommandType = 4
	CmdBlockURL        CommandType = 5
	CmdNetworkIsolate  CommandType = 6
	CmdNetworkRestore  CommandType = 7
	CmdUpdateIOCs      CommandType = 8
)

var commandTypeNames = map[CommandType]string{
	CmdUnknown:         "UNKNOWN",
	CmdDeleteFile:      "DELETE_FILE",
	CmdKillProcess:     "KILL_PROCESS",
	CmdKillProcessTree: "KILL_PROCESS_TREE",
	CmdBlockIP:         "BLOCK_IP",
	CmdBlockURL:        "BLOCK_URL",
	CmdNetworkIsolate:  "NETWORK_ISOLATE",
	CmdNetworkRestore:  "NETWORK_RESTORE",
	CmdUpdateIOCs:      "UPDATE_IOCS",
}

var commandTypeValues = func() map[string]CommandType {
	m := make(map[string]CommandType, len(commandTypeNames))
	for v, n := range commandTypeNames {
		m[n] = v
	}
	return m
}()

// String returns the wire name of the command type.
func (t CommandType) String() string {
	if n, ok := commandTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("CommandType(%d)", int32(t))
}

// ParseCommandType maps a wire name back to its command type.
// Unknown names are rejected rather than mapped to CmdUnknown so that the
// RPC boundary can distinguish "bad input" from an explicit UNKNOWN.
func ParseCommandType(name string) (CommandType, error) {
	if v, ok := commandTypeValues[name]; ok {
		return v, nil
	}
	return CmdUnknown, fmt.Errorf("unknown command type %q", name)
}

// MarshalJSON encodes the command type as its wire name.
func (t CommandType) MarshalJSON() ([]byte, error) {
	n, ok := commandTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("cannot marshal command type %d", int32(t))
	}
	return json.Marshal(n)
}

// UnmarshalJSON accepts the wire name or the integer discriminant.
func (t *CommandType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		v, perr := ParseCommandType(name)
		if perr != nil {
			return perr
		}
		*t = v
		return nil
	}
	var num int32
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("command type must be a name or integer: %s", data)
	}
	if _, ok := commandTypeNames[CommandType(num)]; !ok {
		return fmt.Errorf("unknown command type %d", num)
	}
	*t = CommandType(num)
	return nil
}

// IOCType identifies the indicator kind in a match report.
type IOCType string

const (
	IOCTypeIP   IOCType = "IP"
	IOCTypeHash IOCType = "HASH"
	IOCTypeURL  IOCType = "URL"
)

// SystemMetrics is the optional resource snapshot agents attach to status
// and running frames. Most-recent-wins on the server side.
type SystemMetrics struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	Uptime      int64   `json:"uptime"`
}

// AgentHello opens a stream and identifies the agent.
type AgentHello struct {
	AgentID   string `json:"agent_id"`
	Timestamp int64  `json:"timestamp"`
}

// StatusUpdate carries an explicit status transition from the agent.
type StatusUpdate struct {
	AgentID       string         `json:"agent_id"`
	Timestamp     int64          `json:"timestamp"`
	Status        string         `json:"status"`
	SystemMetrics *SystemMetrics `json:"system_metrics,omitempty"`
}

// RunningSignal is a keepalive; it refreshes last_seen without touching the
// agent's status.
type RunningSignal struct {
	AgentID       string         `json:"agent_id"`
	Timestamp     int64          `json:"timestamp"`
	SystemMetrics *SystemMetrics `json:"system_metrics,omitempty"`
}

// ShutdownSignal announces a clean agent shutdown.
type ShutdownSignal struct {
	AgentID   string `json:"agent_id"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// Command is a work order addressed to one agent.
type Command struct {
	CommandID      string            `json:"command_id"`
	AgentID        string            `json:"agent_id"`
	Timestamp      int64             `json:"timestamp"`
	Type           CommandType       `json:"type"`
	Params         map[string]string `json:"params,omitempty"`
	Priority       int               `json:"priority"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// CommandResult reports the outcome of one command on one agent.
type CommandResult struct {
	CommandID     string `json:"command_id"`
	AgentID       string `json:"agent_id"`
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	ExecutionTime int64  `json:"execution_time"`
	DurationMS    int64  `json:"duration_ms"`
}

// IOCData describes a single indicator in an IOCResponse.
type IOCData struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity"`
	HashType    string `json:"hash_type,omitempty"`
}

// IOCResponse carries a full threat-intel snapshot to an agent. It is
// emitted immediately after an UPDATE_IOCS command on the same stream.
type IOCResponse struct {
	UpdateAvailable bool               `json:"update_available"`
	Version         int                `json:"version"`
	Timestamp       int64              `json:"timestamp"`
	IPAddresses     map[string]IOCData `json:"ip_addresses"`
	FileHashes      map[string]IOCData `json:"file_hashes"`
	URLs            map[string]IOCData `json:"urls"`
}

// IOCMatchReport is an agent's report that it observed an indicator.
type IOCMatchReport struct {
	ReportID      string      `json:"report_id"`
	AgentID       string      `json:"agent_id"`
	Timestamp     int64       `json:"timestamp"`
	Type          IOCType     `json:"type"`
	IOCValue      string      `json:"ioc_value"`
	MatchedValue  string      `json:"matched_value"`
	Context       string      `json:"context,omitempty"`
	Severity      string      `json:"severity"`
	ActionTaken   CommandType `json:"action_taken"`
	ActionSuccess bool        `json:"action_success"`
	ActionMessage string      `json:"action_message,omitempty"`
}

// IOCMatchAck acknowledges receipt of a match report.
type IOCMatchAck struct {
	ReportID string `json:"report_id"`
	Received bool   `json:"received"`
	Message  string `json:"message,omitempty"`
}

// Ping is an empty heartbeat in either direction.
type Ping struct {
	AgentID   string `json:"agent_id"`
	Timestamp int64  `json:"timestamp"`
}
