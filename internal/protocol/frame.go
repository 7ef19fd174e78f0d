// Package protocol defines the JSON frames exchanged between agents and the
// server. Every frame is a JSON object whose "type" field selects the kind.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/fleet"
)

type Type string

const (
	TypeRegister         Type = "register"
	TypeRegistered       Type = "registered"
	TypeHeartbeat        Type = "heartbeat"
	TypeCommand          Type = "command"
	TypeCommandResult    Type = "command_result"
	TypeUpdateRequest    Type = "update_request"
	TypeUpdateStatus     Type = "update_status"
	TypeUninstallRequest Type = "uninstall_request"
	TypeAgentLog         Type = "agent_log"
)

var (
	ErrUnknownType = errors.New("unknown frame type")
	ErrMalformed   = errors.New("malformed frame")
)

// Frame is implemented only by the frame types of this package.
type Frame interface {
	Type() Type
	frame()
}

// Inbound is a frame sent by an agent to the server.
type Inbound interface {
	Frame
	Accept(h InboundHandler) error
}

// InboundHandler has one method per agent-to-server frame kind. Adding a kind
// adds a method here, so every handler must be updated to compile.
type InboundHandler interface {
	HandleRegister(Register) error
	HandleHeartbeat(Heartbeat) error
	HandleCommandResult(CommandResult) error
	HandleUpdateStatus(UpdateStatus) error
	HandleAgentLog(AgentLog) error
}

type Register struct {
	Hostname     string         `json:"hostname"`
	Platform     string         `json:"platform"`
	SystemInfo   map[string]any `json:"system_info,omitempty"`
	AgentVersion string         `json:"agent_version,omitempty"`

	// LegacyAgentVersion carries the camelCase key older agents send.
	LegacyAgentVersion string `json:"agentVersion,omitempty"`
}

// DeclaredVersion returns the version the agent announced, or
// fleet.UnknownVersion when it did not announce a usable one.
func (r Register) DeclaredVersion() string {
	v := r.AgentVersion
	if v == "" {
		v = r.LegacyAgentVersion
	}
	if v == "" || strings.EqualFold(v, fleet.UnknownVersion) {
		return fleet.UnknownVersion
	}
	return v
}

type Registered struct {
	ID string `json:"id"`
}

type Heartbeat struct {
	Hostname string        `json:"hostname,omitempty"`
	Metrics  fleet.Metrics `json:"metrics"`
}

type Command struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

type CommandResult struct {
	ID       string              `json:"id"`
	Hostname string              `json:"hostname"`
	Result   fleet.CommandResult `json:"result"`
}

type UpdateRequest struct{}

type UpdateStatus struct {
	Hostname string `json:"hostname"`
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Error    string `json:"error,omitempty"`
}

type UninstallRequest struct{}

type AgentLog struct {
	Hostname string `json:"hostname"`
	Message  string `json:"message"`
}

func (Register) Type() Type         { return TypeRegister }
func (Registered) Type() Type       { return TypeRegistered }
func (Heartbeat) Type() Type        { return TypeHeartbeat }
func (Command) Type() Type          { return TypeCommand }
func (CommandResult) Type() Type    { return TypeCommandResult }
func (UpdateRequest) Type() Type    { return TypeUpdateRequest }
func (UpdateStatus) Type() Type     { return TypeUpdateStatus }
func (UninstallRequest) Type() Type { return TypeUninstallRequest }
func (AgentLog) Type() Type         { return TypeAgentLog }

func (Register) frame()         {}
func (Registered) frame()       {}
func (Heartbeat) frame()        {}
func (Command) frame()          {}
func (CommandResult) frame()    {}
func (UpdateRequest) frame()    {}
func (UpdateStatus) frame()     {}
func (UninstallRequest) frame() {}
func (AgentLog) frame()         {}

func (f Register) Accept(h InboundHandler) error      { return h.HandleRegister(f) }
func (f Heartbeat) Accept(h InboundHandler) error     { return h.HandleHeartbeat(f) }
func (f CommandResult) Accept(h InboundHandler) error { return h.HandleCommandResult(f) }
func (f UpdateStatus) Accept(h InboundHandler) error  { return h.HandleUpdateStatus(f) }
func (f AgentLog) Accept(h InboundHandler) error      { return h.HandleAgentLog(f) }

type envelope struct {
	Type Type `json:"type"`
}

// Encode renders f as a JSON object with its "type" field first.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type(), err)
	}
	head, err := json.Marshal(envelope{Type: f.Type()})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type(), err)
	}
	if len(body) <= 2 {
		return head, nil
	}
	// splice {"type":"x"} and {"a":1} into {"type":"x","a":1}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses a frame of any known kind.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeRegister:
		return decodeAs[Register](data)
	case TypeRegistered:
		return decodeAs[Registered](data)
	case TypeHeartbeat:
		return decodeAs[Heartbeat](data)
	case TypeCommand:
		return decodeAs[Command](data)
	case TypeCommandResult:
		return decodeAs[CommandResult](data)
	case TypeUpdateRequest:
		return UpdateRequest{}, nil
	case TypeUpdateStatus:
		return decodeAs[UpdateStatus](data)
	case TypeUninstallRequest:
		return UninstallRequest{}, nil
	case TypeAgentLog:
		return decodeAs[AgentLog](data)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeAs[T Frame](data []byte) (Frame, error) {
	var f T
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, f.Type(), err)
	}
	return f, nil
}
