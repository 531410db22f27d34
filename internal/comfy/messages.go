package comfy

import (
	"encoding/json"
	"fmt"
)

// Message is one decoded event from the server's websocket. Concrete types
// are the variants below; PromptID is empty for process-wide messages such
// as Status.
type Message interface {
	PromptID() string
	Kind() string
}

// Status reports the server queue size. It is not tied to a prompt.
type Status struct {
	QueueRemaining int
	SessionID      string
}

// ExecutionStart marks a prompt leaving the queue.
type ExecutionStart struct {
	Prompt string
}

// ExecutionCached lists nodes whose outputs were reused.
type ExecutionCached struct {
	Prompt string
	Nodes  []string
}

// Executing names the node currently running. A nil Node means the prompt
// finished.
type Executing struct {
	Prompt string
	Node   *string
}

// Done reports the canonical completion signal.
func (m Executing) Done() bool { return m.Node == nil }

// Progress reports sampler steps for a node.
type Progress struct {
	Prompt string
	Node   string
	Value  int
	Max    int
}

// Fraction returns Value/Max clamped to [0, 1].
func (m Progress) Fraction() float64 {
	if m.Max <= 0 {
		return 0
	}
	f := float64(m.Value) / float64(m.Max)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Executed carries the outputs of one finished node.
type Executed struct {
	Prompt string
	Node   string
	Output NodeOutput
}

// ExecutionSuccess is sent by newer servers after the last node.
type ExecutionSuccess struct {
	Prompt string
}

// ExecutionError reports a failed prompt.
type ExecutionError struct {
	Prompt           string
	NodeID           string
	NodeType         string
	ExceptionType    string
	ExceptionMessage string
}

// ExecutionInterrupted reports a prompt stopped by an interrupt.
type ExecutionInterrupted struct {
	Prompt string
	NodeID string
}

// Unknown keeps message types this client does not model.
type Unknown struct {
	Type   string
	Prompt string
	Raw    json.RawMessage
}

func (Status) PromptID() string                 { return "" }
func (m ExecutionStart) PromptID() string       { return m.Prompt }
func (m ExecutionCached) PromptID() string      { return m.Prompt }
func (m Executing) PromptID() string            { return m.Prompt }
func (m Progress) PromptID() string             { return m.Prompt }
func (m Executed) PromptID() string             { return m.Prompt }
func (m ExecutionSuccess) PromptID() string     { return m.Prompt }
func (m ExecutionError) PromptID() string       { return m.Prompt }
func (m ExecutionInterrupted) PromptID() string { return m.Prompt }
func (m Unknown) PromptID() string              { return m.Prompt }

func (Status) Kind() string               { return "status" }
func (ExecutionStart) Kind() string       { return "execution_start" }
func (ExecutionCached) Kind() string      { return "execution_cached" }
func (Executing) Kind() string            { return "executing" }
func (Progress) Kind() string             { return "progress" }
func (Executed) Kind() string             { return "executed" }
func (ExecutionSuccess) Kind() string     { return "execution_success" }
func (ExecutionError) Kind() string       { return "execution_error" }
func (ExecutionInterrupted) Kind() string { return "execution_interrupted" }
func (m Unknown) Kind() string            { return m.Type }

// Err converts the message into the domain error type.
func (m ExecutionError) Err() error {
	return remoteError(m.Prompt, m.NodeID, m.NodeType, m.ExceptionType, m.ExceptionMessage)
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type messageData struct {
	PromptID         string          `json:"prompt_id"`
	Node             *string         `json:"node"`
	NodeID           string          `json:"node_id"`
	NodeType         string          `json:"node_type"`
	Nodes            json.RawMessage `json:"nodes"`
	Value            int             `json:"value"`
	Max              int             `json:"max"`
	Output           NodeOutput      `json:"output"`
	ExceptionType    string          `json:"exception_type"`
	ExceptionMessage string          `json:"exception_message"`
	SID              string          `json:"sid"`
	Status           json.RawMessage `json:"status"`
}

type statusData struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// DecodeMessage parses one text frame into its variant.
func DecodeMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("comfy: decode message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("comfy: decode message: missing type")
	}
	var data messageData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("comfy: decode %s data: %w", env.Type, err)
		}
	}

	switch env.Type {
	case "status":
		msg := Status{SessionID: data.SID}
		if len(data.Status) > 0 {
			var st statusData
			if err := json.Unmarshal(data.Status, &st); err == nil {
				msg.QueueRemaining = st.ExecInfo.QueueRemaining
			}
		}
		return msg, nil
	case "execution_start":
		return ExecutionStart{Prompt: data.PromptID}, nil
	case "execution_cached":
		var nodes []string
		if len(data.Nodes) > 0 {
			if err := json.Unmarshal(data.Nodes, &nodes); err != nil {
				return nil, fmt.Errorf("comfy: decode execution_cached nodes: %w", err)
			}
		}
		return ExecutionCached{Prompt: data.PromptID, Nodes: nodes}, nil
	case "executing":
		return Executing{Prompt: data.PromptID, Node: data.Node}, nil
	case "progress":
		return Progress{Prompt: data.PromptID, Node: deref(data.Node), Value: data.Value, Max: data.Max}, nil
	case "executed":
		return Executed{Prompt: data.PromptID, Node: deref(data.Node), Output: data.Output}, nil
	case "execution_success":
		return ExecutionSuccess{Prompt: data.PromptID}, nil
	case "execution_error":
		return ExecutionError{
			Prompt:           data.PromptID,
			NodeID:           data.NodeID,
			NodeType:         data.NodeType,
			ExceptionType:    data.ExceptionType,
			ExceptionMessage: data.ExceptionMessage,
		}, nil
	case "execution_interrupted":
		return ExecutionInterrupted{Prompt: data.PromptID, NodeID: data.NodeID}, nil
	default:
		return Unknown{Type: env.Type, Prompt: data.PromptID, Raw: env.Data}, nil
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
