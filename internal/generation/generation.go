// Package generation defines the contract of the external generation service.
//
// A Generator turns a conversation into a Stream of events: visible text,
// reasoning text, tool calls and, last, a Done event carrying the usage the
// service reports. Consumers read the stream until io.EOF and may stop early
// by closing it.
package generation

import "context"

// Role is the author of a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Attachment is inline binary content of a user turn.
type Attachment struct {
	ContentType string
	Data        []byte
}

// ToolCall is a request by the model to run a tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	CallID  string         `json:"call_id"`
	Name    string         `json:"name"`
	Output  map[string]any `json:"output,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// Turn is one message of the conversation sent to the model.
type Turn struct {
	Role        Role
	Text        string
	Attachments []Attachment
	Calls       []ToolCall
	Results     []ToolResult
}

// ToolSpec advertises a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

// Request is one generation step.
type Request struct {
	// UnitID identifies the unit of work for logging and tracing.
	UnitID string
	Model  string
	System string
	Turns  []Turn
	Tools  []ToolSpec
}

// Usage is the token accounting reported by the service.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
}

// Billable returns output and reasoning tokens together; both are billed at
// the output rate.
func (u Usage) Billable() (in, out int64) {
	return u.InputTokens, u.OutputTokens + u.ReasoningTokens
}

// EventKind discriminates Event.
type EventKind int

const (
	EventText EventKind = iota
	EventReasoning
	EventToolCall
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventReasoning:
		return "reasoning"
	case EventToolCall:
		return "tool_call"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one element of a Stream.
type Event struct {
	Kind EventKind
	// Text is set for EventText and EventReasoning.
	Text string
	// Call is set for EventToolCall.
	Call *ToolCall
	// Usage is set for EventDone.
	Usage *Usage
}

// Stream yields events. Next returns io.EOF after the Done event. Close
// abandons the stream and may be called at any time, more than once.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Generator starts generation steps.
type Generator interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}
