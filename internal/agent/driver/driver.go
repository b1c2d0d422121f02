// Package driver defines the narrow interface the agent/event bridge (§4.2) consumes, and
// the turn-shaped event vocabulary every concrete driver (acp, copilot, pty) must emit.
// This is the "agent driver" the top-level spec calls out as an external collaborator: the
// core never imports a specific driver package, only this one.
package driver

import "context"

// EventKind enumerates the driver's turn model:
//
//	turn_start -> message_start -> (message_update)* -> message_end ->
//	  (tool_execution_start -> tool_execution_update* -> tool_execution_end)? -> turn_end
//
// ... finally agent_end, carrying the final message list.
type EventKind string

const (
	EventTurnStart          EventKind = "turn_start"
	EventMessageStart        EventKind = "message_start"
	EventMessageUpdate       EventKind = "message_update"
	EventMessageEnd          EventKind = "message_end"
	EventToolExecutionStart  EventKind = "tool_execution_start"
	EventToolExecutionUpdate EventKind = "tool_execution_update"
	EventToolExecutionEnd    EventKind = "tool_execution_end"
	EventTurnEnd             EventKind = "turn_end"
	EventAgentStart          EventKind = "agent_start"
	EventAgentEnd            EventKind = "agent_end"
)

// MessagePartKind distinguishes the parts of an assistant content array (§3).
type MessagePartKind string

const (
	PartText     MessagePartKind = "text"
	PartThinking MessagePartKind = "thinking"
	PartToolCall MessagePartKind = "toolCall"
)

// MessagePart is one element of an assistant message's content array.
type MessagePart struct {
	Kind MessagePartKind
	Text string // set for PartText / PartThinking

	// set for PartToolCall
	ToolCallID   string
	ToolName     string
	ToolArgsJSON string
}

// Role tags an AgentMessage entry.
type Role string

const (
	RoleAssistant   Role = "assistant"
	RoleToolResult  Role = "toolResult"
	RoleUser        Role = "user"
)

// Message is one entry in a driven conversation's log (§3's "Agent message").
type Message struct {
	Role    Role
	Content []MessagePart // for RoleAssistant

	// for RoleToolResult
	ToolCallID string
	ResultText string
	IsError    bool
}

// Event is one item in the driver's turn-shaped stream.
type Event struct {
	Kind EventKind

	// message_start / message_update / message_end
	TextDelta string
	IsThinkingDelta bool

	// tool_execution_*
	ToolCallID   string
	ToolName     string
	ToolArgsJSON string
	ToolIsError  bool
	ToolOutput   string

	// agent_end
	StopReason     string // e.g. "end_turn", "error", "max_turns"
	FinalMessages  []Message
}

// Unsubscribe stops delivery of further events to the callback passed to Subscribe.
type Unsubscribe func()

// Driver is the minimal surface the bridge and executor need from an agent runtime. A
// concrete implementation owns the model conversation, tool dispatch loop and transport;
// the core only ever drives it through this interface.
type Driver interface {
	// Subscribe registers cb to receive every Event emitted for the life of the driver.
	// Returns an Unsubscribe that stops delivery; safe to call more than once.
	Subscribe(cb func(Event)) Unsubscribe

	// Prompt starts a turn with the given user text and blocks until the driver reaches
	// agent_end (or ctx is cancelled). attachments are file paths to forward, if the
	// concrete driver supports multi-modal input.
	Prompt(ctx context.Context, text string, attachments []string) error

	// Abort cancels the in-flight Prompt call, if any. The driver must still emit a
	// synthetic agent_end (StopReason "aborted") so subscribers can close out state.
	Abort()

	// Messages returns the accumulated conversation log.
	Messages() []Message

	// SetSystemPrompt replaces the driver's system prompt for subsequent prompts.
	SetSystemPrompt(prompt string)
}

// Tool is the interface subtask/orchestrator tools implement (§6).
type Tool struct {
	Name        string
	Label       string
	Description string
	Parameters  map[string]any // JSON schema

	Execute func(ctx context.Context, toolCallID string, params map[string]any) (ToolResult, error)
}

// ToolResult is what a Tool.Execute call returns.
type ToolResult struct {
	ContentText string
	Details     map[string]any
	IsError     bool
}
