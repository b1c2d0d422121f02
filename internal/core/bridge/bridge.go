// Package bridge translates an agent driver's turn-shaped event stream into bus events,
// buffering intra-turn text and flushing it at well-defined boundaries (§4.2).
package bridge

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/bus"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// Bus is the narrow surface the bridge emits into; both bus.Bus and bus.MirroredBus satisfy it.
type Bus interface {
	Emit(task.Event)
}

// Bridge wires one driver's event stream into one Bus, scoped under a label (e.g. "#3" for
// subtask id 3, or "" for the orchestrator's own agent) so every event the bridge emits can
// be attributed to the right conversation by the HTTP adapter.
type Bridge struct {
	label  string
	bus    Bus
	logger *logger.Logger

	mu           sync.Mutex
	buffer       strings.Builder
	thinking     strings.Builder
	flushedThisTurn bool
}

// New creates a Bridge that emits onto b, tagging every event with label.
func New(label string, b Bus, log *logger.Logger) *Bridge {
	return &Bridge{
		label:  label,
		bus:    b,
		logger: log.WithFields(zap.String("component", "agent-bridge"), zap.String("label", label)),
	}
}

// Attach subscribes the bridge to d and returns the driver's Unsubscribe.
func (br *Bridge) Attach(d driver.Driver) driver.Unsubscribe {
	return d.Subscribe(br.handle)
}

func (br *Bridge) handle(evt driver.Event) {
	switch evt.Kind {
	case driver.EventAgentStart:
		br.bus.Emit(task.Event{Action: task.ActionActivateAgent, Data: map[string]any{"label": br.label}})

	case driver.EventTurnStart:
		br.mu.Lock()
		br.buffer.Reset()
		br.thinking.Reset()
		br.flushedThisTurn = false
		br.mu.Unlock()

	case driver.EventMessageUpdate:
		br.mu.Lock()
		if evt.IsThinkingDelta {
			br.thinking.WriteString(evt.TextDelta)
		} else {
			br.buffer.WriteString(evt.TextDelta)
		}
		br.mu.Unlock()

	case driver.EventToolExecutionStart:
		br.flushThinking(true)
		toolkit := toolkitName(evt.ToolName)
		br.bus.Emit(task.Event{
			Action: task.ActionActivateToolkit,
			Data: map[string]any{
				"label":   br.label,
				"toolkit": toolkit,
				"tool":    evt.ToolName,
			},
		})

	case driver.EventToolExecutionEnd:
		preview := evt.ToolOutput
		if len(preview) > 200 {
			preview = preview[:200]
		}
		br.bus.Emit(task.Event{
			Action: task.ActionDeactivateToolkit,
			Data: map[string]any{
				"label":           br.label,
				"toolkit":         toolkitName(evt.ToolName),
				"tool":            evt.ToolName,
				"success":         !evt.ToolIsError,
				"output_preview":  preview,
			},
		})

	case driver.EventAgentEnd:
		br.mu.Lock()
		alreadyFlushed := br.flushedThisTurn
		br.mu.Unlock()
		if !alreadyFlushed {
			br.flushThinking(false)
		}
		br.bus.Emit(task.Event{Action: task.ActionDeactivateAgent, Data: map[string]any{"label": br.label}})
		if evt.StopReason == "error" {
			br.bus.Emit(task.Event{
				Action: task.ActionError,
				Data: map[string]any{
					"label":       br.label,
					"recoverable": false,
					"stop_reason": evt.StopReason,
				},
			})
		}
	}
}

// flushThinking emits the buffered thinking text at most once per turn, guarded by a flag
// reset on turn_start. Per §4.2, the two call sites differ in what they emit: (a) immediately
// before activate_toolkit, beforeToolCall is true and both agent_thinking and
// agent_report(report_type=thinking) are emitted; (b) at agent_end with no tool call,
// beforeToolCall is false and only agent_thinking is emitted (confirmed by the §8 scenario-1
// wire trace, which has no agent_report after a direct-answer turn).
func (br *Bridge) flushThinking(beforeToolCall bool) {
	br.mu.Lock()
	if br.flushedThisTurn {
		br.mu.Unlock()
		return
	}
	text := br.thinking.String()
	if text == "" {
		text = br.buffer.String()
	}
	br.flushedThisTurn = true
	br.mu.Unlock()

	if text == "" {
		return
	}
	br.bus.Emit(task.Event{Action: task.ActionAgentThinking, Data: map[string]any{"label": br.label, "text": text}})
	if beforeToolCall {
		br.bus.Emit(task.Event{
			Action: task.ActionAgentReport,
			Data:   map[string]any{"label": br.label, "report_type": "thinking", "text": text},
		})
	}
}

// toolkitName derives the toolkit name as the capitalised first underscore-prefix of the
// tool name (e.g. "browser_visit_page" -> "Browser").
func toolkitName(toolName string) string {
	idx := strings.IndexByte(toolName, '_')
	prefix := toolName
	if idx >= 0 {
		prefix = toolName[:idx]
	}
	if prefix == "" {
		return prefix
	}
	return strings.ToUpper(prefix[:1]) + prefix[1:]
}
