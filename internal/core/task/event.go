package task

import "time"

// Action is one of the ~45 event variants the event bus carries (§6). Every event has an
// Action and optional TaskID/Timestamp; additional fields live in per-variant payload types
// kept out of this struct to avoid a giant optional-field union — the HTTP adapter decides
// how to serialize Data for the wire.
type Action string

// Task lifecycle.
const (
	ActionTaskStarted   Action = "task_started"
	ActionTaskCompleted Action = "task_completed"
	ActionTaskFailed    Action = "task_failed"
	ActionTaskCancelled Action = "task_cancelled"
	ActionEnd           Action = "end"
)

// Planning.
const (
	ActionPlanStarted       Action = "plan_started"
	ActionDecomposeProgress Action = "decompose_progress"
	ActionTaskDecomposed    Action = "task_decomposed"
	ActionTaskReplanned     Action = "task_replanned"
	ActionStreamingDecomp   Action = "streaming_decompose"
	ActionMemoryLevel       Action = "memory_level"
	ActionMemoryResult      Action = "memory_result"
)

// Workforce.
const (
	ActionWorkforceStarted   Action = "workforce_started"
	ActionWorkforceCompleted Action = "workforce_completed"
	ActionWorkforceStopped   Action = "workforce_stopped"
	ActionWorkerAssigned     Action = "worker_assigned"
	ActionWorkerStarted      Action = "worker_started"
	ActionWorkerCompleted    Action = "worker_completed"
	ActionWorkerFailed       Action = "worker_failed"
	ActionAssignTask         Action = "assign_task"
	ActionDynamicTasksAdded  Action = "dynamic_tasks_added"
)

// Subtask.
const (
	ActionSubtaskState Action = "subtask_state"
)

// Agent.
const (
	ActionActivateAgent   Action = "activate_agent"
	ActionDeactivateAgent Action = "deactivate_agent"
	ActionAgentThinking   Action = "agent_thinking"
	ActionAgentReport     Action = "agent_report"
)

// Tool.
const (
	ActionActivateToolkit   Action = "activate_toolkit"
	ActionDeactivateToolkit Action = "deactivate_toolkit"
	ActionTerminal          Action = "terminal"
	ActionBrowserAction     Action = "browser_action"
	ActionScreenshot        Action = "screenshot"
	ActionWriteFile         Action = "write_file"
)

// User.
const (
	ActionWaitConfirm   Action = "wait_confirm"
	ActionConfirmed     Action = "confirmed"
	ActionAsk           Action = "ask"
	ActionNotice        Action = "notice"
	ActionHumanResponse Action = "human_response"
)

// System.
const (
	ActionHeartbeat  Action = "heartbeat"
	ActionError      Action = "error"
	ActionConnected  Action = "connected"
)

// Event is a tagged union over the event taxonomy. Action and Data are always meaningful;
// TaskID and Timestamp are stamped by the bus on emission if the producer left them empty.
type Event struct {
	Action    Action
	TaskID    string
	Timestamp time.Time
	Data      map[string]any
}
