// Package task holds the data model shared by the planner, executor, orchestrator and
// collector: subtasks, tasks, the executor handle the orchestrator keeps per delegation, and
// the event taxonomy that flows from the agent bridge to the SSE bus.
package task

import "time"

// AgentType selects the tool palette and system prompt a subtask's agent runs with.
type AgentType string

// The closed set of agent types. Adding one requires extending this enum and the
// keyword tables in internal/core/planner/inference.go.
const (
	AgentTypeBrowser    AgentType = "browser"
	AgentTypeDocument   AgentType = "document"
	AgentTypeCode       AgentType = "code"
	AgentTypeMultiModal AgentType = "multi_modal"
)

// MemoryLevel reports how much prior-workflow guidance the planner found for a subtask.
type MemoryLevel string

const (
	MemoryLevelL1 MemoryLevel = "L1" // prior exact workflow match (phrase-sourced step)
	MemoryLevelL2 MemoryLevel = "L2" // partial guidance (steps with no phrase source)
	MemoryLevelL3 MemoryLevel = "L3" // no match
)

// State is a Subtask's lifecycle stage. Transitions are PENDING -> RUNNING -> (DONE | FAILED).
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Subtask is an atomic, self-contained unit of agent work with a stable id and dependency list.
type Subtask struct {
	ID            string
	Content       string
	AgentType     AgentType
	DependsOn     []string
	WorkflowGuide string
	MemoryLevel   MemoryLevel
	State         State
	Result        string
	Error         string
	RetryCount    int
}

// Clone returns a deep-enough copy for snapshotting (DependsOn is copied, not aliased).
func (s *Subtask) Clone() *Subtask {
	if s == nil {
		return nil
	}
	c := *s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	return &c
}

// IsDynamic reports whether this subtask was inserted mid-execution by split_and_handoff,
// identified by the "{parent}_dyn_" id prefix.
func (s *Subtask) IsDynamic() bool {
	return dynamicSuffixIndex(s.ID) >= 0
}

func dynamicSuffixIndex(id string) int {
	const marker = "_dyn_"
	for i := 0; i+len(marker) <= len(id); i++ {
		if id[i:i+len(marker)] == marker {
			return i
		}
	}
	return -1
}

// TaskStatus is the overall status of a Task.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// MemoryPlan is the formatted result of the external memory service's planTask call,
// retained on the Task so a resumed task does not need to re-query memory.
type MemoryPlan struct {
	Steps       []MemoryPlanStep
	Preferences []string
	Coverage    float64
}

// MemoryPlanStep is one step of a MemoryPlan.
type MemoryPlanStep struct {
	Index         int
	Content       string
	Source        string // "phrase", "graph", or "none"
	PhraseID      string
	WorkflowGuide string
}

// Task is a user request plus its subtask list.
type Task struct {
	ID          string
	UserRequest string
	Status      TaskStatus
	MemoryPlan  *MemoryPlan
	Subtasks    []*Subtask
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BySubtaskID returns the subtask's map, built fresh from Subtasks on each call so callers
// never hold a map that has drifted from the authoritative slice.
func (t *Task) BySubtaskID() map[string]*Subtask {
	m := make(map[string]*Subtask, len(t.Subtasks))
	for _, s := range t.Subtasks {
		m[s.ID] = s
	}
	return m
}

// Snapshot is the single-object, last-writer-wins persisted representation of a Task (§6).
type Snapshot struct {
	TaskID      string           `json:"task_id"`
	UserRequest string           `json:"user_request"`
	Status      TaskStatus       `json:"status"`
	MemoryPlan  *MemoryPlan      `json:"memory_plan,omitempty"`
	Subtasks    []SnapshotSubtask `json:"subtasks"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// SnapshotSubtask is the persisted form of a Subtask (retry_count is intentionally not
// persisted: resume resets non-DONE subtasks to PENDING and loses retry history, per §8).
type SnapshotSubtask struct {
	ID            string      `json:"id"`
	Content       string      `json:"content"`
	AgentType     AgentType   `json:"agent_type"`
	DependsOn     []string    `json:"depends_on"`
	WorkflowGuide string      `json:"workflow_guide,omitempty"`
	MemoryLevel   MemoryLevel `json:"memory_level"`
	State         State       `json:"state"`
	Result        string      `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// ToSnapshot converts a Task into its persisted form.
func (t *Task) ToSnapshot() *Snapshot {
	snap := &Snapshot{
		TaskID:      t.ID,
		UserRequest: t.UserRequest,
		Status:      t.Status,
		MemoryPlan:  t.MemoryPlan,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	for _, s := range t.Subtasks {
		snap.Subtasks = append(snap.Subtasks, SnapshotSubtask{
			ID:            s.ID,
			Content:       s.Content,
			AgentType:     s.AgentType,
			DependsOn:     append([]string(nil), s.DependsOn...),
			WorkflowGuide: s.WorkflowGuide,
			MemoryLevel:   s.MemoryLevel,
			State:         s.State,
			Result:        s.Result,
			Error:         s.Error,
		})
	}
	return snap
}

// FromSnapshot rebuilds a Task for resume. Per §6's recovery rule: DONE subtasks retain
// their result, every other state resets to PENDING (and retry_count is lost).
func FromSnapshot(snap *Snapshot) *Task {
	t := &Task{
		ID:          snap.TaskID,
		UserRequest: snap.UserRequest,
		Status:      snap.Status,
		MemoryPlan:  snap.MemoryPlan,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
	}
	for _, s := range snap.Subtasks {
		sub := &Subtask{
			ID:            s.ID,
			Content:       s.Content,
			AgentType:     s.AgentType,
			DependsOn:     append([]string(nil), s.DependsOn...),
			WorkflowGuide: s.WorkflowGuide,
			MemoryLevel:   s.MemoryLevel,
			State:         s.State,
			Result:        s.Result,
		}
		if sub.State != StateDone {
			sub.State = StatePending
			sub.Result = ""
			sub.Error = ""
		}
		t.Subtasks = append(t.Subtasks, sub)
	}
	return t
}

// ExecutorHandle is the Orchestrator-local record of a spawned, possibly still-planning,
// Executor (§3).
type ExecutorHandle struct {
	ID        string
	Label     string
	Done      chan struct{}
	Cancel    chan struct{}
	StartedAt time.Time
	Workspace string

	// set once planning completes; nil while the Executor is still being constructed.
	getExecutor func() Runner
	getSubtasks func() []*Subtask
	result      *ExecutionResult
	err         error
}

// Runner is the minimal surface the orchestrator needs from a live Executor: enough to
// stop it. internal/core/executor.Executor satisfies it.
type Runner interface {
	Stop()
}

// ExecutionResult is what Executor.execute() returns.
type ExecutionResult struct {
	Completed int
	Failed    int
	Stopped   bool
	Total     int
}

// NewExecutorHandle constructs a handle in the planning state.
func NewExecutorHandle(id, label, workspace string) *ExecutorHandle {
	return &ExecutorHandle{
		ID:        id,
		Label:     label,
		Done:      make(chan struct{}),
		Cancel:    make(chan struct{}),
		StartedAt: time.Now(),
		Workspace: workspace,
	}
}

// Attach records the live Executor and subtask accessor once planning has produced them.
func (h *ExecutorHandle) Attach(runner Runner, subtasks func() []*Subtask) {
	h.getExecutor = func() Runner { return runner }
	h.getSubtasks = subtasks
}

// Subtasks returns the current subtasks, or nil while still planning.
func (h *ExecutorHandle) Subtasks() []*Subtask {
	if h.getSubtasks == nil {
		return nil
	}
	return h.getSubtasks()
}

// Finish records the terminal result and closes Done. Safe to call exactly once.
func (h *ExecutorHandle) Finish(result *ExecutionResult, err error) {
	h.result = result
	h.err = err
	close(h.Done)
}

// Result returns the terminal result, if Finish has been called.
func (h *ExecutorHandle) Result() (*ExecutionResult, error) {
	return h.result, h.err
}

// Stop cancels the handle's executor, if attached, and signals Cancel.
func (h *ExecutorHandle) Stop() {
	select {
	case <-h.Cancel:
	default:
		close(h.Cancel)
	}
	if h.getExecutor != nil {
		h.getExecutor().Stop()
	}
}
