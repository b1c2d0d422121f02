// Package orchestrator implements the persistent conversational loop (§4.5): one iteration
// per message, deciding via tool calls whether to answer directly or delegate background
// work to an Executor, while racing user input against Executor completion.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/bridge"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/collector"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/executor"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/planner"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
	"github.com/AriseOS/ami-desktop-sub002/internal/memory"
)

// IdleTimeout is how long run() waits for a user message with no executors active before
// ending the loop (§5 "Idle Orchestrator times out after 10 minutes").
const IdleTimeout = 10 * time.Minute

// AskTimeout bounds how long the ask_human tool waits for a reply pushed back through
// SubmitHumanResponse before failing the tool call.
const AskTimeout = 10 * time.Minute

// ResultPreviewChars is the per-subtask result truncation used when summarising a completed
// Executor back into the conversation (§4.5 step 1).
const ResultPreviewChars = 1000

// Bus is the narrow surface the orchestrator's own bridge emits onto.
type Bus interface {
	Emit(task.Event)
}

// SnapshotStore is the persistence surface resume_task and decompose_task(resume_task_id=...)
// read from; internal/core/persistence/{sqlite,postgres}.Sink satisfies it.
type SnapshotStore interface {
	executor.SnapshotSink
	Load(ctx context.Context, taskID string) (*task.Snapshot, error)
	LoadLatestIncomplete(ctx context.Context) (*task.Snapshot, error)
}

// CredentialValidator is the narrow surface of internal/agent/credentials.Manager the
// orchestrator's credential-validation step (§4.5 step 6) calls.
type CredentialValidator interface {
	Validate(ctx context.Context, profileID string) error
}

// SearchProvider backs the search tool; it is an external collaborator with no in-pack SDK,
// so a nil SearchProvider simply makes the tool report itself unconfigured.
type SearchProvider interface {
	Search(ctx context.Context, query string) (string, error)
}

// Config holds the per-daemon settings the loop needs outside of its wired dependencies.
type Config struct {
	Platform    string
	Workspace   string
	ProfileID   string
	IdleTimeout time.Duration
}

// Deps are the orchestrator's wired collaborators.
type Deps struct {
	NewDriver   func(tools []driver.Tool) driver.Driver
	NewExecutor executor.NewDriver
	Planner     *planner.Planner
	Sessions    executor.SessionBackend
	Store       SnapshotStore
	Tracer      executor.Tracer
	Credentials CredentialValidator
	Search      SearchProvider
	Logger      *logger.Logger

	// Memory and Collector back the post-execution learning upload (§4.4 "Post-execution
	// learning"); both nil disables it (treated as "no authenticated session present").
	Memory    memory.Service
	Collector *collector.Collector
}

// delegation is the per-turn "pending delegation request" (§3 "Executor context").
type delegation struct {
	Description      string
	WorkspaceFolder  string
	ResumeTaskID     string
}

// execEntry pairs the orchestrator-facing handle with the concrete Executor so
// inject_message/replan_task/cancel_task tools can reach Replan/InsertDynamic/Stop.
type execEntry struct {
	handle *task.ExecutorHandle
	exec   *executor.Executor
	notes  []string
}

// Orchestrator drives one user-facing conversation, delegating to Executors as requested.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	bus    Bus
	logger *logger.Logger

	driver driver.Driver
	bridge *bridge.Bridge

	mu          sync.Mutex
	delegated   *delegation
	attached    []string
	handleOrder []string
	handles     map[string]*execEntry

	execDone chan string

	askMu      sync.Mutex
	askPending map[string]chan string
}

// New constructs an Orchestrator. cfg.IdleTimeout defaults to IdleTimeout if zero.
func New(cfg Config, deps Deps, b Bus) *Orchestrator {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = IdleTimeout
	}
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		bus:        b,
		logger:     deps.Logger.WithFields(zap.String("component", "orchestrator")),
		handles:    make(map[string]*execEntry),
		execDone:   make(chan string, 64),
		askPending: make(map[string]chan string),
	}
}

// Run processes initialMessage, then every subsequent message delivered on userMessages, one
// iteration at a time (§4.5 "Contract"), until ctx is cancelled, userMessages is closed, or
// the loop goes idle for cfg.IdleTimeout with no executors running.
func (o *Orchestrator) Run(ctx context.Context, initialMessage string, userMessages <-chan string) error {
	message := initialMessage
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		prefix := o.drainCompletedHandles()
		full := message
		if prefix != "" {
			full = prefix + message
		}

		o.mu.Lock()
		o.delegated = nil
		o.mu.Unlock()

		sysPrompt := renderSystemPrompt(o.cfg.Platform, time.Now(), o.cfg.Workspace, o.activeTasksContext())
		if o.driver == nil {
			o.driver = o.deps.NewDriver(o.tools())
			o.bridge = bridge.New("", o.bus, o.logger)
			o.bridge.Attach(o.driver)
		}
		o.driver.SetSystemPrompt(sysPrompt)

		if err := o.deps.Credentials.Validate(ctx, o.cfg.ProfileID); err != nil {
			o.bus.Emit(task.Event{
				Action: task.ActionError,
				Data:   map[string]any{"code": "NO_API_KEY", "recoverable": false, "error": err.Error()},
			})
			o.bus.Emit(task.Event{Action: task.ActionWaitConfirm, Data: map[string]any{"error": err.Error()}})
			next, ok := o.awaitNext(ctx, userMessages)
			if !ok {
				return nil
			}
			message = next
			continue
		}

		attachments := o.takeAttachedFiles()
		promptErr := o.driver.Prompt(ctx, full, attachments)

		o.mu.Lock()
		delegated := o.delegated
		o.mu.Unlock()

		if delegated == nil && promptErr != nil {
			o.bus.Emit(task.Event{Action: task.ActionWaitConfirm, Data: map[string]any{"error": promptErr.Error()}})
			next, ok := o.awaitNext(ctx, userMessages)
			if !ok {
				return nil
			}
			message = next
			continue
		}

		reply := lastAssistantText(o.driver.Messages())

		if delegated != nil {
			o.bus.Emit(task.Event{Action: task.ActionWaitConfirm, Data: map[string]any{"reply": reply}})
			o.bus.Emit(task.Event{Action: task.ActionConfirmed, Data: map[string]any{"description": delegated.Description}})
			o.spawnExecutor(ctx, *delegated)
		} else {
			o.bus.Emit(task.Event{
				Action: task.ActionWaitConfirm,
				Data:   map[string]any{"reply": reply, "attached_files": attachments},
			})
		}

		next, ok := o.awaitNext(ctx, userMessages)
		if !ok {
			return nil
		}
		message = next
	}
}

// awaitNext races user-message arrival against the completion of any running executor
// (§4.5 step 10, "executor-race semantics"). A select never commits to a branch until one is
// ready, so when execDone fires first the userMessages branch is simply left unread — no
// message is silently consumed, satisfying the "cancel the still-pending wait" requirement
// without any extra bookkeeping.
func (o *Orchestrator) awaitNext(ctx context.Context, userMessages <-chan string) (string, bool) {
	if !o.hasRunningExecutors() {
		select {
		case <-ctx.Done():
			return "", false
		case msg, ok := <-userMessages:
			return msg, ok
		case <-time.After(o.cfg.IdleTimeout):
			o.logger.Info("orchestrator idle timeout, ending loop")
			return "", false
		}
	}

	select {
	case <-ctx.Done():
		return "", false
	case msg, ok := <-userMessages:
		return msg, ok
	case id := <-o.execDone:
		o.logger.Debug("executor settled, looping to drain its summary", zap.String("handle_id", id))
		return "", true
	}
}

func (o *Orchestrator) hasRunningExecutors() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handleOrder) > 0
}

// drainCompletedHandles builds the "[EXECUTION COMPLETE: label] ..." prefix for every settled
// handle and removes it from the active set (§4.5 step 1).
func (o *Orchestrator) drainCompletedHandles() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var b strings.Builder
	remaining := o.handleOrder[:0:0]
	for _, id := range o.handleOrder {
		entry := o.handles[id]
		select {
		case <-entry.handle.Done:
			fmt.Fprintf(&b, "[EXECUTION COMPLETE: %s]\n", entry.handle.Label)
			if _, err := entry.handle.Result(); err != nil {
				fmt.Fprintf(&b, "error: %s\n", err)
			}
			for _, s := range entry.handle.Subtasks() {
				if s.State == task.StateDone {
					fmt.Fprintf(&b, "- %s: %s\n", s.ID, truncate(s.Result, ResultPreviewChars))
				}
			}
			for _, note := range entry.notes {
				fmt.Fprintf(&b, "note: %s\n", note)
			}
			delete(o.handles, id)
		default:
			remaining = append(remaining, id)
		}
	}
	o.handleOrder = remaining
	return b.String()
}

// activeTasksContext formats the running executors and their subtask states (§4.5 step 2).
func (o *Orchestrator) activeTasksContext() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.handleOrder) == 0 {
		return "No active executors."
	}

	var b strings.Builder
	for _, id := range o.handleOrder {
		entry := o.handles[id]
		subtasks := entry.handle.Subtasks()
		if subtasks == nil {
			fmt.Fprintf(&b, "- %s (%s): planning\n", entry.handle.Label, entry.handle.ID)
			continue
		}
		var pending, running, done, failed int
		for _, s := range subtasks {
			switch s.State {
			case task.StatePending:
				pending++
			case task.StateRunning:
				running++
			case task.StateDone:
				done++
			case task.StateFailed:
				failed++
			}
		}
		fmt.Fprintf(&b, "- %s (%s): pending=%d running=%d done=%d failed=%d\n",
			entry.handle.Label, entry.handle.ID, pending, running, done, failed)
	}
	return b.String()
}

// spawnExecutor builds the Task (fresh decomposition, or seeded from a resumed snapshot),
// runs its Executor in the background, and registers a handle so the next iterations can
// drain/inject/cancel/replan it (§4.5 steps 9-10).
func (o *Orchestrator) spawnExecutor(ctx context.Context, d delegation) {
	handleID := uuid.NewString()
	label := d.Description
	if label == "" {
		label = d.WorkspaceFolder
	}
	handle := task.NewExecutorHandle(handleID, label, d.WorkspaceFolder)

	o.mu.Lock()
	o.handles[handleID] = &execEntry{handle: handle}
	o.handleOrder = append(o.handleOrder, handleID)
	o.mu.Unlock()

	go func() {
		t, err := o.buildTask(ctx, handleID, d)
		if err != nil {
			o.logger.Error("failed to build task for delegation", zap.Error(err))
			handle.Finish(nil, err)
			o.execDone <- handleID
			return
		}

		bus := o.bus
		exec, err := executor.New(t, bus, o.deps.Sessions, o.deps.Store, o.deps.Tracer, o.deps.NewExecutor, o.deps.Logger)
		if err != nil {
			o.logger.Error("failed to construct executor", zap.Error(err))
			handle.Finish(nil, err)
			o.execDone <- handleID
			return
		}
		exec.SetWorkspace(d.WorkspaceFolder)

		o.mu.Lock()
		if entry, ok := o.handles[handleID]; ok {
			entry.exec = exec
		}
		o.mu.Unlock()
		handle.Attach(exec, func() []*task.Subtask { return t.Subtasks })

		result, err := exec.Execute(ctx)
		handle.Finish(result, err)
		if err == nil && !result.Stopped {
			o.maybeUploadLearning(t, exec.LearningRecords())
		}
		o.execDone <- handleID
	}()
}

// maybeUploadLearning fires the learning upload fire-and-forget iff §4.4's trigger holds: at
// least one browser subtask, at least two subtasks total, and every browser subtask DONE. A
// panic here degrades to a logged error rather than taking the daemon down.
func (o *Orchestrator) maybeUploadLearning(t *task.Task, records []executor.LearningRecord) {
	if o.deps.Memory == nil || o.deps.Collector == nil {
		return
	}
	if len(t.Subtasks) < 2 {
		return
	}
	sawBrowser := false
	for _, s := range t.Subtasks {
		if s.AgentType != task.AgentTypeBrowser {
			continue
		}
		sawBrowser = true
		if s.State != task.StateDone {
			return
		}
	}
	if !sawBrowser {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("learning upload panicked", zap.Any("recover", r))
			}
		}()

		var allData []memory.ExecutionDatum
		for _, rec := range records {
			allData = append(allData, o.deps.Collector.Collect(rec.Messages)...)
		}
		if len(allData) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.deps.Memory.MemoryLearn(ctx, allData); err != nil {
			o.logger.Warn("learning upload failed", zap.Error(err))
		}
	}()
}

// buildTask decomposes d fresh via the Planner, or — when d.ResumeTaskID is set — loads and
// seeds from the resumed snapshot, marking the original snapshot completed so it is not
// re-offered by a later resume_task with no id (§4.5 "Resume").
func (o *Orchestrator) buildTask(ctx context.Context, taskID string, d delegation) (*task.Task, error) {
	if d.ResumeTaskID != "" {
		snap, err := o.deps.Store.Load(ctx, d.ResumeTaskID)
		if err != nil {
			return nil, fmt.Errorf("load resume snapshot %s: %w", d.ResumeTaskID, err)
		}
		t := task.FromSnapshot(snap)
		t.ID = taskID

		snap.Status = task.TaskStatusCompleted
		if err := o.deps.Store.Save(ctx, snap); err != nil {
			o.logger.Warn("failed to mark resumed snapshot completed", zap.String("task_id", d.ResumeTaskID), zap.Error(err))
		}
		return t, nil
	}

	subtasks, level, memPlan, err := o.deps.Planner.Decompose(ctx, taskID, d.Description, o.bus)
	if err != nil {
		return nil, fmt.Errorf("decompose task: %w", err)
	}
	now := time.Now().UTC()
	t := &task.Task{
		ID:          taskID,
		UserRequest: d.Description,
		Status:      task.TaskStatusRunning,
		MemoryPlan:  memPlan,
		Subtasks:    subtasks,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	o.logger.Debug("decomposed task", zap.String("task_id", taskID), zap.String("memory_level", string(level)), zap.Int("subtask_count", len(subtasks)))
	return t, nil
}

func (o *Orchestrator) takeAttachedFiles() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.attached
	o.attached = nil
	return out
}

// SubmitHumanResponse delivers answer to the ask_human call waiting on id (pushed in by the
// HTTP adapter's websocket handler). Returns false if no such pending question exists.
func (o *Orchestrator) SubmitHumanResponse(id, answer string) bool {
	o.askMu.Lock()
	ch, ok := o.askPending[id]
	if ok {
		delete(o.askPending, id)
	}
	o.askMu.Unlock()
	if !ok {
		return false
	}
	ch <- answer
	return true
}

func renderSystemPrompt(platform string, now time.Time, workspace, activeTasksContext string) string {
	out := strings.ReplaceAll(SystemPromptTemplate, "{platform}", platform)
	out = strings.ReplaceAll(out, "{now}", now.Format(time.RFC3339))
	out = strings.ReplaceAll(out, "{workspace}", workspace)
	out = strings.ReplaceAll(out, "{active_tasks_context}", activeTasksContext)
	return out
}

// SystemPromptTemplate is the orchestrator's own system prompt, rendered fresh every
// iteration with the current active-executor context (§4.5 step 3).
const SystemPromptTemplate = `You are the orchestrator for a pool of tool-using agents running on {platform}.
Current time: {now}. Workspace: {workspace}.

Active executors:
{active_tasks_context}

Answer directly when you can. For anything that needs sustained background work across one
or more tool-using agents, call decompose_task to delegate it to an Executor.`

func lastAssistantText(messages []driver.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != driver.RoleAssistant {
			continue
		}
		var b strings.Builder
		for _, part := range messages[i].Content {
			if part.Kind == driver.PartText {
				b.WriteString(part.Text)
			}
		}
		return b.String()
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
