package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/executor"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/planner"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
	"github.com/AriseOS/ami-desktop-sub002/internal/memory"
)

// recordingBus collects every emitted event for assertions, mirroring the executor package's
// own test double.
type recordingBus struct {
	mu     sync.Mutex
	events []task.Event
}

func (b *recordingBus) Emit(evt task.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) actions() []task.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]task.Action, len(b.events))
	for i, e := range b.events {
		out[i] = e.Action
	}
	return out
}

func (b *recordingBus) has(action task.Action) bool {
	for _, a := range b.actions() {
		if a == action {
			return true
		}
	}
	return false
}

// fakeCredentials lets a test script pass/fail validation across iterations.
type fakeCredentials struct {
	mu   sync.Mutex
	fail bool
}

func (c *fakeCredentials) Validate(ctx context.Context, profileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("no credential for profile")
	}
	return nil
}

// fakeStore is an in-memory SnapshotStore.
type fakeStore struct {
	mu   sync.Mutex
	byID map[string]*task.Snapshot
}

func newFakeStore() *fakeStore { return &fakeStore{byID: make(map[string]*task.Snapshot)} }

func (s *fakeStore) Save(ctx context.Context, snap *task.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[snap.TaskID] = snap
	return nil
}

func (s *fakeStore) Load(ctx context.Context, taskID string) (*task.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byID[taskID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return snap, nil
}

func (s *fakeStore) LoadLatestIncomplete(ctx context.Context) (*task.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *task.Snapshot
	for _, snap := range s.byID {
		if snap.Status == task.TaskStatusCompleted {
			continue
		}
		if latest == nil || snap.UpdatedAt.After(latest.UpdatedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, sql.ErrNoRows
	}
	return latest, nil
}

type fakeSessions struct{}

func (fakeSessions) Acquire(ctx context.Context, taskID string, agentType task.AgentType) (string, error) {
	return "sess-1", nil
}
func (fakeSessions) Release(string) {}
func (fakeSessions) Close(string)   {}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func()) {
	return ctx, func() {}
}

// fakeRunner records whether Stop was called, standing in for a live Executor in tests that
// only exercise handle bookkeeping.
type fakeRunner struct {
	mu      sync.Mutex
	stopped bool
}

func (r *fakeRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

// fakeOrchestratorDriver is the orchestrator's own driver: when toCall is set, its Prompt
// dispatches that named tool (simulating the model deciding to call it) instead of just
// echoing a reply.
type fakeOrchestratorDriver struct {
	tools     []driver.Tool
	toCall    string
	params    map[string]any
	messages  []driver.Message
	aborted   bool
	sysPrompt string
}

func (d *fakeOrchestratorDriver) Subscribe(func(driver.Event)) driver.Unsubscribe { return func() {} }
func (d *fakeOrchestratorDriver) SetSystemPrompt(p string)                        { d.sysPrompt = p }
func (d *fakeOrchestratorDriver) Messages() []driver.Message                     { return d.messages }
func (d *fakeOrchestratorDriver) Abort()                                          { d.aborted = true }

func (d *fakeOrchestratorDriver) Prompt(ctx context.Context, text string, attachments []string) error {
	if d.toCall == "" {
		d.messages = append(d.messages, assistantText("ok: "+text))
		return nil
	}
	for _, t := range d.tools {
		if t.Name != d.toCall {
			continue
		}
		res, err := t.Execute(ctx, "call-1", d.params)
		if err != nil {
			return err
		}
		d.messages = append(d.messages, assistantText(res.ContentText))
		return nil
	}
	return errors.New("no such tool: " + d.toCall)
}

func assistantText(text string) driver.Message {
	return driver.Message{Role: driver.RoleAssistant, Content: []driver.MessagePart{{Kind: driver.PartText, Text: text}}}
}

// fakeSubtaskDriver always answers a subtask prompt immediately with a done message,
// standing in for the per-subtask agent the Executor spawns.
type fakeSubtaskDriver struct {
	messages []driver.Message
}

func (d *fakeSubtaskDriver) Subscribe(func(driver.Event)) driver.Unsubscribe { return func() {} }
func (d *fakeSubtaskDriver) SetSystemPrompt(string)                          {}
func (d *fakeSubtaskDriver) Abort()                                          {}
func (d *fakeSubtaskDriver) Messages() []driver.Message                     { return d.messages }
func (d *fakeSubtaskDriver) Prompt(ctx context.Context, text string, attachments []string) error {
	d.messages = append(d.messages, assistantText("done: "+text))
	return nil
}

// fakeMemory is a memory.Service that finds nothing, so the planner falls back to an
// empty-context decomposition prompt.
type fakeMemory struct{}

func (fakeMemory) PlanTask(ctx context.Context, text string) (*memory.PlanResult, error) {
	return &memory.PlanResult{}, nil
}
func (fakeMemory) MemoryAdd(ctx context.Context, ops []memory.Operation, sessionID string) error {
	return nil
}
func (fakeMemory) MemoryLearn(ctx context.Context, data []memory.ExecutionDatum) error { return nil }

// fakeDecompDriver is the planner's one-shot decomposition driver: it always answers with a
// single-subtask <tasks> block.
type fakeDecompDriver struct {
	messages []driver.Message
}

func (d *fakeDecompDriver) Subscribe(func(driver.Event)) driver.Unsubscribe { return func() {} }
func (d *fakeDecompDriver) SetSystemPrompt(string)                          {}
func (d *fakeDecompDriver) Abort()                                          {}
func (d *fakeDecompDriver) Messages() []driver.Message                     { return d.messages }
func (d *fakeDecompDriver) Prompt(ctx context.Context, text string, attachments []string) error {
	d.messages = append(d.messages, assistantText(`<tasks><task id="1" type="code" depends_on="">do the thing</task></tasks>`))
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, pred(), "condition not met within %s", timeout)
}

func newTestOrchestrator(t *testing.T, newDriver func([]driver.Tool) driver.Driver, creds CredentialValidator) (*Orchestrator, *recordingBus, *fakeStore) {
	t.Helper()
	log := logger.Default()
	bus := &recordingBus{}
	store := newFakeStore()

	pl := planner.New(fakeMemory{}, func() driver.Driver { return &fakeDecompDriver{} }, log)

	deps := Deps{
		NewDriver: newDriver,
		NewExecutor: func(agentType task.AgentType) driver.Driver {
			return &fakeSubtaskDriver{}
		},
		Planner:     pl,
		Sessions:    fakeSessions{},
		Store:       store,
		Tracer:      noopTracer{},
		Credentials: creds,
		Logger:      log,
	}
	cfg := Config{Platform: "linux", Workspace: t.TempDir(), ProfileID: "default", IdleTimeout: 200 * time.Millisecond}
	return New(cfg, deps, bus), bus, store
}

func TestDrainCompletedHandlesBuildsSummaryAndNotes(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil, &fakeCredentials{})

	handle := task.NewExecutorHandle("h1", "book a flight", "/ws")
	subtasks := []*task.Subtask{{ID: "1", State: task.StateDone, Result: "booked flight AA123"}}
	handle.Attach(&fakeRunner{}, func() []*task.Subtask { return subtasks })
	handle.Finish(&task.ExecutionResult{Completed: 1, Total: 1}, nil)

	o.handles["h1"] = &execEntry{handle: handle, notes: []string{"user asked about seats"}}
	o.handleOrder = []string{"h1"}

	summary := o.drainCompletedHandles()
	assert.Contains(t, summary, "EXECUTION COMPLETE: book a flight")
	assert.Contains(t, summary, "booked flight AA123")
	assert.Contains(t, summary, "user asked about seats")
	assert.Empty(t, o.handleOrder)
	assert.Empty(t, o.handles)
}

func TestActiveTasksContextReportsCountsAndPlanning(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil, &fakeCredentials{})

	planning := task.NewExecutorHandle("h1", "planning job", "/ws")
	o.handles["h1"] = &execEntry{handle: planning}

	running := task.NewExecutorHandle("h2", "running job", "/ws")
	subtasks := []*task.Subtask{{ID: "1", State: task.StateDone}, {ID: "2", State: task.StateRunning}}
	running.Attach(&fakeRunner{}, func() []*task.Subtask { return subtasks })
	o.handles["h2"] = &execEntry{handle: running}

	o.handleOrder = []string{"h1", "h2"}

	ctxText := o.activeTasksContext()
	assert.Contains(t, ctxText, "planning job): planning")
	assert.Contains(t, ctxText, "running=1")
	assert.Contains(t, ctxText, "done=1")
}

func TestCancelTaskStopsHandle(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil, &fakeCredentials{})

	runner := &fakeRunner{}
	handle := task.NewExecutorHandle("h1", "job", "/ws")
	handle.Attach(runner, func() []*task.Subtask { return nil })
	o.handles["h1"] = &execEntry{handle: handle}
	o.handleOrder = []string{"h1"}

	tool := o.cancelTaskTool()
	res, err := tool.Execute(context.Background(), "call", map[string]any{"handle_id": "h1"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.True(t, runner.stopped)
}

func TestCancelTaskUnknownHandleIsError(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil, &fakeCredentials{})
	tool := o.cancelTaskTool()
	res, err := tool.Execute(context.Background(), "call", map[string]any{"handle_id": "missing"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestAskHumanRoundTrip(t *testing.T) {
	o, bus, _ := newTestOrchestrator(t, nil, &fakeCredentials{})
	tool := o.askHumanTool()

	type result struct {
		res driver.ToolResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := tool.Execute(context.Background(), "call", map[string]any{"question": "continue?"})
		done <- result{res, err}
	}()

	waitFor(t, time.Second, func() bool { return bus.has(task.ActionAsk) })

	o.askMu.Lock()
	var id string
	for k := range o.askPending {
		id = k
	}
	o.askMu.Unlock()
	require.NotEmpty(t, id)
	require.True(t, o.SubmitHumanResponse(id, "yes"))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "yes", r.res.ContentText)
}

func TestCredentialMissingEmitsErrorThenRecoversOnNextMessage(t *testing.T) {
	creds := &fakeCredentials{fail: true}
	o, bus, _ := newTestOrchestrator(t, func(tools []driver.Tool) driver.Driver {
		return &fakeOrchestratorDriver{tools: tools}
	}, creds)

	userMessages := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx, "hello", userMessages) }()

	waitFor(t, time.Second, func() bool { return bus.has(task.ActionError) })
	assert.True(t, bus.has(task.ActionWaitConfirm))

	creds.mu.Lock()
	creds.fail = false
	creds.mu.Unlock()
	userMessages <- "try again"

	waitFor(t, time.Second, func() bool {
		count := 0
		for _, a := range bus.actions() {
			if a == task.ActionWaitConfirm {
				count++
			}
		}
		return count >= 2
	})

	close(userMessages)
	<-runDone
}

func TestDecomposeTaskSpawnsExecutorAndDrainsOnCompletion(t *testing.T) {
	o, bus, _ := newTestOrchestrator(t, func(tools []driver.Tool) driver.Driver {
		return &fakeOrchestratorDriver{
			tools:  tools,
			toCall: "decompose_task",
			params: map[string]any{"description": "book a flight", "workspace_folder": "flight"},
		}
	}, &fakeCredentials{})

	userMessages := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx, "please book a flight", userMessages) }()

	waitFor(t, time.Second, func() bool { return bus.has(task.ActionConfirmed) })
	waitFor(t, 2*time.Second, func() bool { return bus.has(task.ActionTaskCompleted) })

	userMessages <- "thanks"
	waitFor(t, time.Second, func() bool {
		count := 0
		for _, a := range bus.actions() {
			if a == task.ActionWaitConfirm {
				count++
			}
		}
		return count >= 2
	})

	close(userMessages)
	<-runDone
}

func TestResumeTaskToolSummarizesLatestIncomplete(t *testing.T) {
	o, _, store := newTestOrchestrator(t, nil, &fakeCredentials{})
	require.NoError(t, store.Save(context.Background(), &task.Snapshot{
		TaskID:      "t1",
		UserRequest: "book a flight",
		Status:      task.TaskStatusFailed,
		Subtasks:    []task.SnapshotSubtask{{ID: "1", Content: "search flights", State: task.StateFailed}},
		UpdatedAt:   time.Now().UTC(),
	}))

	tool := o.resumeTaskTool()
	res, err := tool.Execute(context.Background(), "call", map[string]any{})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.ContentText, "book a flight")
	assert.Contains(t, res.ContentText, "search flights")
}

func TestReplanTaskReplacesPendingSubtasks(t *testing.T) {
	t0 := time.Now().UTC()
	t1 := &task.Task{
		ID:     "t1",
		Status: task.TaskStatusRunning,
		Subtasks: []*task.Subtask{
			{ID: "1", Content: "first", State: task.StateDone},
			{ID: "2", Content: "stale", State: task.StatePending},
		},
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	bus := &recordingBus{}
	exec, err := executor.New(t1, bus, fakeSessions{}, nil, noopTracer{}, func(task.AgentType) driver.Driver {
		return &fakeSubtaskDriver{}
	}, logger.Default())
	require.NoError(t, err)

	o, _, _ := newTestOrchestrator(t, nil, &fakeCredentials{})
	handle := task.NewExecutorHandle("h1", "job", "/ws")
	handle.Attach(exec, func() []*task.Subtask { return t1.Subtasks })
	o.handles["h1"] = &execEntry{handle: handle, exec: exec}
	o.handleOrder = []string{"h1"}

	tool := o.replanTaskTool()
	res, err := tool.Execute(context.Background(), "call", map[string]any{
		"handle_id":    "h1",
		"subtasks_xml": `<tasks><task id="3" type="code" depends_on="">fresh replacement</task></tasks>`,
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	ids := make([]string, 0, len(t1.Subtasks))
	for _, s := range t1.Subtasks {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"1", "3"}, ids)
}

func TestAttachFileRejectsPathEscapingWorkspace(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil, &fakeCredentials{})
	tool := o.attachFileTool()
	res, err := tool.Execute(context.Background(), "call", map[string]any{"path": "../../etc/passwd"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestAttachFileQueuesWithinWorkspace(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil, &fakeCredentials{})
	tool := o.attachFileTool()
	res, err := tool.Execute(context.Background(), "call", map[string]any{"path": "notes.txt"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Len(t, o.takeAttachedFiles(), 1)
}
