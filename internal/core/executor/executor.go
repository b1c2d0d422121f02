// Package executor implements the Task Executor (§4.4): a dependency-gated, concurrency-
// bounded DAG scheduler that drives a task's subtasks to completion, retrying transient
// failures and propagating fail-fast cancellation to dependents of a permanently failed
// subtask.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/bridge"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// dependencyInlineLimit is the §4.4 "Prompt assembly" threshold: a dependency result longer
// than this is written to a workspace file and referenced instead of inlined.
const dependencyInlineLimit = 2000

// Tunables fixed by §4.4; not reloaded at runtime because changing them mid-execution would
// leave already-dispatched subtasks running under a different budget than later ones.
const (
	MaxParallelSubtasks = 5
	MaxRetries          = 2
	MaxTurnsPerSubtask  = 50
)

var (
	// ErrCircularDependency is raised by Replan/InsertDynamic if the candidate subtask graph has
	// a cycle; Execute itself detects a cycle at runtime via its deadlock clause instead (a
	// fresh task's initial graph is never checked up front, see New).
	ErrCircularDependency = errors.New("circular dependency among subtasks")
	// ErrDependencyFailed marks a subtask skipped because an ancestor failed permanently.
	ErrDependencyFailed = errors.New("upstream dependency failed")
	// ErrStopped marks a subtask abandoned because the executor was stopped.
	ErrStopped = errors.New("executor stopped")
)

// Bus is the narrow surface the executor emits progress onto.
type Bus interface {
	Emit(task.Event)
}

// SessionBackend hands out and reclaims the opaque external session state a subtask's agent
// runs against (§3 "Session pool entry"); concrete backends live in
// internal/core/executor/sessionpool/{docker,sprites,pty}.
type SessionBackend interface {
	// Acquire returns a session id for agentType, creating the underlying resource lazily on
	// first use. Callers release with Release once the subtask that borrowed it is done.
	Acquire(ctx context.Context, taskID string, agentType task.AgentType) (sessionID string, err error)
	Release(sessionID string)
	// Close tears down every session still held for taskID; called once at task end.
	Close(taskID string)
}

// SnapshotSink is the append-and-replace persistence surface (§6); concrete adapters live in
// internal/core/persistence/{sqlite,postgres}.
type SnapshotSink interface {
	Save(ctx context.Context, snap *task.Snapshot) error
}

// Tracer wraps the span boundaries the executor opens around each subtask attempt and around
// replan/execute, kept as a narrow interface so tests don't need a real OpenTelemetry SDK.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func())
}

// NewDriver constructs a fresh driver for one subtask attempt, already scoped to agentType
// (tool palette, system prompt) by the caller supplying it.
type NewDriver func(agentType task.AgentType) driver.Driver

// Executor drives one task's subtask DAG to completion.
type Executor struct {
	taskID    string
	t         *task.Task
	bus       Bus
	sessions  SessionBackend
	sink      SnapshotSink
	tracer    Tracer
	newDriver NewDriver
	logger    *logger.Logger

	sem *semaphore.Weighted

	mu          sync.Mutex
	stopped     bool
	stopCh      chan struct{}
	learnOut    []LearningRecord
	workspace   string
	browserOpen bool // set once a browser subtask has run, so later ones see the "already open" hint
}

// SetWorkspace records the resolved workspace directory (§3 "Executor handle") used for
// dependency-result overflow files and the workspace file listing in prompt assembly. Safe to
// call before Execute; a zero value disables both behaviors.
func (e *Executor) SetWorkspace(dir string) {
	e.workspace = dir
}

// LearningRecord is handed to the collector (§4.6) once a subtask finishes.
type LearningRecord struct {
	SubtaskID string
	Success   bool
	Messages  []driver.Message
}

// New constructs an Executor for t. A cyclic dependency graph is not rejected here: per §4.4
// the scheduler discovers a cycle at runtime (nothing in it ever becomes eligible) and resolves
// it via the deadlock clause in Execute, so that the §8 "circular dependency" scenario runs
// through Execute and produces its documented FAILED subtasks rather than never starting.
func New(t *task.Task, bus Bus, sessions SessionBackend, sink SnapshotSink, tracer Tracer, newDriver NewDriver, log *logger.Logger) (*Executor, error) {
	return &Executor{
		taskID:    t.ID,
		t:         t,
		bus:       bus,
		sessions:  sessions,
		sink:      sink,
		tracer:    tracer,
		newDriver: newDriver,
		logger:    log.WithFields(zap.String("component", "executor"), zap.String("task_id", t.ID)),
		sem:       semaphore.NewWeighted(MaxParallelSubtasks),
		stopCh:    make(chan struct{}),
	}, nil
}

// Stop cancels any in-flight subtask attempts and prevents new ones from starting. Safe to
// call more than once and from any goroutine.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.stopCh)
}

func (e *Executor) isStopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// Execute drives every subtask to a terminal state, dispatching whatever is eligible on each
// scheduling pass in parallel (bounded by the semaphore) and looping until the graph is
// exhausted or the executor is stopped. It persists a snapshot after each scheduling pass and
// once more when it finishes.
func (e *Executor) Execute(ctx context.Context) (*task.ExecutionResult, error) {
	ctx, end := e.tracer.StartSpan(ctx, "executor.execute", map[string]any{"task_id": e.taskID})
	defer end()

	e.bus.Emit(task.Event{Action: task.ActionTaskStarted, TaskID: e.taskID, Data: map[string]any{"total": len(e.t.Subtasks)}})
	defer e.sessions.Close(e.taskID)

	for {
		if e.isStopped() {
			return e.finalize(ctx, true), nil
		}

		// §4.4 scheduling algorithm: propagate dependency/missing-dependency failures before
		// computing what's eligible, since that scan is the one that promotes them to FAILED.
		e.propagateFailures()

		batch := e.eligible()
		if len(batch) == 0 {
			if e.failStuckPending() {
				e.persist(ctx)
			}
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, sub := range batch {
			sub := sub
			if err := e.sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer e.sem.Release(1)
				e.runSubtask(gctx, sub)
				return nil
			})
		}
		if err := g.Wait(); err != nil && ctx.Err() != nil {
			return e.finalize(ctx, true), nil
		}

		e.propagateFailures()
		e.persist(ctx)

		if !e.progressed() {
			// nothing eligible, nothing running, nothing left pending: either done or stuck.
			break
		}
	}

	return e.finalize(ctx, false), nil
}

// eligible returns every PENDING subtask whose dependencies are all DONE. A subtask whose
// dependency is FAILED or missing is not "not yet ready" — propagateFailures (called just
// before eligible on every pass) has already promoted it to FAILED, so it is no longer PENDING
// and will not appear here.
func (e *Executor) eligible() []*task.Subtask {
	byID := e.t.BySubtaskID()
	var out []*task.Subtask
	for _, s := range e.t.Subtasks {
		if s.State != task.StatePending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if d, ok := byID[dep]; !ok || d.State != task.StateDone {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// progressed reports whether any subtask is still PENDING or RUNNING; if none are, the loop
// can stop regardless of whether eligible() found a fresh batch.
func (e *Executor) progressed() bool {
	for _, s := range e.t.Subtasks {
		if s.State == task.StatePending || s.State == task.StateRunning {
			return true
		}
	}
	return false
}

// propagateFailures marks every PENDING subtask FAILED if it depends, directly or
// transitively, on a FAILED subtask (§4.4 fail-fast propagation, §7 "Dependency failure"), or
// if a dependency id does not resolve in the subtask map at all (§3/§7 "Missing dependency":
// fatal for the dependent only).
func (e *Executor) propagateFailures() {
	byID := e.t.BySubtaskID()
	changed := true
	for changed {
		changed = false
		for _, s := range e.t.Subtasks {
			if s.State != task.StatePending {
				continue
			}
			for _, dep := range s.DependsOn {
				d, ok := byID[dep]
				if !ok {
					s.State = task.StateFailed
					s.Error = fmt.Sprintf("depends on non-existent task '%s'", dep)
					e.emitSubtaskState(s)
					changed = true
					break
				}
				if d.State == task.StateFailed {
					s.State = task.StateFailed
					s.Error = dependencyFailedError(d.ID)
					e.emitSubtaskState(s)
					changed = true
					break
				}
			}
		}
	}
}

// failStuckPending handles the §4.4 deadlock clause: if eligible() found nothing but PENDING
// subtasks remain, the graph is deadlocked (a cycle propagateFailures cannot see, since none of
// the cycle's subtasks is ever FAILED or DONE) — fail every remaining PENDING subtask with
// "circular dependency" (§7 "Deadlock", §8 scenario "both FAILED('circular dependency')").
// Reports whether it changed anything, so the caller knows whether a persist is needed.
func (e *Executor) failStuckPending() bool {
	var changed bool
	for _, s := range e.t.Subtasks {
		if s.State != task.StatePending {
			continue
		}
		s.State = task.StateFailed
		s.Error = "circular dependency"
		e.emitSubtaskState(s)
		changed = true
	}
	return changed
}

// dependencyFailedError formats the §7 "Dependency failure" error text, naming the failed
// ancestor subtask id.
func dependencyFailedError(depID string) string {
	return fmt.Sprintf("Dependency '%s' failed: %s", depID, ErrDependencyFailed.Error())
}

func (e *Executor) runSubtask(ctx context.Context, s *task.Subtask) {
	ctx, end := e.tracer.StartSpan(ctx, "executor.subtask", map[string]any{
		"subtask_id":   s.ID,
		"agent_type":   string(s.AgentType),
		"memory_level": string(s.MemoryLevel),
	})
	defer end()

	e.setState(s, task.StateRunning)

	sessionID, err := e.sessions.Acquire(ctx, e.taskID, s.AgentType)
	if err != nil {
		e.fail(s, fmt.Errorf("acquire session: %w", err))
		return
	}
	defer e.sessions.Release(sessionID)

	var lastErr error
	var messages []driver.Message
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if e.isStopped() {
			e.fail(s, ErrStopped)
			return
		}

		// §4.4 step 3.j: a prior failed attempt may have left dynamic children from a
		// split_and_handoff call; drop them before retrying so they aren't duplicated.
		e.removeDynamicChildren(s.ID)

		d := e.newDriver(s.AgentType)
		br := bridge.New("#"+s.ID, e.bus, e.logger)
		unsub := br.Attach(d)

		attemptCtx, cancel := context.WithTimeout(ctx, subtaskTimeout())
		unguard := e.installTurnGuard(d)
		go func() {
			select {
			case <-e.stopCh:
				cancel()
				d.Abort()
			case <-attemptCtx.Done():
			}
		}()

		err := d.Prompt(attemptCtx, e.assemblePrompt(s), nil)
		unguard()
		cancel()
		unsub()

		messages = d.Messages()
		if s.AgentType == task.AgentTypeBrowser {
			e.mu.Lock()
			e.browserOpen = true
			e.mu.Unlock()
		}
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		s.RetryCount++
		e.logger.Warn("subtask attempt failed", zap.String("subtask_id", s.ID), zap.Int("attempt", attempt), zap.Error(err))
	}

	e.mu.Lock()
	e.learnOut = append(e.learnOut, LearningRecord{SubtaskID: s.ID, Success: lastErr == nil, Messages: messages})
	e.mu.Unlock()

	if lastErr != nil {
		e.fail(s, lastErr)
		return
	}

	s.Result = lastAssistantResult(messages)
	e.setState(s, task.StateDone)
}

func (e *Executor) fail(s *task.Subtask, err error) {
	s.Error = err.Error()
	e.setState(s, task.StateFailed)
}

func (e *Executor) setState(s *task.Subtask, state task.State) {
	s.State = state
	e.emitSubtaskState(s)
}

func (e *Executor) emitSubtaskState(s *task.Subtask) {
	e.bus.Emit(task.Event{
		Action: task.ActionSubtaskState,
		TaskID: e.taskID,
		Data: map[string]any{
			"subtask_id": s.ID,
			"state":      string(s.State),
			"retry_count": s.RetryCount,
		},
	})
}

func (e *Executor) persist(ctx context.Context) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Save(ctx, e.t.ToSnapshot()); err != nil {
		e.logger.Error("snapshot persist failed", zap.Error(err))
	}
}

func (e *Executor) finalize(ctx context.Context, stopped bool) *task.ExecutionResult {
	e.persist(ctx)

	result := &task.ExecutionResult{Total: len(e.t.Subtasks), Stopped: stopped}
	for _, s := range e.t.Subtasks {
		switch s.State {
		case task.StateDone:
			result.Completed++
		case task.StateFailed:
			result.Failed++
		}
	}

	if stopped {
		e.t.Status = task.TaskStatusFailed
		e.bus.Emit(task.Event{Action: task.ActionTaskCancelled, TaskID: e.taskID})
	} else if result.Failed > 0 {
		e.t.Status = task.TaskStatusFailed
		e.bus.Emit(task.Event{Action: task.ActionTaskFailed, TaskID: e.taskID, Data: map[string]any{"failed": result.Failed}})
	} else {
		e.t.Status = task.TaskStatusCompleted
		e.bus.Emit(task.Event{Action: task.ActionTaskCompleted, TaskID: e.taskID, Data: map[string]any{"completed": result.Completed}})
	}
	e.bus.Emit(task.Event{Action: task.ActionEnd, TaskID: e.taskID})
	return result
}

// LearningRecords returns every subtask attempt's final message log, for the collector (§4.6).
func (e *Executor) LearningRecords() []LearningRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LearningRecord(nil), e.learnOut...)
}

func subtaskTimeout() time.Duration {
	return 20 * time.Minute
}

// installTurnGuard subscribes to d's events and aborts the driver once MaxTurnsPerSubtask
// turn_end events have been observed (§4.4 step 3.e, §5 "Agent-prompt turn limit"). The
// returned func unsubscribes; call it once the attempt's Prompt call has returned.
func (e *Executor) installTurnGuard(d driver.Driver) func() {
	var turns int
	unsub := d.Subscribe(func(ev driver.Event) {
		if ev.Kind != driver.EventTurnEnd {
			return
		}
		turns++
		if turns >= MaxTurnsPerSubtask {
			d.Abort()
		}
	})
	return unsub
}

// removeDynamicChildren drops every subtask whose id carries the "{parentID}_dyn_" prefix
// (§4.4 step 3.j "remove dynamic subtasks ... prevents duplicates on retry").
func (e *Executor) removeDynamicChildren(parentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := parentID + "_dyn_"
	var kept []*task.Subtask
	for _, s := range e.t.Subtasks {
		if strings.HasPrefix(s.ID, prefix) {
			continue
		}
		kept = append(kept, s)
	}
	e.t.Subtasks = kept
}

// assemblePrompt builds a subtask's agent prompt in the order fixed by §4.4 "Prompt assembly":
// an optional browser-state hint, the task content, the historical workflow guide (if any),
// each dependency's result (inlined or file-referenced past dependencyInlineLimit), a
// workspace file listing, and a standard replan-instruction trailer.
func (e *Executor) assemblePrompt(s *task.Subtask) string {
	var b strings.Builder

	e.mu.Lock()
	browserOpen := e.browserOpen
	e.mu.Unlock()
	if s.AgentType == task.AgentTypeBrowser && browserOpen {
		b.WriteString("## Browser State\nA browser session is already open for this task — do not re-navigate to a fresh blank page unless your task explicitly requires it.\n\n")
	}

	b.WriteString("## Your Task\n")
	b.WriteString(s.Content)
	b.WriteString("\n\n")

	if s.WorkflowGuide != "" {
		b.WriteString("## Reference: Historical Workflow\n")
		b.WriteString("Use the following as background only; do not execute steps beyond your assigned task above.\n")
		b.WriteString(s.WorkflowGuide)
		b.WriteString("\n\n")
	}

	e.mu.Lock()
	byID := e.t.BySubtaskID()
	e.mu.Unlock()
	for _, depID := range s.DependsOn {
		dep, ok := byID[depID]
		if !ok || dep.Result == "" {
			continue
		}
		if len(dep.Result) > dependencyInlineLimit {
			if ref, err := e.writeDependencyResultFile(s.ID, depID, dep.Result); err == nil {
				fmt.Fprintf(&b, "## Result from %s\nToo large to inline; written to %s in your workspace — read it before proceeding.\n\n", depID, ref)
				continue
			}
		}
		fmt.Fprintf(&b, "## Result from %s\n%s\n\n", depID, dep.Result)
	}

	if listing := e.workspaceListing(); listing != "" {
		b.WriteString("## Workspace Files\n")
		b.WriteString(listing)
		b.WriteString("\n")
	}

	b.WriteString("## Splitting This Task\nIf this task is too large to complete in one pass, call split_and_handoff to break off the remainder into new subtasks rather than leaving it incomplete.\n")

	return b.String()
}

// writeDependencyResultFile persists a dependency's oversized result to
// "{depID}_result.md" inside the task workspace and returns the file name the prompt
// should reference. Returns an error (handled by the caller by falling back to inlining) when
// no workspace is configured.
func (e *Executor) writeDependencyResultFile(subtaskID, depID, result string) (string, error) {
	if e.workspace == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	name := depID + "_result.md"
	path := filepath.Join(e.workspace, name)
	if err := os.WriteFile(path, []byte(result), 0o644); err != nil {
		return "", fmt.Errorf("write dependency result for %s (subtask %s): %w", depID, subtaskID, err)
	}
	return name, nil
}

// workspaceListing renders "name (NN KB)" for every regular file directly in the workspace,
// or an empty string if no workspace is configured or it has no files.
func (e *Executor) workspaceListing() string {
	if e.workspace == "" {
		return ""
	}
	entries, err := os.ReadDir(e.workspace)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s (%d KB)\n", ent.Name(), info.Size()/1024)
	}
	return b.String()
}

func lastAssistantResult(messages []driver.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != driver.RoleAssistant {
			continue
		}
		var out string
		for _, part := range messages[i].Content {
			if part.Kind == driver.PartText {
				out += part.Text
			}
		}
		return out
	}
	return ""
}

// checkAcyclic runs a DFS over the dependency graph, returning ErrCircularDependency on the
// first cycle found.
func checkAcyclic(subtasks []*task.Subtask) error {
	byID := make(map[string]*task.Subtask, len(subtasks))
	for _, s := range subtasks {
		byID[s.ID] = s
	}
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(subtasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return ErrCircularDependency
		case black:
			return nil
		}
		color[id] = gray
		if s, ok := byID[id]; ok {
			for _, dep := range s.DependsOn {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range subtasks {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}
