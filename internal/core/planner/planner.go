// Package planner implements the Task Planner (§4.3): Memory-First decomposition of a user
// request into a dependency DAG of subtasks.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
	"github.com/AriseOS/ami-desktop-sub002/internal/memory"
)

// Emitter is the narrow bus surface the planner emits progress events into.
type Emitter interface {
	Emit(task.Event)
}

// MemoryTimeout bounds the memory-plan query independently of the overall decomposition
// call; exceeding it is non-fatal (§4.3 step 2, §5).
const MemoryTimeout = 5 * time.Second

// DecompositionPromptTemplate is substituted in the mandatory order {workers_info} ->
// {memory_context} -> {task}, with {task} last to prevent template injection from
// user-supplied text (§4.3 step 6).
const DecompositionPromptTemplate = `You are decomposing a user request into subtasks for a pool of agents.

Available workers:
{workers_info}

{memory_context}
Decompose the following task into an ordered <tasks> block, one <task id="..." type="browser|document|code|multi_modal" depends_on="csv of ids">...</task> per subtask:

{task}`

// WorkersInfo is the default {workers_info} block describing the four agent types.
const WorkersInfo = "- browser: web search, navigation, form filling\n" +
	"- document: reading/writing documents, spreadsheets, reports\n" +
	"- code: running scripts, tests, deployments\n" +
	"- multi_modal: image/audio/video understanding and generation"

// Planner decomposes a user request via the external memory service and an agent driver.
type Planner struct {
	memory       memory.Service
	newDriver    func() driver.Driver
	logger       *logger.Logger
	memoryTimeout time.Duration
}

// New creates a Planner. newDriver constructs a fresh, tool-less agent driver for the
// one-shot decomposition call (§4.3 step 7: "invoke the agent driver with empty tool set
// and an off-thinking configuration").
func New(mem memory.Service, newDriver func() driver.Driver, log *logger.Logger) *Planner {
	return &Planner{
		memory:        mem,
		newDriver:     newDriver,
		logger:        log.WithFields(zap.String("component", "planner")),
		memoryTimeout: MemoryTimeout,
	}
}

// Decompose runs the full memory-first decomposition flow, emitting decompose_progress,
// memory_level and agent_report events onto emit as it goes.
func (p *Planner) Decompose(ctx context.Context, taskID, userText string, emit Emitter) ([]*task.Subtask, task.MemoryLevel, *task.MemoryPlan, error) {
	emit.Emit(progressEvent(taskID, 0.1, "Querying memory...", nil))

	plan, memErr := p.queryMemory(ctx, userText)
	if memErr != nil {
		p.logger.Warn("memory query failed, proceeding with empty context", zap.Error(memErr))
		emit.Emit(task.Event{
			Action: task.ActionAgentReport,
			TaskID: taskID,
			Data:   map[string]any{"report_type": "warning", "text": "memory query timed out or failed; continuing without prior guidance"},
		})
		plan = &memory.PlanResult{}
	}

	level := classifyMemoryLevel(plan)
	emit.Emit(task.Event{Action: task.ActionMemoryLevel, TaskID: taskID, Data: map[string]any{"memory_level": level}})
	emit.Emit(task.Event{
		Action: task.ActionAgentReport,
		TaskID: taskID,
		Data:   map[string]any{"report_type": "memory_level", "text": humanMemoryLevel(level)},
	})

	emit.Emit(progressEvent(taskID, 0.3, "Analyzing task...", nil))

	memoryContext := formatMemoryContext(plan)
	prompt := renderPrompt(WorkersInfo, memoryContext, userText)

	d := p.newDriver()
	d.SetSystemPrompt("") // off-thinking configuration: decomposition has no tools, no thinking budget
	if err := d.Prompt(ctx, prompt, nil); err != nil {
		return nil, level, nil, fmt.Errorf("decomposition prompt failed: %w", err)
	}

	finalText := lastAssistantText(d.Messages())
	subtasks, err := ParseDecomposition(finalText)
	if err != nil {
		return nil, level, nil, fmt.Errorf("parse decomposition: %w", err)
	}

	emit.Emit(progressEvent(taskID, 0.8, "Building subtask graph...", nil))
	emit.Emit(progressEvent(taskID, 1.0, "", subtasks, "is_final"))

	memPlan := toTaskMemoryPlan(plan)
	return subtasks, level, memPlan, nil
}

func (p *Planner) queryMemory(ctx context.Context, text string) (*memory.PlanResult, error) {
	qctx, cancel := context.WithTimeout(ctx, p.memoryTimeout)
	defer cancel()
	return p.memory.PlanTask(qctx, text)
}

func progressEvent(taskID string, progress float64, message string, subtasks []*task.Subtask, extra ...string) task.Event {
	data := map[string]any{"progress": progress}
	if message != "" {
		data["message"] = message
	}
	if subtasks != nil {
		data["sub_tasks"] = subtasks
	}
	for _, e := range extra {
		if e == "is_final" {
			data["is_final"] = true
		}
	}
	return task.Event{Action: task.ActionDecomposeProgress, TaskID: taskID, Data: data}
}

// classifyMemoryLevel implements §4.3 step 3: L1 if any step is phrase-sourced, else L2 if
// any steps exist, else L3.
func classifyMemoryLevel(plan *memory.PlanResult) task.MemoryLevel {
	if plan == nil || len(plan.Steps) == 0 {
		return task.MemoryLevelL3
	}
	for _, s := range plan.Steps {
		if s.Source == "phrase" && s.PhraseID != "" {
			return task.MemoryLevelL1
		}
	}
	return task.MemoryLevelL2
}

func humanMemoryLevel(level task.MemoryLevel) string {
	switch level {
	case task.MemoryLevelL1:
		return "Found an exact prior workflow match."
	case task.MemoryLevelL2:
		return "Found partial guidance from memory."
	default:
		return "No relevant prior workflow found."
	}
}

// formatMemoryContext formats the memory plan into a single context block: one line per
// step, prefixed with its source tag, followed by indented workflow_guide lines, with
// preferences listed at the tail. An empty plan yields an empty string (§4.3 step 5).
func formatMemoryContext(plan *memory.PlanResult) string {
	if plan == nil || len(plan.Steps) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range plan.Steps {
		fmt.Fprintf(&b, "[%s] %s\n", s.Source, s.Content)
		if s.WorkflowGuide != "" {
			for _, line := range strings.Split(s.WorkflowGuide, "\n") {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
	}
	if len(plan.Preferences) > 0 {
		b.WriteString("Preferences:\n")
		for _, pref := range plan.Preferences {
			fmt.Fprintf(&b, "- %s\n", pref)
		}
	}
	return b.String()
}

// renderPrompt substitutes {workers_info}, then {memory_context}, then {task} — in that
// mandatory order — into DecompositionPromptTemplate (§4.3 step 6).
func renderPrompt(workersInfo, memoryContext, taskText string) string {
	out := strings.ReplaceAll(DecompositionPromptTemplate, "{workers_info}", workersInfo)
	out = strings.ReplaceAll(out, "{memory_context}", memoryContext)
	out = strings.ReplaceAll(out, "{task}", taskText)
	return out
}

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

func toTaskMemoryPlan(plan *memory.PlanResult) *task.MemoryPlan {
	if plan == nil {
		return nil
	}
	return &task.MemoryPlan{Steps: plan.Steps, Preferences: plan.Preferences, Coverage: plan.Coverage}
}
