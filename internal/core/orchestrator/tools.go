package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/planner"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// shellOutputTruncate bounds how much of a shell_exec command's combined output is returned
// to the model; the full output is still visible in the terminal bus event the bridge emits.
const shellOutputTruncate = 4000

// tools returns the Orchestrator's nine-tool surface (§4.5 step 7).
func (o *Orchestrator) tools() []driver.Tool {
	return []driver.Tool{
		o.shellExecTool(),
		o.searchTool(),
		o.askHumanTool(),
		o.attachFileTool(),
		o.decomposeTaskTool(),
		o.resumeTaskTool(),
		o.injectMessageTool(),
		o.cancelTaskTool(),
		o.replanTaskTool(),
	}
}

func (o *Orchestrator) shellExecTool() driver.Tool {
	return driver.Tool{
		Name:        "shell_exec",
		Label:       "Shell",
		Description: "Run a shell command in the current workspace and return its combined output.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"command": map[string]any{"type": "string"}},
			"required":   []string{"command"},
		},
		Execute: func(ctx context.Context, _ string, params map[string]any) (driver.ToolResult, error) {
			command, _ := params["command"].(string)
			if command == "" {
				return driver.ToolResult{IsError: true, ContentText: "command is required"}, nil
			}
			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = o.cfg.Workspace
			out, err := cmd.CombinedOutput()
			o.bus.Emit(task.Event{Action: task.ActionTerminal, Data: map[string]any{"command": command, "output": string(out)}})
			result := driver.ToolResult{ContentText: truncate(string(out), shellOutputTruncate)}
			if err != nil {
				result.IsError = true
				result.ContentText = fmt.Sprintf("%s\n(exit error: %s)", result.ContentText, err)
			}
			return result, nil
		},
	}
}

func (o *Orchestrator) searchTool() driver.Tool {
	return driver.Tool{
		Name:        "search",
		Label:       "Search",
		Description: "Search the web for information relevant to the conversation.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []string{"query"},
		},
		Execute: func(ctx context.Context, _ string, params map[string]any) (driver.ToolResult, error) {
			if o.deps.Search == nil {
				return driver.ToolResult{IsError: true, ContentText: "search provider not configured"}, nil
			}
			query, _ := params["query"].(string)
			text, err := o.deps.Search.Search(ctx, query)
			if err != nil {
				return driver.ToolResult{IsError: true, ContentText: err.Error()}, nil
			}
			return driver.ToolResult{ContentText: text}, nil
		},
	}
}

// askHumanTool emits an `ask` event carrying a generated question id and blocks until
// SubmitHumanResponse delivers a reply for that id, or AskTimeout elapses.
func (o *Orchestrator) askHumanTool() driver.Tool {
	return driver.Tool{
		Name:        "ask_human",
		Label:       "Ask",
		Description: "Ask the user a clarifying question and wait for their reply.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"question": map[string]any{"type": "string"}},
			"required":   []string{"question"},
		},
		Execute: func(ctx context.Context, _ string, params map[string]any) (driver.ToolResult, error) {
			question, _ := params["question"].(string)
			id := uuid.NewString()
			reply := make(chan string, 1)

			o.askMu.Lock()
			o.askPending[id] = reply
			o.askMu.Unlock()

			o.bus.Emit(task.Event{Action: task.ActionAsk, Data: map[string]any{"id": id, "question": question}})

			select {
			case answer := <-reply:
				return driver.ToolResult{ContentText: answer}, nil
			case <-ctx.Done():
				o.forgetAsk(id)
				return driver.ToolResult{IsError: true, ContentText: "cancelled"}, nil
			case <-time.After(AskTimeout):
				o.forgetAsk(id)
				return driver.ToolResult{IsError: true, ContentText: "timed out waiting for a reply"}, nil
			}
		},
	}
}

func (o *Orchestrator) forgetAsk(id string) {
	o.askMu.Lock()
	delete(o.askPending, id)
	o.askMu.Unlock()
}

// attachFileTool lets the user hand the orchestrator a file that rides along on the next
// decompose_task call's attached-files list (§ attach-file tool).
func (o *Orchestrator) attachFileTool() driver.Tool {
	return driver.Tool{
		Name:        "attach_file",
		Label:       "Attach",
		Description: "Attach a file from the workspace so it is forwarded with the next delegated task.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []string{"path"},
		},
		Execute: func(_ context.Context, _ string, params map[string]any) (driver.ToolResult, error) {
			path, _ := params["path"].(string)
			abs, err := workspaceRelativePath(o.cfg.Workspace, path)
			if err != nil {
				return driver.ToolResult{IsError: true, ContentText: err.Error()}, nil
			}
			o.mu.Lock()
			o.attached = append(o.attached, abs)
			o.mu.Unlock()
			return driver.ToolResult{ContentText: fmt.Sprintf("attached %s", path)}, nil
		},
	}
}

// decomposeTaskTool sets the per-turn delegation context and aborts the driver so no further
// tool calls happen this turn (§4.5 "decompose_task mechanics").
func (o *Orchestrator) decomposeTaskTool() driver.Tool {
	return driver.Tool{
		Name:        "decompose_task",
		Label:       "Decompose",
		Description: "Delegate background work to an Executor. Provide resume_task_id to resume a prior snapshot instead of planning fresh.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description":      map[string]any{"type": "string"},
				"workspace_folder": map[string]any{"type": "string"},
				"resume_task_id":   map[string]any{"type": "string"},
			},
			"required": []string{"description"},
		},
		Execute: func(_ context.Context, _ string, params map[string]any) (driver.ToolResult, error) {
			description, _ := params["description"].(string)
			workspaceFolder, _ := params["workspace_folder"].(string)
			resumeTaskID, _ := params["resume_task_id"].(string)

			o.mu.Lock()
			o.delegated = &delegation{Description: description, WorkspaceFolder: workspaceFolder, ResumeTaskID: resumeTaskID}
			o.mu.Unlock()

			o.driver.Abort()
			return driver.ToolResult{ContentText: "delegated to a background executor"}, nil
		},
	}
}

// resumeTaskTool loads a snapshot (most-recent incomplete if task_id omitted) and returns a
// markdown summary; it does not itself resume execution (§4.5 "Resume").
func (o *Orchestrator) resumeTaskTool() driver.Tool {
	return driver.Tool{
		Name:        "resume_task",
		Label:       "Resume",
		Description: "Load a prior task snapshot (most recent incomplete one if task_id is omitted) and summarise it.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"task_id": map[string]any{"type": "string"}},
		},
		Execute: func(ctx context.Context, _ string, params map[string]any) (driver.ToolResult, error) {
			taskID, _ := params["task_id"].(string)

			var snap *task.Snapshot
			var err error
			if taskID != "" {
				snap, err = o.deps.Store.Load(ctx, taskID)
			} else {
				snap, err = o.deps.Store.LoadLatestIncomplete(ctx)
			}
			if err != nil {
				return driver.ToolResult{IsError: true, ContentText: fmt.Sprintf("no resumable task found: %s", err)}, nil
			}
			return driver.ToolResult{ContentText: summarizeSnapshot(snap)}, nil
		},
	}
}

func summarizeSnapshot(snap *task.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Task %s\n", snap.TaskID)
	fmt.Fprintf(&b, "- request: %s\n", snap.UserRequest)
	fmt.Fprintf(&b, "- status: %s\n", snap.Status)
	for _, s := range snap.Subtasks {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", s.State, s.Content, s.AgentType)
	}
	return b.String()
}

// injectMessageTool queues a note for a running executor's handle. The Executor has no live
// message channel into an in-flight subtask agent; the note surfaces in the active-tasks
// context on the next orchestrator iteration and in the completion summary once the handle
// settles, rather than interrupting the subtask turn in progress.
func (o *Orchestrator) injectMessageTool() driver.Tool {
	return driver.Tool{
		Name:        "inject_message",
		Label:       "Inject",
		Description: "Queue a note for a running executor, surfaced alongside its progress and final summary.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"handle_id": map[string]any{"type": "string"},
				"message":   map[string]any{"type": "string"},
			},
			"required": []string{"handle_id", "message"},
		},
		Execute: func(_ context.Context, _ string, params map[string]any) (driver.ToolResult, error) {
			handleID, _ := params["handle_id"].(string)
			message, _ := params["message"].(string)

			o.mu.Lock()
			entry, ok := o.handles[handleID]
			if ok {
				entry.notes = append(entry.notes, message)
			}
			o.mu.Unlock()
			if !ok {
				return driver.ToolResult{IsError: true, ContentText: fmt.Sprintf("no active executor %q", handleID)}, nil
			}
			o.bus.Emit(task.Event{Action: task.ActionNotice, Data: map[string]any{"handle_id": handleID, "message": message}})
			return driver.ToolResult{ContentText: "queued"}, nil
		},
	}
}

func (o *Orchestrator) cancelTaskTool() driver.Tool {
	return driver.Tool{
		Name:        "cancel_task",
		Label:       "Cancel",
		Description: "Stop a running executor.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"handle_id": map[string]any{"type": "string"}},
			"required":   []string{"handle_id"},
		},
		Execute: func(_ context.Context, _ string, params map[string]any) (driver.ToolResult, error) {
			handleID, _ := params["handle_id"].(string)
			o.mu.Lock()
			entry, ok := o.handles[handleID]
			o.mu.Unlock()
			if !ok {
				return driver.ToolResult{IsError: true, ContentText: fmt.Sprintf("no active executor %q", handleID)}, nil
			}
			entry.handle.Stop()
			return driver.ToolResult{ContentText: "cancelling"}, nil
		},
	}
}

// replanTaskTool parses a fresh <tasks> block and replaces a running executor's still-PENDING
// subtasks with it (§4.4 Replan).
func (o *Orchestrator) replanTaskTool() driver.Tool {
	return driver.Tool{
		Name:        "replan_task",
		Label:       "Replan",
		Description: "Replace a running executor's not-yet-started subtasks with a revised plan.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"handle_id":     map[string]any{"type": "string"},
				"subtasks_xml":  map[string]any{"type": "string"},
			},
			"required": []string{"handle_id", "subtasks_xml"},
		},
		Execute: func(_ context.Context, _ string, params map[string]any) (driver.ToolResult, error) {
			handleID, _ := params["handle_id"].(string)
			subtasksXML, _ := params["subtasks_xml"].(string)

			o.mu.Lock()
			entry, ok := o.handles[handleID]
			o.mu.Unlock()
			if !ok || entry.exec == nil {
				return driver.ToolResult{IsError: true, ContentText: fmt.Sprintf("no active executor %q", handleID)}, nil
			}

			replacements, err := planner.ParseDecomposition(subtasksXML)
			if err != nil {
				return driver.ToolResult{IsError: true, ContentText: fmt.Sprintf("parse replan: %s", err)}, nil
			}
			res, err := entry.exec.Replan(replacements)
			if err != nil {
				return driver.ToolResult{IsError: true, ContentText: err.Error()}, nil
			}
			return driver.ToolResult{ContentText: fmt.Sprintf("replanned: removed %d, added %d, kept %d", res.RemovedCount, res.AddedCount, len(res.KeptIDs))}, nil
		},
	}
}

// workspaceRelativePath resolves path against workspace and rejects anything that escapes it.
func workspaceRelativePath(workspace, path string) (string, error) {
	abs := filepath.Join(workspace, path)
	clean := filepath.Clean(abs)
	if !strings.HasPrefix(clean, filepath.Clean(workspace)+string(filepath.Separator)) && clean != filepath.Clean(workspace) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return clean, nil
}
