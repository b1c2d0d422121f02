// Package pty implements the executor's session pool backend for code subtasks running
// directly against the local filesystem: no pooled external resource, just a synthetic session
// id scoped to the workspace directory (§4.4 domain-stack wiring, §3 "purely-local PTY
// session"). The actual pseudo-terminal is opened by internal/agent/driver/pty per prompt; this
// backend only tracks which workspace directory a session id maps to.
package pty

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// Backend is an executor.SessionBackend with no pooled external resource: Acquire just mints a
// session id bound to workspaceDir, Release is a no-op and Close forgets the task's session ids.
type Backend struct {
	workspaceDir func(taskID string) string

	mu       sync.Mutex
	sessions map[string]map[string]string // taskID -> sessionID -> workspaceDir
}

// New creates a Backend that resolves each task's workspace directory via workspaceDir.
func New(workspaceDir func(taskID string) string) *Backend {
	return &Backend{
		workspaceDir: workspaceDir,
		sessions:     make(map[string]map[string]string),
	}
}

// Acquire mints a session id bound to the task's workspace directory. No process is started
// here; internal/agent/driver/pty opens the actual pseudo-terminal per Prompt call.
func (b *Backend) Acquire(ctx context.Context, taskID string, agentType task.AgentType) (string, error) {
	id := uuid.NewString()

	b.mu.Lock()
	if b.sessions[taskID] == nil {
		b.sessions[taskID] = make(map[string]string)
	}
	b.sessions[taskID][id] = b.workspaceDir(taskID)
	b.mu.Unlock()

	return id, nil
}

// Workspace returns the workspace directory bound to sessionID, for the pty driver to cwd into.
func (b *Backend) Workspace(taskID, sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[taskID][sessionID]
}

// Release is a no-op: there is no external resource to free between subtasks.
func (b *Backend) Release(sessionID string) {}

// Close forgets every session id minted for taskID.
func (b *Backend) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, taskID)
}
