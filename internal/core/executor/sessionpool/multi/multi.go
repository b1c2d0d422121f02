// Package multi composes the docker/sprites/pty session pool SessionBackends behind one
// executor.SessionBackend, dispatching by AgentType and deployment config (§4.4 "selected by
// agent_type and deployment config").
package multi

import (
	"context"
	"fmt"
	"sync"

	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// SessionBackend is the narrow surface each concrete sessionpool implementation already
// satisfies; exported so callers can build the byType map New expects.
type SessionBackend interface {
	Acquire(ctx context.Context, taskID string, agentType task.AgentType) (string, error)
	Release(sessionID string)
	Close(taskID string)
}

// Backend dispatches to one of several concrete SessionBackends by AgentType, falling back to
// the fallback backend when a type has no dedicated entry.
type Backend struct {
	byType  map[task.AgentType]SessionBackend
	fallback SessionBackend

	mu      sync.Mutex
	owner   map[string]SessionBackend // sessionID -> SessionBackend that minted it
}

// New builds a Backend. fallback must not be nil; byType entries override it per AgentType.
func New(fallback SessionBackend, byType map[task.AgentType]SessionBackend) *Backend {
	return &Backend{
		byType:  byType,
		fallback: fallback,
		owner:   make(map[string]SessionBackend),
	}
}

func (m *Backend) pick(agentType task.AgentType) SessionBackend {
	if b, ok := m.byType[agentType]; ok && b != nil {
		return b
	}
	return m.fallback
}

// Acquire delegates to the SessionBackend picked for agentType and remembers which one served the
// resulting session id, so Release can route back to the same SessionBackend.
func (m *Backend) Acquire(ctx context.Context, taskID string, agentType task.AgentType) (string, error) {
	b := m.pick(agentType)
	if b == nil {
		return "", fmt.Errorf("no session backend configured for agent type %q", agentType)
	}
	id, err := b.Acquire(ctx, taskID, agentType)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.owner[id] = b
	m.mu.Unlock()
	return id, nil
}

// Release routes to the SessionBackend that minted sessionID.
func (m *Backend) Release(sessionID string) {
	m.mu.Lock()
	b := m.owner[sessionID]
	delete(m.owner, sessionID)
	m.mu.Unlock()
	if b != nil {
		b.Release(sessionID)
	}
}

// Close tears down taskID's sessions on every SessionBackend, since a multi-subtask task may have
// borrowed from more than one.
func (m *Backend) Close(taskID string) {
	seen := make(map[SessionBackend]struct{})
	for _, b := range m.byType {
		if b == nil {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		b.Close(taskID)
	}
	if _, ok := seen[m.fallback]; !ok && m.fallback != nil {
		m.fallback.Close(taskID)
	}
}
