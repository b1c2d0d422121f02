// Package sprites implements the executor's session pool backend for code subtasks that need
// an isolated, network-reachable remote compute environment instead of a local container
// (§4.4 domain-stack wiring). Selected by deployment config when Docker is unavailable or
// remote execution is preferred.
package sprites

import (
	"context"
	"fmt"
	"sync"

	sprites "github.com/superfly/sprites-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

const namePrefix = "kandev-"

// Backend is an executor.SessionBackend backed by Sprites.dev micro-VM sandboxes.
type Backend struct {
	client *sprites.Client
	logger *logger.Logger

	mu     sync.Mutex
	sprite map[string]map[string]spriteHandle // taskID -> sessionID -> sprite
}

type spriteHandle struct {
	name   string
	sprite *sprites.Sprite
}

// New creates a Backend authenticated with apiToken.
func New(apiToken string, log *logger.Logger) *Backend {
	return &Backend{
		client: sprites.New(apiToken),
		logger: log.WithFields(zap.String("component", "sessionpool-sprites")),
		sprite: make(map[string]map[string]spriteHandle),
	}
}

// Acquire boots a fresh micro-VM sandbox and returns a session id for it.
func (b *Backend) Acquire(ctx context.Context, taskID string, agentType task.AgentType) (string, error) {
	id := uuid.NewString()

	sp, err := b.client.CreateSprite(ctx, namePrefix+id, nil)
	if err != nil {
		return "", fmt.Errorf("create sprite: %w", err)
	}

	b.mu.Lock()
	if b.sprite[taskID] == nil {
		b.sprite[taskID] = make(map[string]spriteHandle)
	}
	b.sprite[taskID][id] = spriteHandle{name: namePrefix + id, sprite: sp}
	b.mu.Unlock()

	return id, nil
}

// Release is a no-op: sprites are not pooled across subtasks, only across a task's lifetime
// via Close, since each code subtask gets its own dedicated sandbox.
func (b *Backend) Release(sessionID string) {}

// Close destroys every sprite allocated for taskID.
func (b *Backend) Close(taskID string) {
	b.mu.Lock()
	byID := b.sprite[taskID]
	delete(b.sprite, taskID)
	b.mu.Unlock()

	for id, h := range byID {
		if err := b.client.Sprite(h.name).Destroy(); err != nil {
			b.logger.Warn("destroy sprite failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}
