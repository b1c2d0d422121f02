// Package docker implements the executor's session pool backend for browser subtasks: a
// pooled, long-lived headless-browser container per session id, reused across subtasks of the
// same task and torn down at task end (§3 "Session pool entry", §4.4 domain-stack wiring).
package docker

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AriseOS/ami-desktop-sub002/internal/common/config"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// Image is the headless-browser image every pooled container runs.
const Image = "kandev/browser-runtime:latest"

type session struct {
	containerID string
	claimed     bool
}

// Backend is an executor.SessionBackend that pools one browser container per task, claiming
// and releasing a shared "page slot" guarded by claimedMu — the one shared-resource policy
// named in §5 that this backend, uniquely among the three, needs.
type Backend struct {
	cli    *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger

	mu       sync.Mutex
	claimedMu sync.Mutex
	sessions map[string]map[string]*session // taskID -> sessionID -> session
}

// New creates a Backend from cfg. It negotiates the Docker API version against the configured
// (or default) host; callers should treat a non-nil error as "docker unavailable" and fall
// back to another agent_type's backend rather than retry in a loop.
func New(cfg config.DockerConfig, log *logger.Logger) (*Backend, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Backend{
		cli:      cli,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "sessionpool-docker")),
		sessions: make(map[string]map[string]*session),
	}, nil
}

// Acquire returns a session id backed by a running browser container, creating one lazily.
func (b *Backend) Acquire(ctx context.Context, taskID string, agentType task.AgentType) (string, error) {
	b.claimedMu.Lock()
	defer b.claimedMu.Unlock()

	b.mu.Lock()
	if b.sessions[taskID] == nil {
		b.sessions[taskID] = make(map[string]*session)
	}
	for id, s := range b.sessions[taskID] {
		if !s.claimed {
			s.claimed = true
			b.mu.Unlock()
			return id, nil
		}
	}
	b.mu.Unlock()

	id := uuid.NewString()
	containerID, err := b.createContainer(ctx, taskID, id)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.sessions[taskID][id] = &session{containerID: containerID, claimed: true}
	b.mu.Unlock()

	return id, nil
}

func (b *Backend) createContainer(ctx context.Context, taskID, sessionID string) (string, error) {
	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image: Image,
		Labels: map[string]string{
			"kandev.task_id":    taskID,
			"kandev.session_id": sessionID,
		},
	}, nil, nil, nil, "kandev-"+sessionID)
	if err != nil {
		return "", fmt.Errorf("create browser container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start browser container: %w", err)
	}
	return resp.ID, nil
}

// Release marks the session's page slot free for the next subtask to claim, without tearing
// the container down.
func (b *Backend) Release(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, byID := range b.sessions {
		if s, ok := byID[sessionID]; ok {
			s.claimed = false
			return
		}
	}
}

// Close stops and removes every container held for taskID.
func (b *Backend) Close(taskID string) {
	b.mu.Lock()
	byID := b.sessions[taskID]
	delete(b.sessions, taskID)
	b.mu.Unlock()

	for _, s := range byID {
		ctx := context.Background()
		if err := b.cli.ContainerStop(ctx, s.containerID, container.StopOptions{}); err != nil {
			b.logger.Warn("stop browser container failed", zap.String("container_id", s.containerID), zap.Error(err))
		}
		if err := b.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil {
			b.logger.Warn("remove browser container failed", zap.String("container_id", s.containerID), zap.Error(err))
		}
	}
}
