package registry

import (
	"context"
	"fmt"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver/acp"
	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver/copilot"
	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver/pty"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	agentpkg "github.com/AriseOS/ami-desktop-sub002/pkg/agent"
)

// DriverFactory starts a concrete driver.Driver for one subtask/orchestrator conversation,
// selected from an AgentTypeConfig's protocol. This is the registry's load-bearing purpose in
// this domain: agents.json stops describing Docker images for a Kanban worker and instead picks
// which of the three driver backends (acp/copilot/pty) answers a subtask.
type DriverFactory func(ctx context.Context, cfg *AgentTypeConfig, workDir string, log *logger.Logger) (driver.Driver, error)

// NewDriver builds the concrete driver for cfg's protocol. It is the registry's single entry
// point for turning a configured agent type into a runnable driver.
func (r *Registry) NewDriver(ctx context.Context, id string, workDir string, log *logger.Logger) (driver.Driver, error) {
	cfg, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	factory, ok := driverFactories[cfg.Protocol]
	if !ok {
		return nil, fmt.Errorf("agent type %q: no driver backend for protocol %q", id, cfg.Protocol)
	}
	return factory(ctx, cfg, workDir, log)
}

var driverFactories = map[agentpkg.Protocol]DriverFactory{
	agentpkg.ProtocolACP: func(ctx context.Context, cfg *AgentTypeConfig, workDir string, log *logger.Logger) (driver.Driver, error) {
		command, args := commandAndArgs(cfg)
		return acp.New(ctx, command, args, workDir, log)
	},
	agentpkg.ProtocolCopilot: func(ctx context.Context, cfg *AgentTypeConfig, workDir string, log *logger.Logger) (driver.Driver, error) {
		cliURL := cfg.ProtocolConfig["cli_url"]
		model := cfg.ModelConfig.DefaultModel
		return copilot.New(ctx, cliURL, model, log)
	},
	agentpkg.ProtocolCodex:      ptyFactory,
	agentpkg.ProtocolClaudeCode: ptyFactory,
	agentpkg.ProtocolAmp:        ptyFactory,
}

func ptyFactory(ctx context.Context, cfg *AgentTypeConfig, workDir string, log *logger.Logger) (driver.Driver, error) {
	command, args := commandAndArgs(cfg)
	return pty.New(ctx, pty.Config{
		Command:       append([]string{command}, args...),
		WorkDir:       workDir,
		SessionID:     cfg.ID,
		PromptPattern: cfg.ProtocolConfig["prompt_pattern"],
	}, log)
}

func commandAndArgs(cfg *AgentTypeConfig) (string, []string) {
	if len(cfg.Entrypoint) > 0 {
		return cfg.Entrypoint[0], append(append([]string{}, cfg.Entrypoint[1:]...), cfg.Cmd...)
	}
	if len(cfg.Cmd) > 0 {
		return cfg.Cmd[0], cfg.Cmd[1:]
	}
	return cfg.ID, nil
}
