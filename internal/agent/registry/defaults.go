package registry

import "github.com/AriseOS/ami-desktop-sub002/pkg/agent"

// DefaultAgents returns the built-in agent type catalog, one entry per driver backend this
// registry's NewDriver can start (acp, copilot, pty running claude/codex/amp). A subtask's
// AgentType selects one of these by id via the orchestrator's agent-profile mapping.
func DefaultAgents() []*AgentTypeConfig {
	return []*AgentTypeConfig{
		{
			ID:          "augment-agent",
			Name:        "Augment Coding Agent",
			Description: "Auggie CLI-powered autonomous coding agent. Requires AUGMENT_SESSION_AUTH for authentication.",
			Image:       "kandev/augment-agent",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			Entrypoint:  []string{"auggie"},
			RequiredEnv: []string{"AUGMENT_SESSION_AUTH"},
			Env: map[string]string{
				"AGENTCTL_AUTO_APPROVE_PERMISSIONS": "true",
			},
			Mounts: []MountTemplate{
				{Source: "{workspace}", Target: "/workspace", ReadOnly: false},
				{Source: "{augment_sessions}", Target: "/root/.augment/sessions", ReadOnly: false},
			},
			ResourceLimits: ResourceLimits{
				MemoryMB:       4096,
				CPUCores:       2.0,
				TimeoutSeconds: 3600,
			},
			Capabilities: []string{"code_generation", "code_review", "refactoring", "testing", "shell_execution"},
			Protocol:     agent.ProtocolACP,
			SessionConfig: SessionConfig{
				SessionDirTemplate: "{home}/.augment/sessions",
				SessionDirTarget:   "/root/.augment/sessions",
			},
			Enabled: true,
		},
		{
			ID:          "claude-code",
			Name:        "Claude Code",
			Description: "Claude Code CLI driven over a managed PTY, resumed with --resume.",
			Image:       "kandev/claude-code",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			Entrypoint:  []string{"claude"},
			RequiredEnv: []string{"ANTHROPIC_API_KEY"},
			ResourceLimits: ResourceLimits{
				MemoryMB:       4096,
				CPUCores:       2.0,
				TimeoutSeconds: 3600,
			},
			Capabilities: []string{"code_generation", "code_review", "refactoring", "testing", "shell_execution"},
			Protocol:     agent.ProtocolClaudeCode,
			ProtocolConfig: map[string]string{
				"prompt_pattern": `\x1b\[\?25h`,
			},
			SessionConfig: SessionConfig{ResumeFlag: "--resume"},
			Enabled:       true,
		},
		{
			ID:          "codex",
			Name:        "Codex CLI",
			Description: "OpenAI Codex CLI driven over a managed PTY, suited to multi-modal document/image review.",
			Image:       "kandev/codex",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			Entrypoint:  []string{"codex"},
			RequiredEnv: []string{"OPENAI_API_KEY"},
			ResourceLimits: ResourceLimits{
				MemoryMB:       4096,
				CPUCores:       2.0,
				TimeoutSeconds: 3600,
			},
			Capabilities: []string{"code_generation", "multi_modal_review", "shell_execution"},
			Protocol:     agent.ProtocolCodex,
			ProtocolConfig: map[string]string{
				"prompt_pattern": `\x1b\[\?25h`,
			},
			SessionConfig: SessionConfig{ResumeFlag: "resume"},
			Enabled:       true,
		},
		{
			ID:          "amp",
			Name:        "Amp",
			Description: "Sourcegraph Amp CLI driven over a managed PTY, used for browser/research-heavy subtasks.",
			Image:       "kandev/amp",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			Entrypoint:  []string{"amp"},
			ResourceLimits: ResourceLimits{
				MemoryMB:       2048,
				CPUCores:       1.0,
				TimeoutSeconds: 3600,
			},
			Capabilities: []string{"web_browsing", "research", "shell_execution"},
			Protocol:     agent.ProtocolAmp,
			ProtocolConfig: map[string]string{
				"prompt_pattern": `\x1b\[\?25h`,
			},
			Enabled: true,
		},
		{
			ID:          "copilot",
			Name:        "GitHub Copilot",
			Description: "GitHub Copilot CLI agent, spoken to over its REST-ish protocol via internal/agent/driver/copilot.",
			Image:       "kandev/copilot",
			Tag:         "latest",
			WorkingDir:  "/workspace",
			RequiredEnv: []string{"GITHUB_COPILOT_TOKEN"},
			ResourceLimits: ResourceLimits{
				MemoryMB:       2048,
				CPUCores:       1.0,
				TimeoutSeconds: 1800,
			},
			Capabilities: []string{"document_editing", "code_review"},
			Protocol:     agent.ProtocolCopilot,
			ProtocolConfig: map[string]string{
				"cli_url": "http://localhost:4141",
			},
			ModelConfig: ModelConfig{DefaultModel: "gpt-4o"},
			Enabled:     true,
		},
	}
}

