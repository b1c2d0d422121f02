package registry

import (
	"testing"

	agentpkg "github.com/AriseOS/ami-desktop-sub002/pkg/agent"
)

func TestCommandAndArgsPrefersEntrypointOverCmd(t *testing.T) {
	cfg := &AgentTypeConfig{
		Entrypoint: []string{"acp-agent", "--flag"},
		Cmd:        []string{"--extra"},
	}

	cmd, args := commandAndArgs(cfg)

	if cmd != "acp-agent" {
		t.Fatalf("expected acp-agent, got %q", cmd)
	}
	if len(args) != 2 || args[0] != "--flag" || args[1] != "--extra" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestCommandAndArgsFallsBackToCmd(t *testing.T) {
	cfg := &AgentTypeConfig{Cmd: []string{"codex", "--stdio"}}

	cmd, args := commandAndArgs(cfg)

	if cmd != "codex" {
		t.Fatalf("expected codex, got %q", cmd)
	}
	if len(args) != 1 || args[0] != "--stdio" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestCommandAndArgsFallsBackToAgentID(t *testing.T) {
	cfg := &AgentTypeConfig{ID: "my-agent"}

	cmd, args := commandAndArgs(cfg)

	if cmd != "my-agent" {
		t.Fatalf("expected my-agent, got %q", cmd)
	}
	if args != nil {
		t.Fatalf("expected no args, got %v", args)
	}
}

func TestDriverFactoriesCoverEveryStreamProtocol(t *testing.T) {
	for _, p := range []agentpkg.Protocol{
		agentpkg.ProtocolACP,
		agentpkg.ProtocolCopilot,
		agentpkg.ProtocolCodex,
		agentpkg.ProtocolClaudeCode,
		agentpkg.ProtocolAmp,
	} {
		if _, ok := driverFactories[p]; !ok {
			t.Errorf("expected a driver factory registered for protocol %q", p)
		}
	}
}

func TestNewDriverRejectsUnknownAgentType(t *testing.T) {
	log := newTestRegistryLogger()
	r := NewRegistry(log)

	_, err := r.NewDriver(nil, "does-not-exist", "/tmp", log)
	if err == nil {
		t.Fatal("expected an error for an unregistered agent type")
	}
}
