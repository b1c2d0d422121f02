// Package pty implements driver.Driver over a terminal-native CLI agent, reusing the already
// vt10x-backed PTY process runner (internal/agentctl/server/process.InteractiveRunner) instead
// of re-implementing pseudo-terminal handling and TUI state detection.
package pty

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/agentctl/server/process"
	"github.com/AriseOS/ami-desktop-sub002/internal/agentctl/types"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
)

// Driver runs one terminal-native agent CLI (e.g. Claude Code, Codex) under a PTY and surfaces
// its output and working/waiting state transitions as driver.Event.
type Driver struct {
	runner     *process.InteractiveRunner
	command    []string
	workDir    string
	sessionID  string
	logger     *logger.Logger

	mu         sync.Mutex
	processID  string
	systemPrompt string
	subs       []func(driver.Event)
	messages   []driver.Message
	textAcc    strings.Builder
	turnDone   chan struct{}
}

// Config selects the CLI command and turn-detection parameters for a pty-backed agent.
type Config struct {
	Command       []string
	WorkDir       string
	SessionID     string
	PromptPattern string
	IdleTimeoutMs int
}

// New starts the configured agent CLI under a PTY and begins streaming its output.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Driver, error) {
	runner := process.NewInteractiveRunner(nil, log, 8<<20)

	d := &Driver{
		runner:    runner,
		command:   cfg.Command,
		workDir:   cfg.WorkDir,
		sessionID: cfg.SessionID,
		logger:    log.WithFields(),
	}

	runner.SetOutputCallback(d.handleOutput)
	runner.SetStatusCallback(d.handleStatus)
	runner.SetStateCallback(d.handleStateChange)
	runner.SetTurnCompleteCallback(d.handleTurnComplete)

	info, err := runner.Start(ctx, process.InteractiveStartRequest{
		SessionID:      cfg.SessionID,
		Command:        cfg.Command,
		WorkingDir:     cfg.WorkDir,
		PromptPattern:  cfg.PromptPattern,
		IdleTimeoutMs:  cfg.IdleTimeoutMs,
		ImmediateStart: true,
		DefaultCols:    120,
		DefaultRows:    40,
	})
	if err != nil {
		return nil, fmt.Errorf("start pty agent process: %w", err)
	}
	d.processID = info.ID
	return d, nil
}

// Subscribe implements driver.Driver.
func (d *Driver) Subscribe(cb func(driver.Event)) driver.Unsubscribe {
	d.mu.Lock()
	d.subs = append(d.subs, cb)
	idx := len(d.subs) - 1
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if idx < len(d.subs) {
			d.subs[idx] = nil
		}
	}
}

func (d *Driver) emit(evt driver.Event) {
	d.mu.Lock()
	subs := append([]func(driver.Event)(nil), d.subs...)
	d.mu.Unlock()
	for _, cb := range subs {
		if cb != nil {
			cb(evt)
		}
	}
}

// Prompt implements driver.Driver: it writes text followed by a newline to the agent's stdin
// and blocks until the runner's turn-detection (idle timer or prompt-pattern match) fires.
func (d *Driver) Prompt(ctx context.Context, text string, attachments []string) error {
	d.mu.Lock()
	d.textAcc.Reset()
	d.turnDone = make(chan struct{})
	done := d.turnDone
	d.mu.Unlock()

	d.emit(driver.Event{Kind: driver.EventTurnStart})

	if err := d.runner.WriteStdin(d.processID, text+"\n"); err != nil {
		return fmt.Errorf("write to pty stdin: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Abort implements driver.Driver: sends Ctrl-C to interrupt the running agent turn.
func (d *Driver) Abort() {
	_ = d.runner.WriteStdin(d.processID, "\x03")
	d.emit(driver.Event{Kind: driver.EventAgentEnd, StopReason: "aborted"})
}

// Messages implements driver.Driver.
func (d *Driver) Messages() []driver.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.Message(nil), d.messages...)
}

// SetSystemPrompt implements driver.Driver. A pty-backed CLI has no API-level system prompt
// slot; it is sent as the first line once the process becomes ready.
func (d *Driver) SetSystemPrompt(prompt string) {
	d.mu.Lock()
	d.systemPrompt = prompt
	d.mu.Unlock()
}

// handleOutput accumulates raw PTY bytes into the pending assistant message and forwards them
// as message_update deltas.
func (d *Driver) handleOutput(output *types.ProcessOutput) {
	if output == nil || output.Data == "" {
		return
	}
	d.mu.Lock()
	d.textAcc.WriteString(output.Data)
	d.mu.Unlock()
	d.emit(driver.Event{Kind: driver.EventMessageUpdate, TextDelta: output.Data})
}

// handleStatus is a no-op hook point for process lifecycle status (exited, crashed); the
// driver surfaces completion exclusively through handleTurnComplete/handleStateChange.
func (d *Driver) handleStatus(*types.ProcessStatusUpdate) {}

// handleStateChange maps the vt10x-detected TUI state into tool_execution events: a CLI
// entering "working" looks like a tool call from the orchestrator's perspective, since pty
// agents don't expose discrete tool boundaries the way API-driven drivers do.
func (d *Driver) handleStateChange(sessionID string, state process.AgentState) {
	switch state {
	case process.StateWorking:
		d.emit(driver.Event{Kind: driver.EventToolExecutionStart, ToolName: "terminal"})
	case process.StateWaitingApproval, process.StateWaitingInput:
		d.emit(driver.Event{Kind: driver.EventToolExecutionEnd, ToolName: "terminal"})
	}
}

// handleTurnComplete closes out the in-flight Prompt call once idle/prompt-pattern detection
// decides the agent is waiting for more input.
func (d *Driver) handleTurnComplete(sessionID string) {
	d.mu.Lock()
	finalText := d.textAcc.String()
	d.messages = append(d.messages, driver.Message{
		Role:    driver.RoleAssistant,
		Content: []driver.MessagePart{{Kind: driver.PartText, Text: finalText}},
	})
	done := d.turnDone
	d.mu.Unlock()

	d.emit(driver.Event{Kind: driver.EventTurnEnd})
	d.emit(driver.Event{Kind: driver.EventAgentEnd, StopReason: "end_turn", FinalMessages: d.Messages()})
	if done != nil {
		close(done)
	}
}

// Close stops the underlying PTY process.
func (d *Driver) Close() error {
	return d.runner.Stop(context.Background(), d.processID)
}
