// Package acp implements driver.Driver over the Agent Client Protocol, wrapping
// github.com/coder/acp-go-sdk. It reuses the teacher's own ACP client-side callback
// implementation (internal/agentctl/server/acp.Client) and translates its session/update
// notification stream into the bridge's turn vocabulary (§4.2).
package acp

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	acpclient "github.com/AriseOS/ami-desktop-sub002/internal/agentctl/server/acp"
	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
)

// Driver runs one agent subprocess speaking ACP over stdio and exposes it through the
// driver.Driver interface.
type Driver struct {
	logger *logger.Logger
	cmd    *exec.Cmd

	client *acpclient.Client
	conn   *acp.ClientSideConnection

	mu         sync.Mutex
	sessionID  string
	systemPrompt string
	subs       []func(driver.Event)
	messages   []driver.Message
	pendingText string
	pendingTool map[string]*driver.Event

	cancel context.CancelFunc
}

// New starts command (with args) as the ACP agent subprocess and initializes a session rooted
// at workDir.
func New(ctx context.Context, command string, args []string, workDir string, log *logger.Logger) (*Driver, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start acp agent: %w", err)
	}

	d := &Driver{
		logger:      log.WithFields(zap.String("component", "driver-acp")),
		cmd:         cmd,
		pendingTool: make(map[string]*driver.Event),
	}

	d.client = acpclient.NewClient(
		acpclient.WithLogger(d.logger.Zap()),
		acpclient.WithWorkspaceRoot(workDir),
		acpclient.WithUpdateHandler(d.handleUpdate),
	)
	d.conn = acp.NewClientSideConnection(d.client, stdin, stdout)

	if _, err := d.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "ami-desktop-sub002",
			Version: "1.0.0",
		},
	}); err != nil {
		return nil, fmt.Errorf("initialize acp connection: %w", err)
	}
	resp, err := d.conn.NewSession(ctx, acp.NewSessionRequest{Cwd: workDir})
	if err != nil {
		return nil, fmt.Errorf("create acp session: %w", err)
	}
	d.sessionID = string(resp.SessionId)

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

// Prompt implements driver.Driver: it blocks until the agent's prompt turn completes.
func (d *Driver) Prompt(ctx context.Context, text string, attachments []string) error {
	d.mu.Lock()
	sessionID := d.sessionID
	d.pendingText = ""
	d.mu.Unlock()

	d.emit(driver.Event{Kind: driver.EventTurnStart})

	_, err := d.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})

	d.mu.Lock()
	finalText := d.pendingText
	d.messages = append(d.messages, driver.Message{
		Role:    driver.RoleAssistant,
		Content: []driver.MessagePart{{Kind: driver.PartText, Text: finalText}},
	})
	d.mu.Unlock()

	stopReason := "end_turn"
	if err != nil {
		stopReason = "error"
	}
	d.emit(driver.Event{Kind: driver.EventTurnEnd})
	d.emit(driver.Event{Kind: driver.EventAgentEnd, StopReason: stopReason, FinalMessages: d.Messages()})
	return err
}

// Abort implements driver.Driver.
func (d *Driver) Abort() {
	d.mu.Lock()
	sessionID := d.sessionID
	d.mu.Unlock()
	ctx := context.Background()
	_ = d.conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(sessionID)})
	d.emit(driver.Event{Kind: driver.EventAgentEnd, StopReason: "aborted"})
}

// Messages implements driver.Driver.
func (d *Driver) Messages() []driver.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.Message(nil), d.messages...)
}

// SetSystemPrompt implements driver.Driver. ACP has no first-class system-prompt slot; it is
// folded into the next Prompt call's text as a leading block.
func (d *Driver) SetSystemPrompt(prompt string) {
	d.mu.Lock()
	d.systemPrompt = prompt
	d.mu.Unlock()
}

// handleUpdate translates one acp.SessionNotification into the driver's turn-shaped events,
// the same update kinds the teacher's own ACP adapter switches on
// (internal/agentctl/server/adapter/transport/acp/adapter.go's handleACPUpdate).
func (d *Driver) handleUpdate(n acp.SessionNotification) {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil && u.AgentMessageChunk.Content.Text != nil:
		text := u.AgentMessageChunk.Content.Text.Text
		d.mu.Lock()
		d.pendingText += text
		d.mu.Unlock()
		d.emit(driver.Event{Kind: driver.EventMessageUpdate, TextDelta: text})

	case u.AgentThoughtChunk != nil && u.AgentThoughtChunk.Content.Text != nil:
		text := u.AgentThoughtChunk.Content.Text.Text
		d.emit(driver.Event{Kind: driver.EventMessageUpdate, TextDelta: text, IsThinkingDelta: true})

	case u.ToolCall != nil:
		toolCallID := string(u.ToolCall.ToolCallId)
		d.emit(driver.Event{
			Kind:         driver.EventToolExecutionStart,
			ToolCallID:   toolCallID,
			ToolName:     string(u.ToolCall.Kind),
			ToolArgsJSON: "",
		})

	case u.ToolCallUpdate != nil:
		toolCallID := string(u.ToolCallUpdate.ToolCallId)
		isErr := u.ToolCallUpdate.Status != nil && string(*u.ToolCallUpdate.Status) == "failed"
		d.emit(driver.Event{
			Kind:        driver.EventToolExecutionEnd,
			ToolCallID:  toolCallID,
			ToolIsError: isErr,
		})
	}
}

// Close terminates the agent subprocess.
func (d *Driver) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	_ = d.cmd.Process.Kill()
	return d.cmd.Wait()
}

var _ io.Closer = (*Driver)(nil)
