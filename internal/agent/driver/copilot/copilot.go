// Package copilot implements driver.Driver over github.com/github/copilot-sdk/go, reusing the
// teacher's own pkg/copilot.Client wrapper and the event-kind mapping observed in
// internal/agentctl/server/adapter/copilot_adapter.go.
package copilot

import (
	"context"
	"fmt"
	"sync"

	sdk "github.com/github/copilot-sdk/go"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/pkg/copilot"
)

// Driver drives one Copilot SDK session and translates its events into driver.Event.
type Driver struct {
	client *copilot.Client
	logger *logger.Logger

	mu            sync.Mutex
	sessionID     string
	systemPrompt  string
	subs          []func(driver.Event)
	messages      []driver.Message
	textAcc       string
	turnDone      chan struct{}
	turnErr       error
}

// New starts a Copilot SDK client (spawning the CLI process unless cliURL points at an
// externally managed one) and creates a fresh session.
func New(ctx context.Context, cliURL, model string, log *logger.Logger) (*Driver, error) {
	client := copilot.NewClient(copilot.ClientConfig{CLIUrl: cliURL, Model: model}, log)
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("start copilot client: %w", err)
	}

	d := &Driver{client: client, logger: log}
	client.SetEventHandler(d.handleEvent)

	sessionID, err := client.CreateSession(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create copilot session: %w", err)
	}
	d.sessionID = sessionID
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

// Prompt implements driver.Driver. attachments are unsupported by this driver; Copilot
// sessions take a single text prompt.
func (d *Driver) Prompt(ctx context.Context, text string, attachments []string) error {
	d.mu.Lock()
	d.textAcc = ""
	d.turnDone = make(chan struct{})
	d.turnErr = nil
	done := d.turnDone
	d.mu.Unlock()

	d.emit(driver.Event{Kind: driver.EventTurnStart})

	if _, err := d.client.Send(ctx, text); err != nil {
		return fmt.Errorf("send copilot message: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	err := d.turnErr
	d.mu.Unlock()
	return err
}

// Abort implements driver.Driver.
func (d *Driver) Abort() {
	_ = d.client.Abort(context.Background())
	d.emit(driver.Event{Kind: driver.EventAgentEnd, StopReason: "aborted"})
}

// Messages implements driver.Driver.
func (d *Driver) Messages() []driver.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.Message(nil), d.messages...)
}

// SetSystemPrompt implements driver.Driver. The Copilot SDK session config has no dedicated
// system-prompt field in the grounding adapter; it is folded into the next sent message as a
// leading instruction block, matching how the teacher's adapter has no separate slot either.
func (d *Driver) SetSystemPrompt(prompt string) {
	d.mu.Lock()
	d.systemPrompt = prompt
	d.mu.Unlock()
}

// handleEvent translates one copilot.SessionEvent into driver events, grounded on
// CopilotAdapter.handleEvent's dispatch in the teacher's adapter.
func (d *Driver) handleEvent(evt copilot.SessionEvent) {
	switch evt.Type {
	case copilot.EventTypeAssistantTurnStart:
		d.emit(driver.Event{Kind: driver.EventMessageStart})

	case copilot.EventTypeAssistantMessageDelta:
		if evt.Data.DeltaContent == nil || *evt.Data.DeltaContent == "" {
			return
		}
		text := *evt.Data.DeltaContent
		d.mu.Lock()
		d.textAcc += text
		d.mu.Unlock()
		d.emit(driver.Event{Kind: driver.EventMessageUpdate, TextDelta: text})

	case copilot.EventTypeAssistantReasoning, copilot.EventTypeAssistantReasoningDelta:
		var content string
		if evt.Data.Content != nil {
			content = *evt.Data.Content
		} else if evt.Data.DeltaContent != nil {
			content = *evt.Data.DeltaContent
		}
		if content != "" {
			d.emit(driver.Event{Kind: driver.EventMessageUpdate, TextDelta: content, IsThinkingDelta: true})
		}

	case copilot.EventTypeToolStart:
		toolCallID, toolName := stringField(evt.Data.ToolCallID), stringField(evt.Data.ToolName)
		d.emit(driver.Event{Kind: driver.EventToolExecutionStart, ToolCallID: toolCallID, ToolName: toolName})

	case copilot.EventTypeToolProgress:
		d.emit(driver.Event{Kind: driver.EventToolExecutionUpdate, ToolCallID: stringField(evt.Data.ToolCallID)})

	case copilot.EventTypeToolComplete:
		d.emit(driver.Event{Kind: driver.EventToolExecutionEnd, ToolCallID: stringField(evt.Data.ToolCallID)})

	case copilot.EventTypeAssistantTurnEnd:
		d.emit(driver.Event{Kind: driver.EventMessageEnd})

	case copilot.EventTypeSessionIdle:
		d.mu.Lock()
		finalText := d.textAcc
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

	case copilot.EventTypeSessionError:
		d.mu.Lock()
		d.turnErr = fmt.Errorf("copilot session error")
		done := d.turnDone
		d.mu.Unlock()
		d.emit(driver.Event{Kind: driver.EventAgentEnd, StopReason: "error"})
		if done != nil {
			close(done)
		}
	}
}

func stringField(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Close terminates the underlying Copilot SDK client.
func (d *Driver) Close() error {
	return d.client.Stop()
}
