// Package anthropic implements driver.Driver directly over the Anthropic Messages API via
// github.com/anthropics/anthropic-sdk-go, grounded on the request/response encoding in
// features/model/anthropic/client.go (tool schema, message/content-block translation,
// tool_use/tool_result round trip). Unlike the acp/copilot/pty backends — which drive an
// external CLI agent that owns its own tool set — this driver runs the tool-call loop itself,
// which is what the orchestrator's own conversational loop needs: its nine tools are plain Go
// closures (§4.5 step 7), not something an external agent process could be handed.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
)

// MaxToolIterations bounds how many tool_use/tool_result round trips a single Prompt call will
// drive before giving up, mirroring the executor's own MaxTurnsPerSubtask guard against a
// runaway tool loop.
const MaxToolIterations = 50

// DefaultMaxTokens is used when Config.MaxTokens is left zero.
const DefaultMaxTokens = 4096

// messagesClient is the narrow SDK surface this driver calls, so tests can substitute a fake
// without a real API key.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Config configures a Driver.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// Driver drives one Anthropic-backed tool-calling conversation.
type Driver struct {
	client messagesClient
	model  string
	maxTok int64
	logger *logger.Logger

	tools map[string]driver.Tool

	mu           sync.Mutex
	subs         []func(driver.Event)
	systemPrompt string
	history      []sdk.MessageParam
	messages     []driver.Message
}

// New constructs a Driver with the given tool list fixed for the life of the conversation
// (§4.5: tools are supplied once at construction, never per-Prompt).
func New(cfg Config, tools []driver.Tool, log *logger.Logger) (*Driver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: model is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return newWithClient(&client.Messages, cfg.Model, maxTokens, tools, log), nil
}

func newWithClient(client messagesClient, model string, maxTokens int, tools []driver.Tool, log *logger.Logger) *Driver {
	byName := make(map[string]driver.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	return &Driver{
		client: client,
		model:  model,
		maxTok: int64(maxTokens),
		logger: log,
		tools:  byName,
	}
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

// SetSystemPrompt implements driver.Driver.
func (d *Driver) SetSystemPrompt(prompt string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.systemPrompt = prompt
}

// Messages implements driver.Driver.
func (d *Driver) Messages() []driver.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.Message(nil), d.messages...)
}

// Abort implements driver.Driver. The SDK call underlying an in-flight Prompt is cancelled via
// its ctx by the caller; Abort only marks the synthetic end so subscribers see a turn boundary.
func (d *Driver) Abort() {
	d.emit(driver.Event{Kind: driver.EventTurnEnd})
	d.emit(driver.Event{Kind: driver.EventAgentEnd, StopReason: "aborted"})
}

// Prompt implements driver.Driver: it appends text as a user turn, then drives the
// tool_use/tool_result loop against the Messages API until the model stops asking for tools or
// MaxToolIterations is hit.
func (d *Driver) Prompt(ctx context.Context, text string, attachments []string) error {
	d.emit(driver.Event{Kind: driver.EventTurnStart})
	d.emit(driver.Event{Kind: driver.EventAgentStart})

	d.mu.Lock()
	d.history = append(d.history, sdk.NewUserMessage(sdk.NewTextBlock(text)))
	d.messages = append(d.messages, driver.Message{
		Role:    driver.RoleUser,
		Content: []driver.MessagePart{{Kind: driver.PartText, Text: text}},
	})
	d.mu.Unlock()

	stopReason := "end_turn"
	for i := 0; i < MaxToolIterations; i++ {
		params, err := d.buildParams()
		if err != nil {
			return err
		}

		msg, err := d.client.New(ctx, params)
		if err != nil {
			d.emit(driver.Event{Kind: driver.EventAgentEnd, StopReason: "error"})
			return fmt.Errorf("anthropic messages.new: %w", err)
		}

		assistantParts, toolCalls := d.translate(msg)
		d.recordAssistantTurn(msg, assistantParts)

		for _, part := range assistantParts {
			if part.Kind == driver.PartText {
				d.emit(driver.Event{Kind: driver.EventMessageUpdate, TextDelta: part.Text})
			}
		}

		if len(toolCalls) == 0 {
			stopReason = string(msg.StopReason)
			break
		}

		results := d.executeToolCalls(ctx, toolCalls)
		d.recordToolResults(results)
		if i == MaxToolIterations-1 {
			stopReason = "max_turns"
		}
	}

	d.emit(driver.Event{Kind: driver.EventTurnEnd})
	d.mu.Lock()
	final := append([]driver.Message(nil), d.messages...)
	d.mu.Unlock()
	d.emit(driver.Event{Kind: driver.EventAgentEnd, StopReason: stopReason, FinalMessages: final})
	return nil
}

func (d *Driver) buildParams() (sdk.MessageNewParams, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	params := sdk.MessageNewParams{
		MaxTokens: d.maxTok,
		Model:     sdk.Model(d.model),
		Messages:  append([]sdk.MessageParam(nil), d.history...),
	}
	if d.systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: d.systemPrompt}}
	}
	if len(d.tools) > 0 {
		toolParams := make([]sdk.ToolUnionParam, 0, len(d.tools))
		for name, t := range d.tools {
			schema, err := toInputSchema(t.Parameters)
			if err != nil {
				return sdk.MessageNewParams{}, fmt.Errorf("anthropic: tool %q schema: %w", name, err)
			}
			u := sdk.ToolUnionParamOfTool(schema, name)
			if u.OfTool != nil {
				u.OfTool.Description = sdk.String(t.Description)
			}
			toolParams = append(toolParams, u)
		}
		params.Tools = toolParams
	}
	return params, nil
}

func toInputSchema(parameters map[string]any) (sdk.ToolInputSchemaParam, error) {
	if parameters == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	return sdk.ToolInputSchemaParam{ExtraFields: parameters}, nil
}

type toolCall struct {
	id    string
	name  string
	input map[string]any
}

func (d *Driver) translate(msg *sdk.Message) ([]driver.MessagePart, []toolCall) {
	var parts []driver.MessagePart
	var calls []toolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, driver.MessagePart{Kind: driver.PartText, Text: block.Text})
			}
		case "tool_use":
			var input map[string]any
			if err := json.Unmarshal(block.Input, &input); err != nil {
				input = map[string]any{}
			}
			parts = append(parts, driver.MessagePart{Kind: driver.PartToolCall, ToolCallID: block.ID, ToolName: block.Name, ToolArgsJSON: string(block.Input)})
			calls = append(calls, toolCall{id: block.ID, name: block.Name, input: input})
		}
	}
	return parts, calls
}

func (d *Driver) recordAssistantTurn(msg *sdk.Message, parts []driver.MessagePart) {
	d.mu.Lock()
	defer d.mu.Unlock()

	blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			blocks = append(blocks, sdk.NewTextBlock(block.Text))
		case "tool_use":
			var input map[string]any
			_ = json.Unmarshal(block.Input, &input)
			blocks = append(blocks, sdk.NewToolUseBlock(block.ID, input, block.Name))
		}
	}
	if len(blocks) > 0 {
		d.history = append(d.history, sdk.NewAssistantMessage(blocks...))
	}
	if len(parts) > 0 {
		d.messages = append(d.messages, driver.Message{Role: driver.RoleAssistant, Content: parts})
	}
}

func (d *Driver) executeToolCalls(ctx context.Context, calls []toolCall) []driver.Event {
	out := make([]driver.Event, 0, len(calls))
	for _, call := range calls {
		d.emit(driver.Event{Kind: driver.EventToolExecutionStart, ToolCallID: call.id, ToolName: call.name, ToolArgsJSON: mustMarshal(call.input)})

		t, ok := d.tools[call.name]
		var result driver.ToolResult
		var err error
		if !ok {
			result = driver.ToolResult{IsError: true, ContentText: fmt.Sprintf("unknown tool %q", call.name)}
		} else {
			result, err = t.Execute(ctx, call.id, call.input)
			if err != nil {
				result = driver.ToolResult{IsError: true, ContentText: err.Error()}
			}
		}

		evt := driver.Event{
			Kind:        driver.EventToolExecutionEnd,
			ToolCallID:  call.id,
			ToolName:    call.name,
			ToolIsError: result.IsError,
			ToolOutput:  result.ContentText,
		}
		d.emit(evt)
		out = append(out, evt)
	}
	return out
}

func (d *Driver) recordToolResults(results []driver.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	blocks := make([]sdk.ContentBlockParamUnion, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, sdk.NewToolResultBlock(r.ToolCallID, r.ToolOutput, r.ToolIsError))
		d.messages = append(d.messages, driver.Message{
			Role:       driver.RoleToolResult,
			ToolCallID: r.ToolCallID,
			ResultText: r.ToolOutput,
			IsError:    r.ToolIsError,
		})
	}
	if len(blocks) > 0 {
		d.history = append(d.history, sdk.NewUserMessage(blocks...))
	}
}

func mustMarshal(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
