package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
)

// scriptedClient answers successive New calls from a fixed queue, letting a test drive a
// multi-turn tool_use/tool_result loop deterministically.
type scriptedClient struct {
	replies []*sdk.Message
	calls   int
	seen    []sdk.MessageNewParams
}

func (c *scriptedClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	c.seen = append(c.seen, body)
	reply := c.replies[c.calls]
	c.calls++
	return reply, nil
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		StopReason: "end_turn",
	}
}

func toolUseMessage(id, name string, input map[string]any) *sdk.Message {
	raw, _ := json.Marshal(input)
	return &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "tool_use", ID: id, Name: name, Input: raw}},
		StopReason: "tool_use",
	}
}

func TestPromptNoToolCallReturnsTextAndEndsTurn(t *testing.T) {
	client := &scriptedClient{replies: []*sdk.Message{textMessage("hello there")}}
	d := newWithClient(client, "claude-test", 1024, nil, logger.Default())

	var events []driver.Event
	d.Subscribe(func(e driver.Event) { events = append(events, e) })

	require.NoError(t, d.Prompt(context.Background(), "hi", nil))

	msgs := d.Messages()
	require.Len(t, msgs, 2) // user + assistant
	assert.Equal(t, driver.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello there", msgs[1].Content[0].Text)

	var sawEnd bool
	for _, e := range events {
		if e.Kind == driver.EventAgentEnd {
			sawEnd = true
			assert.Equal(t, "end_turn", e.StopReason)
		}
	}
	assert.True(t, sawEnd)
}

func TestPromptDrivesToolUseLoopToCompletion(t *testing.T) {
	client := &scriptedClient{replies: []*sdk.Message{
		toolUseMessage("call-1", "shell_exec", map[string]any{"command": "ls"}),
		textMessage("done"),
	}}

	var executed map[string]any
	tool := driver.Tool{
		Name: "shell_exec",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"command": map[string]any{"type": "string"}},
		},
		Execute: func(ctx context.Context, toolCallID string, params map[string]any) (driver.ToolResult, error) {
			executed = params
			return driver.ToolResult{ContentText: "file1\nfile2"}, nil
		},
	}

	d := newWithClient(client, "claude-test", 1024, []driver.Tool{tool}, logger.Default())

	var events []driver.Event
	d.Subscribe(func(e driver.Event) { events = append(events, e) })

	require.NoError(t, d.Prompt(context.Background(), "list files", nil))

	assert.Equal(t, "ls", executed["command"])
	assert.Equal(t, 2, client.calls)

	var sawToolStart, sawToolEnd bool
	for _, e := range events {
		if e.Kind == driver.EventToolExecutionStart {
			sawToolStart = true
		}
		if e.Kind == driver.EventToolExecutionEnd {
			sawToolEnd = true
			assert.Equal(t, "file1\nfile2", e.ToolOutput)
			assert.False(t, e.ToolIsError)
		}
	}
	assert.True(t, sawToolStart)
	assert.True(t, sawToolEnd)

	msgs := d.Messages()
	var sawResult bool
	for _, m := range msgs {
		if m.Role == driver.RoleToolResult {
			sawResult = true
			assert.Equal(t, "file1\nfile2", m.ResultText)
		}
	}
	assert.True(t, sawResult)
}

func TestPromptUnknownToolReturnsErrorResultWithoutFailingTheCall(t *testing.T) {
	client := &scriptedClient{replies: []*sdk.Message{
		toolUseMessage("call-1", "nonexistent", map[string]any{}),
		textMessage("gave up"),
	}}
	d := newWithClient(client, "claude-test", 1024, nil, logger.Default())

	require.NoError(t, d.Prompt(context.Background(), "do the thing", nil))

	var sawErrorResult bool
	for _, m := range d.Messages() {
		if m.Role == driver.RoleToolResult && m.IsError {
			sawErrorResult = true
		}
	}
	assert.True(t, sawErrorResult)
}

func TestSetSystemPromptIsIncludedInParams(t *testing.T) {
	client := &scriptedClient{replies: []*sdk.Message{textMessage("ok")}}
	d := newWithClient(client, "claude-test", 1024, nil, logger.Default())
	d.SetSystemPrompt("you are a test")

	require.NoError(t, d.Prompt(context.Background(), "hi", nil))

	require.Len(t, client.seen, 1)
	require.Len(t, client.seen[0].System, 1)
	assert.Equal(t, "you are a test", client.seen[0].System[0].Text)
}
