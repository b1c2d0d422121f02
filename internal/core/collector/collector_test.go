package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
)

func TestCollectExtractsThinkingToolNameAndJudgment(t *testing.T) {
	messages := []driver.Message{
		{
			Role: driver.RoleAssistant,
			Content: []driver.MessagePart{
				{Kind: driver.PartThinking, Text: "I should check the pricing page first."},
				{Kind: driver.PartToolCall, ToolCallID: "t1", ToolName: "browser_visit_page", ToolArgsJSON: `{"url":"https://example.com","unused":"x"}`},
			},
		},
		{Role: driver.RoleToolResult, ToolCallID: "t1", ResultText: "Loaded page. **URL:** https://example.com/pricing", IsError: false},
		{Role: driver.RoleAssistant, Content: []driver.MessagePart{{Kind: driver.PartText, Text: "Pricing page loaded successfully."}}},
	}

	c := New(DefaultConfig())
	data := c.Collect(messages)
	require.Len(t, data, 1)

	d := data[0]
	assert.Equal(t, "I should check the pricing page first.", d.Thinking)
	assert.Equal(t, "browser_visit_page", d.ToolName)
	assert.Equal(t, `{"url":"https://example.com"}`, d.InputSummary)
	assert.True(t, d.Success)
	assert.Contains(t, d.ResultSummary, "Loaded page")
	assert.Equal(t, "Pricing page loaded successfully.", d.Judgment)
	assert.Equal(t, "https://example.com/pricing", d.CurrentURL)
}

func TestCollectSkipsOptOutTools(t *testing.T) {
	messages := []driver.Message{
		{
			Role: driver.RoleAssistant,
			Content: []driver.MessagePart{
				{Kind: driver.PartToolCall, ToolCallID: "t1", ToolName: "browser_get_page_snapshot", ToolArgsJSON: `{}`},
			},
		},
		{Role: driver.RoleToolResult, ToolCallID: "t1", ResultText: "snapshot"},
	}

	c := New(DefaultConfig())
	assert.Empty(t, c.Collect(messages))
}

func TestCollectMarksFailureFromToolResultIsError(t *testing.T) {
	messages := []driver.Message{
		{
			Role: driver.RoleAssistant,
			Content: []driver.MessagePart{
				{Kind: driver.PartToolCall, ToolCallID: "t1", ToolName: "code_run_script", ToolArgsJSON: `{"language":"python","script":"raise"}`},
			},
		},
		{Role: driver.RoleToolResult, ToolCallID: "t1", ResultText: "Traceback...", IsError: true},
	}

	c := New(DefaultConfig())
	data := c.Collect(messages)
	require.Len(t, data, 1)
	assert.False(t, data[0].Success)
	assert.Equal(t, `{"language":"python"}`, data[0].InputSummary)
}

func TestCollectUnlistedToolTruncatesStringFields(t *testing.T) {
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'a'
	}
	messages := []driver.Message{
		{
			Role: driver.RoleAssistant,
			Content: []driver.MessagePart{
				{Kind: driver.PartToolCall, ToolCallID: "t1", ToolName: "some_unlisted_tool", ToolArgsJSON: `{"blob":"` + string(long) + `"}`},
			},
		},
		{Role: driver.RoleToolResult, ToolCallID: "t1", ResultText: "ok"},
	}

	c := New(DefaultConfig())
	data := c.Collect(messages)
	require.Len(t, data, 1)
	assert.LessOrEqual(t, len(data[0].InputSummary), inputTruncate)
	assert.NotContains(t, data[0].InputSummary, string(long))
}
