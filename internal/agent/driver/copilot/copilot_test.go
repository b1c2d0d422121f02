package copilot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/pkg/copilot"
)

func ptr(s string) *string { return &s }

func TestHandleEventAccumulatesMessageDeltasAndClosesTurnOnIdle(t *testing.T) {
	d := &Driver{turnDone: make(chan struct{})}

	var got []driver.Event
	d.subs = append(d.subs, func(e driver.Event) { got = append(got, e) })

	d.handleEvent(copilot.SessionEvent{
		Type: copilot.EventTypeAssistantMessageDelta,
		Data: copilot.Data{DeltaContent: ptr("hel")},
	})
	d.handleEvent(copilot.SessionEvent{
		Type: copilot.EventTypeAssistantMessageDelta,
		Data: copilot.Data{DeltaContent: ptr("lo")},
	})
	d.handleEvent(copilot.SessionEvent{Type: copilot.EventTypeSessionIdle})

	assert.Equal(t, "hello", d.textAcc)
	assert.Len(t, d.messages, 1)
	assert.Equal(t, "hello", d.messages[0].Content[0].Text)

	var sawAgentEnd bool
	for _, e := range got {
		if e.Kind == driver.EventAgentEnd {
			sawAgentEnd = true
			assert.Equal(t, "end_turn", e.StopReason)
		}
	}
	assert.True(t, sawAgentEnd)

	select {
	case <-d.turnDone:
	default:
		t.Fatal("turnDone was not closed on session idle")
	}
}

func TestHandleEventToolLifecycleEmitsStartAndEnd(t *testing.T) {
	d := &Driver{turnDone: make(chan struct{})}
	var got []driver.Event
	d.subs = append(d.subs, func(e driver.Event) { got = append(got, e) })

	d.handleEvent(copilot.SessionEvent{
		Type: copilot.EventTypeToolStart,
		Data: copilot.Data{ToolCallID: ptr("call-1"), ToolName: ptr("bash")},
	})
	d.handleEvent(copilot.SessionEvent{
		Type: copilot.EventTypeToolComplete,
		Data: copilot.Data{ToolCallID: ptr("call-1")},
	})

	var sawStart, sawEnd bool
	for _, e := range got {
		if e.Kind == driver.EventToolExecutionStart {
			sawStart = true
			assert.Equal(t, "call-1", e.ToolCallID)
			assert.Equal(t, "bash", e.ToolName)
		}
		if e.Kind == driver.EventToolExecutionEnd {
			sawEnd = true
			assert.Equal(t, "call-1", e.ToolCallID)
		}
	}
	require.True(t, sawStart, "expected tool_execution_start event")
	require.True(t, sawEnd, "expected tool_execution_end event")
}

func TestHandleEventSessionErrorSetsTurnErrAndClosesDone(t *testing.T) {
	d := &Driver{turnDone: make(chan struct{})}

	d.handleEvent(copilot.SessionEvent{Type: copilot.EventTypeSessionError})

	assert.Error(t, d.turnErr)
	select {
	case <-d.turnDone:
	default:
		t.Fatal("turnDone was not closed on session error")
	}
}
