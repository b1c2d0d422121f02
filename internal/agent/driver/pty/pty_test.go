package pty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/agentctl/server/process"
	"github.com/AriseOS/ami-desktop-sub002/internal/agentctl/types"
)

func TestHandleOutputAccumulatesAndEmitsDelta(t *testing.T) {
	d := &Driver{}
	var got []driver.Event
	d.subs = append(d.subs, func(e driver.Event) { got = append(got, e) })

	d.handleOutput(&types.ProcessOutput{Data: "hel"})
	d.handleOutput(&types.ProcessOutput{Data: "lo"})

	assert.Equal(t, "hello", d.textAcc.String())
	require.Len(t, got, 2)
	assert.Equal(t, "hel", got[0].TextDelta)
	assert.Equal(t, "lo", got[1].TextDelta)
}

func TestHandleOutputIgnoresEmptyChunks(t *testing.T) {
	d := &Driver{}
	var got []driver.Event
	d.subs = append(d.subs, func(e driver.Event) { got = append(got, e) })

	d.handleOutput(&types.ProcessOutput{Data: ""})
	d.handleOutput(nil)

	assert.Empty(t, got)
}

func TestHandleStateChangeMapsWorkingAndWaitingToToolEvents(t *testing.T) {
	d := &Driver{}
	var got []driver.Event
	d.subs = append(d.subs, func(e driver.Event) { got = append(got, e) })

	d.handleStateChange("sess-1", process.StateWorking)
	d.handleStateChange("sess-1", process.StateWaitingInput)

	require.Len(t, got, 2)
	assert.Equal(t, driver.EventToolExecutionStart, got[0].Kind)
	assert.Equal(t, driver.EventToolExecutionEnd, got[1].Kind)
}

func TestHandleTurnCompleteClosesDoneAndRecordsMessage(t *testing.T) {
	d := &Driver{turnDone: make(chan struct{})}
	d.textAcc.WriteString("done thinking")

	d.handleTurnComplete("sess-1")

	require.Len(t, d.messages, 1)
	assert.Equal(t, "done thinking", d.messages[0].Content[0].Text)

	select {
	case <-d.turnDone:
	default:
		t.Fatal("turnDone was not closed")
	}
}
