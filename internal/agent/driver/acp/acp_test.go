package acp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
)

func TestSubscribeDeliversEmittedEventsInOrder(t *testing.T) {
	d := &Driver{}

	var got []driver.Event
	d.Subscribe(func(e driver.Event) { got = append(got, e) })

	d.emit(driver.Event{Kind: driver.EventTurnStart})
	d.emit(driver.Event{Kind: driver.EventMessageUpdate, TextDelta: "hi"})
	d.emit(driver.Event{Kind: driver.EventTurnEnd})

	require.Len(t, got, 3)
	assert.Equal(t, driver.EventTurnStart, got[0].Kind)
	assert.Equal(t, "hi", got[1].TextDelta)
	assert.Equal(t, driver.EventTurnEnd, got[2].Kind)
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	d := &Driver{}

	var got []driver.Event
	unsub := d.Subscribe(func(e driver.Event) { got = append(got, e) })
	d.emit(driver.Event{Kind: driver.EventTurnStart})
	unsub()
	d.emit(driver.Event{Kind: driver.EventTurnEnd})

	require.Len(t, got, 1)
	assert.Equal(t, driver.EventTurnStart, got[0].Kind)
}

func TestMessagesReturnsAccumulatedLogDefensiveCopy(t *testing.T) {
	d := &Driver{}
	d.messages = append(d.messages, driver.Message{Role: driver.RoleAssistant})

	out := d.Messages()
	out[0].Role = driver.RoleUser

	assert.Equal(t, driver.RoleAssistant, d.messages[0].Role, "Messages() must return a copy, not the live slice")
}

func TestSetSystemPromptStoresValue(t *testing.T) {
	d := &Driver{}
	d.SetSystemPrompt("be concise")
	assert.Equal(t, "be concise", d.systemPrompt)
}
