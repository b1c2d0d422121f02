package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New("t1", logger.Default())
	t.Cleanup(b.Close)
	return b
}

func TestEmitStampsTaskIDAndTimestamp(t *testing.T) {
	b := newTestBus(t)
	b.Emit(task.Event{Action: task.ActionHeartbeat})

	evt, ok := b.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, "t1", evt.TaskID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestEmitDoesNotOverrideExplicitTaskID(t *testing.T) {
	b := newTestBus(t)
	stamp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Emit(task.Event{Action: task.ActionHeartbeat, TaskID: "other", Timestamp: stamp})

	evt, ok := b.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, "other", evt.TaskID)
	assert.Equal(t, stamp, evt.Timestamp)
}

func TestNextTimesOutOnEmptyQueue(t *testing.T) {
	b := newTestBus(t)
	_, ok := b.Next(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestDirectHandoffToWaitingConsumer(t *testing.T) {
	b := newTestBus(t)
	got := make(chan task.Event, 1)
	go func() {
		evt, ok := b.Next(time.Second)
		require.True(t, ok)
		got <- evt
	}()

	time.Sleep(10 * time.Millisecond) // let the goroutine start waiting
	b.Emit(task.Event{Action: task.ActionAsk})

	select {
	case evt := <-got:
		assert.Equal(t, task.ActionAsk, evt.Action)
	case <-time.After(time.Second):
		t.Fatal("consumer never received handed-off event")
	}
	assert.Equal(t, 0, b.Len(), "direct hand-off must not land in the queue")
}

func TestOverflowDropsOldestAndCapsAtCapacity(t *testing.T) {
	b := newTestBus(t)
	for i := 0; i < Capacity+10; i++ {
		b.Emit(task.Event{Action: task.ActionHeartbeat, Data: map[string]any{"i": i}})
	}
	assert.Equal(t, Capacity, b.Len())

	evt, ok := b.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, 10, evt.Data["i"], "oldest 10 events should have been dropped")
}

func TestCloseIsIdempotentAndWakesWaiters(t *testing.T) {
	b := New("t1", logger.Default())
	done := make(chan struct{})
	go func() {
		_, ok := b.Next(5 * time.Second)
		assert.False(t, ok)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()
	b.Close() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Close")
	}

	b.Emit(task.Event{Action: task.ActionHeartbeat}) // no-op after close
	_, ok := b.Next(20 * time.Millisecond)
	assert.False(t, ok)
}
