// Package bus implements the bounded, single-producer-per-task SSE event bus (§4.1): a
// capacity-1000 FIFO with direct hand-off to a waiting consumer and drop-oldest overflow.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// Capacity is the bounded queue's maximum size (§4.1, §8 invariant).
const Capacity = 1000

// Bus is the per-task event queue the core emits into and the HTTP adapter drains.
// emit never blocks and never fails from the producer's perspective; next blocks up to a
// timeout and returns ok=false on timeout or after Close.
type Bus struct {
	mu       sync.Mutex
	queue    []task.Event
	waiters  []chan task.Event
	closed   bool
	taskID   string
	logger   *logger.Logger
}

// New creates a bus scoped to one task id, used to stamp TaskID on events that omit it.
func New(taskID string, log *logger.Logger) *Bus {
	return &Bus{
		taskID: taskID,
		logger: log.WithFields(zap.String("component", "event-bus"), zap.String("task_id", taskID)),
	}
}

// Emit stamps TaskID/Timestamp if empty, then either hands the event directly to a waiting
// consumer or appends it to the queue, dropping the oldest queued event on overflow.
func (b *Bus) Emit(evt task.Event) {
	if evt.TaskID == "" {
		evt.TaskID = b.taskID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		w <- evt
		return
	}

	if len(b.queue) >= Capacity {
		dropped := b.queue[0]
		b.queue = b.queue[1:]
		b.logger.Warn("event bus overflow, dropping oldest event",
			zap.String("dropped_action", string(dropped.Action)))
	}
	b.queue = append(b.queue, evt)
}

// Next blocks up to timeout for the next event. It returns ok=false on timeout or after
// Close; it never panics from being called after Close.
func (b *Bus) Next(timeout time.Duration) (task.Event, bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return task.Event{}, false
	}
	if len(b.queue) > 0 {
		evt := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		return evt, true
	}
	ch := make(chan task.Event, 1)
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evt, ok := <-ch:
		if !ok {
			return task.Event{}, false
		}
		return evt, true
	case <-timer.C:
		b.removeWaiter(ch)
		return task.Event{}, false
	}
}

func (b *Bus) removeWaiter(ch chan task.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w == ch {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
}

// Close is idempotent. After Close, Emit is a no-op and every pending/future Next returns
// ok=false.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
	b.queue = nil
}

// Len reports the current queue depth, for tests asserting the overflow invariant.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
