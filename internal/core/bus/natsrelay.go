package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/AriseOS/ami-desktop-sub002/internal/common/config"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// NATSRelay mirrors every event emitted on a local Bus onto a per-task NATS subject, so a
// second daemon instance can observe the same task's stream without being the bus's single
// consumer (§4.1 domain-stack wiring). It is purely additive: a relay failure is logged and
// swallowed, never propagated to the producer, per the bus's "emit never fails" contract.
type NATSRelay struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSRelay connects to NATS using the same reconnect policy as the rest of the daemon.
func NewNATSRelay(cfg config.NATSConfig, log *logger.Logger) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("NATS relay error", zap.Error(err), zap.String("subject", subject))
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS for event relay: %w", err)
	}
	return &NATSRelay{conn: conn, logger: log.WithFields(zap.String("component", "nats-relay"))}, nil
}

// Subject builds the per-task subject the relay publishes (and a remote reader subscribes) to.
func Subject(taskID string) string {
	return "kandev.task." + taskID + ".events"
}

// Mirror publishes evt to its task's subject. Call from a goroutine wrapping Bus.Emit so the
// relay never adds latency to the bus's non-blocking emit path.
func (r *NATSRelay) Mirror(evt task.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("marshal event for NATS relay", zap.Error(err))
		return
	}
	if err := r.conn.Publish(Subject(evt.TaskID), data); err != nil {
		r.logger.Error("publish event to NATS", zap.Error(err), zap.String("task_id", evt.TaskID))
	}
}

// Close drains and closes the underlying NATS connection.
func (r *NATSRelay) Close() {
	r.conn.Close()
}

// Attach wraps a Bus so every Emit is also mirrored to NATS asynchronously.
func (r *NATSRelay) Attach(b *Bus) *MirroredBus {
	return &MirroredBus{Bus: b, relay: r}
}

// MirroredBus composes a local Bus with a NATSRelay; Next/Close behave exactly as the
// wrapped Bus, Emit additionally mirrors.
type MirroredBus struct {
	*Bus
	relay *NATSRelay
}

// Emit stamps/queues locally (via the embedded Bus) then mirrors asynchronously.
func (m *MirroredBus) Emit(evt task.Event) {
	m.Bus.Emit(evt)
	go m.relay.Mirror(evt)
}
