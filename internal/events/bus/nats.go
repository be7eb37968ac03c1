package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/config"
	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/events"
)

// NATSMirror republishes bus events onto NATS subjects so other processes
// (or other runtime nodes' gateways) can fan them out to their own clients.
// It is a mirror, not a replacement: the in-process bus stays authoritative
// for ordering within a turn.
type NATSMirror struct {
	conn   *nats.Conn
	bus    Bus
	sub    Subscription
	logger *logger.Logger
}

// NewNATSMirror connects to NATS and forwards every bus event that carries a
// topic onto its stream subject.
func NewNATSMirror(cfg config.NATSConfig, b Bus, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	m := &NATSMirror{
		conn:   conn,
		bus:    b,
		logger: log.WithFields(zap.String("component", "nats_mirror")),
	}
	m.sub = b.OnAny(m.forward)

	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return m, nil
}

func (m *NATSMirror) forward(event *events.Event) {
	topic := event.Topic()
	if topic == "" {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to marshal event for NATS",
			zap.String("event_type", event.Type),
			zap.Error(err))
		return
	}

	subject := events.BuildStreamSubject(topic)
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Error("failed to publish event to NATS",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// SubscribeRemote mirrors a remote topic's events back onto the local bus.
// Used by gateway nodes that do not own the agent's driver.
func (m *NATSMirror) SubscribeRemote(topic string) (*nats.Subscription, error) {
	subject := events.BuildStreamSubject(topic)
	return m.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event events.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			m.logger.Error("failed to unmarshal NATS event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		m.bus.Emit(&event)
	})
}

// IsConnected reports whether the NATS connection is active.
func (m *NATSMirror) IsConnected() bool {
	return m.conn != nil && m.conn.IsConnected()
}

// Close detaches from the bus and drains the NATS connection.
func (m *NATSMirror) Close() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	if m.conn != nil {
		if err := m.conn.Drain(); err != nil {
			m.logger.Warn("error draining NATS connection", zap.Error(err))
			m.conn.Close()
		}
	}
}
