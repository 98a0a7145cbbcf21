package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"
)

// NATSBus is a Bus backed by a NATS connection. Inbound and outbound
// messages travel as JSON on "<prefix>.inbound" and "<prefix>.outbound".
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	logger *logging.Logger
}

// ConnectNATS dials a NATS server and returns a bus over it.
func ConnectNATS(url, prefix string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("maestro"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	if prefix == "" {
		prefix = "maestro"
	}
	return &NATSBus{
		conn:   conn,
		prefix: prefix,
		logger: logging.New().WithComponent("bus"),
	}, nil
}

func (b *NATSBus) inboundSubject() string  { return b.prefix + ".inbound" }
func (b *NATSBus) outboundSubject() string { return b.prefix + ".outbound" }

// PublishInbound publishes an inbound message.
func (b *NATSBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	return b.publish(b.inboundSubject(), msg)
}

// PublishOutbound publishes an outbound message.
func (b *NATSBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	return b.publish(b.outboundSubject(), msg)
}

func (b *NATSBus) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// SubscribeInbound subscribes to inbound messages until ctx ends.
func (b *NATSBus) SubscribeInbound(ctx context.Context) (<-chan InboundMessage, error) {
	ch := make(chan InboundMessage, 64)
	sub, err := b.conn.Subscribe(b.inboundSubject(), func(m *nats.Msg) {
		var msg InboundMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("dropping malformed inbound message", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		select {
		case ch <- msg:
		default:
			b.logger.Warn("inbound subscriber full, dropping message", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
			})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", b.inboundSubject(), err)
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		close(ch)
	}()
	return ch, nil
}

// SubscribeOutbound subscribes to outbound messages until ctx ends.
func (b *NATSBus) SubscribeOutbound(ctx context.Context) (<-chan OutboundMessage, error) {
	ch := make(chan OutboundMessage, 64)
	sub, err := b.conn.Subscribe(b.outboundSubject(), func(m *nats.Msg) {
		var msg OutboundMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("dropping malformed outbound message", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		select {
		case ch <- msg:
		default:
			b.logger.Warn("outbound subscriber full, dropping message", nil)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", b.outboundSubject(), err)
	}
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		close(ch)
	}()
	return ch, nil
}

// Close drains and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
