package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	auth "github.com/goliatone/go-authcore"
)

// Publisher is the subset of *amqp.Channel used by AMQPSink.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes activity events as JSON envelopes to an exchange. The
// routing key defaults to the event type.
type AMQPSink struct {
	publisher  Publisher
	exchange   string
	routingKey string
	options    envelopeOptions
}

var _ auth.ActivitySink = (*AMQPSink)(nil)

// NewAMQPSink returns a sink publishing through p.
func NewAMQPSink(p Publisher, exchange, routingKey string, opts ...Option) *AMQPSink {
	options := defaultEnvelopeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &AMQPSink{
		publisher:  p,
		exchange:   exchange,
		routingKey: routingKey,
		options:    options,
	}
}

// Record implements auth.ActivitySink.
func (s *AMQPSink) Record(ctx context.Context, event auth.ActivityEvent) error {
	envelope := newEnvelope(event, s.options)
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	key := s.routingKey
	if key == "" {
		key = envelope.Verb
	}

	return s.publisher.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.ID,
		Timestamp:    envelope.OccurredAt,
		Type:         envelope.Verb,
		Body:         body,
	})
}

// Connection owns the broker connection and channel behind an AMQPSink.
type Connection struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange string) (*Connection, error) {
	if exchange == "" {
		return nil, errors.New("audit exchange is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Connection{conn: conn, channel: ch}, nil
}

// Channel returns the publishing channel.
func (c *Connection) Channel() *amqp.Channel {
	return c.channel
}

func (c *Connection) Close() error {
	return errors.Join(c.channel.Close(), c.conn.Close())
}
