// Package amqpbroker implements broker.Adapter over an AMQP 0-9-1 broker
// (RabbitMQ), grounded on the Teacher library's own mysql-rabbitmq example:
// persistent publishing, message_id carried in the AMQP MessageId property,
// per-message headers round-tripped from options.
package amqpbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/google/uuid"
	"github.com/relaymq/outbox/broker"
)

// Adapter publishes to, and consumes from, a single durable AMQP queue.
type Adapter struct {
	url       string
	queueName string
	log       *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger attaches a structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// Dial connects to the broker at url and declares a durable queue named
// queueName, returning an Adapter ready for Send/Consume.
func Dial(url, queueName string, opts ...Option) (*Adapter, error) {
	a := &Adapter{url: url, queueName: queueName, log: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqpbroker: dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqpbroker: open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqpbroker: declare queue: %w", err)
	}

	a.conn = conn
	a.channel = channel
	return a, nil
}

// Send publishes payload as a persistent message, with messageID carried
// in the AMQP MessageId property and options decoded as a string->string
// header map (matching the Teacher example's metadata convention).
func (a *Adapter) Send(ctx context.Context, topic string, payload []byte, messageID uuid.UUID, options []byte) error {
	headers := amqp.Table{}
	if len(options) > 0 {
		var decoded map[string]string
		if err := json.Unmarshal(options, &decoded); err != nil {
			return fmt.Errorf("amqpbroker: decode options: %w", err)
		}
		for k, v := range decoded {
			headers[k] = v
		}
	}

	a.mu.Lock()
	channel := a.channel
	a.mu.Unlock()

	return channel.PublishWithContext(ctx, "", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		MessageId:    messageID.String(),
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
	})
}

// Consume consumes from the queue named topics[0] (AMQP has no concept of
// subscribing to several queues over one channel in this adapter's model)
// and invokes handle for each delivery, acking/nacking based on the
// return value, until ctx is canceled. If the delivery channel closes
// (for example on connection loss) Consume returns an error; it does not
// reconnect or re-subscribe.
func (a *Adapter) Consume(ctx context.Context, topics []string, handle broker.HandleFunc) error {
	if len(topics) != 1 {
		return fmt.Errorf("amqpbroker: Consume requires exactly one topic, got %d", len(topics))
	}

	a.mu.Lock()
	channel := a.channel
	a.mu.Unlock()

	deliveries, err := channel.Consume(topics[0], "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqpbroker: consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqpbroker: delivery channel closed")
			}
			messageID, err := uuid.Parse(d.MessageId)
			if err != nil {
				a.log.Warn("amqpbroker: invalid message_id, nacking without requeue", zap.String("message_id", d.MessageId))
				_ = d.Nack(false, false)
				continue
			}
			env := broker.Envelope{
				MessageID: messageID,
				Topic:     topics[0],
				Payload:   d.Body,
				RawHandle: d,
			}
			if handle(ctx, env) {
				_ = d.Ack(false)
			} else {
				_ = d.Nack(false, true)
			}
		}
	}
}

// Ack acknowledges the delivery carried in rawHandle.
func (a *Adapter) Ack(_ context.Context, rawHandle any) error {
	d, ok := rawHandle.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("amqpbroker: rawHandle is not an amqp.Delivery")
	}
	return d.Ack(false)
}

// Nack negatively acknowledges the delivery, optionally requeuing it.
func (a *Adapter) Nack(_ context.Context, rawHandle any, requeue bool) error {
	d, ok := rawHandle.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("amqpbroker: rawHandle is not an amqp.Delivery")
	}
	return d.Nack(false, requeue)
}

// Close releases the channel and connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel != nil {
		_ = a.channel.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
