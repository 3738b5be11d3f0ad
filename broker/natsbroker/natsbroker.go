// Package natsbroker implements broker.Adapter over NATS JetStream,
// grounded on the Teacher library's oracle-nats example, extended to
// JetStream durable consumers so Ack/Nack are natively supported instead
// of the plain core-NATS fire-and-forget the example uses. Included as a
// third variant of the polymorphic broker surface, distinct in shape from
// both the queue-based AMQP adapter and the partitioned-log Kafka adapter.
package natsbroker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/relaymq/outbox/broker"
)

// Adapter publishes to, and consumes from, NATS JetStream subjects.
type Adapter struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	durable string
	log     *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger attaches a structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// Connect dials url and opens a JetStream context. durable names the
// durable consumer Consume subscribes as.
func Connect(url, durable string, opts ...Option) (*Adapter, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("natsbroker: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsbroker: jetstream: %w", err)
	}

	a := &Adapter{conn: conn, js: js, durable: durable, log: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Send publishes payload to a subject named topic, carrying messageID and
// any options as message headers (matching the Teacher example's
// message_id header convention).
func (a *Adapter) Send(ctx context.Context, topic string, payload []byte, messageID uuid.UUID, options []byte) error {
	msg := &nats.Msg{Subject: topic, Data: payload, Header: make(nats.Header)}
	msg.Header.Set("message_id", messageID.String())

	if len(options) > 0 {
		var decoded map[string]string
		if err := json.Unmarshal(options, &decoded); err != nil {
			return fmt.Errorf("natsbroker: decode options: %w", err)
		}
		for k, v := range decoded {
			msg.Header.Set(k, v)
		}
	}

	_, err := a.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// Consume subscribes to each topic as a durable pull consumer and invokes
// handle for each delivery, acking or nacking based on the return value,
// until ctx is canceled.
func (a *Adapter) Consume(ctx context.Context, topics []string, handle broker.HandleFunc) error {
	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	for _, topic := range topics {
		sub, err := a.js.PullSubscribe(topic, a.durable+"-"+topic)
		if err != nil {
			return fmt.Errorf("natsbroker: pull subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for i, sub := range subs {
			msgs, err := sub.Fetch(1, nats.MaxWait(1))
			if err != nil {
				continue // timeout waiting for a message on this subject; move on
			}
			for _, msg := range msgs {
				messageID, err := uuid.Parse(msg.Header.Get("message_id"))
				if err != nil {
					a.log.Warn("natsbroker: invalid message_id, nacking without redelivery", zap.String("subject", msg.Subject))
					_ = msg.Term()
					continue
				}
				env := broker.Envelope{
					MessageID: messageID,
					Topic:     topics[i],
					Payload:   msg.Data,
					RawHandle: msg,
				}
				if handle(ctx, env) {
					_ = msg.Ack()
				} else {
					_ = msg.Nak()
				}
			}
		}
	}
}

// Ack acknowledges the delivery carried in rawHandle.
func (a *Adapter) Ack(_ context.Context, rawHandle any) error {
	msg, ok := rawHandle.(*nats.Msg)
	if !ok {
		return fmt.Errorf("natsbroker: rawHandle is not a *nats.Msg")
	}
	return msg.Ack()
}

// Nack negatively acknowledges the delivery. requeue is honored via Nak
// (redelivery); a non-requeue nack terminates the message instead.
func (a *Adapter) Nack(_ context.Context, rawHandle any, requeue bool) error {
	msg, ok := rawHandle.(*nats.Msg)
	if !ok {
		return fmt.Errorf("natsbroker: rawHandle is not a *nats.Msg")
	}
	if requeue {
		return msg.Nak()
	}
	return msg.Term()
}

// Close closes the underlying connection without draining it.
func (a *Adapter) Close() error {
	a.conn.Close()
	return nil
}
