// Package kafkabroker implements broker.Adapter over a partitioned log
// (Kafka), grounded on the Teacher library's postgres-kafka example: the
// message ID travels as the record key, giving every redelivery of the
// same outbox message a stable partitioning/dedup identity.
package kafkabroker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/relaymq/outbox/broker"
)

// Adapter writes to, and reads from, any number of Kafka topics: one
// shared Writer takes the topic from each message, and Consume opens one
// topic-scoped Reader per topic.
type Adapter struct {
	brokers []string
	writer  *kafka.Writer
	readers map[string]*kafka.Reader
	groupID string
	log     *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger attaches a structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// New creates an Adapter against the given brokers. groupID is the
// consumer group used by Consume.
func New(brokers []string, groupID string, opts ...Option) *Adapter {
	a := &Adapter{
		brokers: brokers,
		groupID: groupID,
		readers: make(map[string]*kafka.Reader),
		log:     zap.NewNop(),
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Send writes a record to topic, keyed by messageID so redeliveries of
// the same outbox message land on the same partition. options, if
// present, is decoded as a string->string header map.
func (a *Adapter) Send(ctx context.Context, topic string, payload []byte, messageID uuid.UUID, options []byte) error {
	var headers []kafka.Header
	if len(options) > 0 {
		var decoded map[string]string
		if err := json.Unmarshal(options, &decoded); err != nil {
			return fmt.Errorf("kafkabroker: decode options: %w", err)
		}
		for k, v := range decoded {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}

	return a.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(messageID.String()),
		Value:   payload,
		Headers: headers,
	})
}

// delivery is the RawHandle carried by envelopes this adapter produces:
// enough to commit (ack) the specific message's offset on its own reader.
type delivery struct {
	msg    kafka.Message
	reader *kafka.Reader
}

// Consume opens one reader per topic and fans their deliveries into a
// single handle loop until ctx is canceled.
func (a *Adapter) Consume(ctx context.Context, topics []string, handle broker.HandleFunc) error {
	deliveries := make(chan delivery)
	errs := make(chan error, len(topics))

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: a.brokers,
			GroupID: a.groupID,
			Topic:   topic,
		})
		a.readers[topic] = reader

		go func(r *kafka.Reader) {
			for {
				msg, err := r.FetchMessage(ctx)
				if err != nil {
					errs <- err
					return
				}
				select {
				case deliveries <- delivery{msg: msg, reader: r}:
				case <-ctx.Done():
					return
				}
			}
		}(reader)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case d := <-deliveries:
			messageID, err := uuid.Parse(string(d.msg.Key))
			if err != nil {
				a.log.Warn("kafkabroker: invalid message key, skipping", zap.ByteString("key", d.msg.Key))
				_ = d.reader.CommitMessages(ctx, d.msg) // no nack for log brokers; advance past the bad record
				continue
			}

			env := broker.Envelope{
				MessageID: messageID,
				Topic:     d.msg.Topic,
				Payload:   d.msg.Value,
				RawHandle: d,
			}
			if handle(ctx, env) {
				_ = d.reader.CommitMessages(ctx, d.msg)
			}
			// on failure: this record's offset is not committed, so
			// restarting Consume redelivers it - the log-broker equivalent
			// of a nack (§4.3) - unless a later record on the same partition
			// has been committed since, which moves the group past it.
		}
	}
}

// Ack commits the offset for the delivery carried in rawHandle.
func (a *Adapter) Ack(ctx context.Context, rawHandle any) error {
	d, ok := rawHandle.(delivery)
	if !ok {
		return fmt.Errorf("kafkabroker: rawHandle is not a kafka delivery")
	}
	return d.reader.CommitMessages(ctx, d.msg)
}

// Nack is a no-op: Kafka has no negative ack. Leaving the offset
// uncommitted is the adapter's redelivery mechanism, with the same-partition
// limit described in Consume.
func (a *Adapter) Nack(_ context.Context, _ any, _ bool) error {
	return nil
}

// Close closes the writer and every open reader.
func (a *Adapter) Close() error {
	var firstErr error
	if err := a.writer.Close(); err != nil {
		firstErr = err
	}
	for _, r := range a.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
