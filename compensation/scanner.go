// Package compensation implements the Compensation Scanner (C4): a
// periodic sweep over permanently failed producer and consumer records
// that hands each to a business-supplied compensator and advances it to
// compensated on success.
package compensation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaymq/outbox"
	"github.com/relaymq/outbox/idempotency"
)

// Compensator inspects a permanently failed record and reports whether
// compensation succeeded. failed is an *outbox.Message for producer-side
// scans and an *idempotency.Record for consumer-side scans.
type Compensator func(ctx context.Context, failed any) bool

// ServiceRegistry resolves a compensator by name, for deployments that
// wire compensators by configuration rather than by direct registration.
type ServiceRegistry interface {
	Lookup(name string) (Compensator, bool)
}

// mapRegistry is the default in-memory ServiceRegistry.
type mapRegistry struct {
	services map[string]Compensator
}

// NewServiceRegistry creates an empty in-memory ServiceRegistry.
func NewServiceRegistry() ServiceRegistry {
	return &mapRegistry{services: make(map[string]Compensator)}
}

// Register adds name to the registry, usable via RegisterProducerCompensatorByName.
func (r *mapRegistry) Register(name string, c Compensator) {
	r.services[name] = c
}

func (r *mapRegistry) Lookup(name string) (Compensator, bool) {
	c, ok := r.services[name]
	return c, ok
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithBatchSize sets how many failed records each check_producer/
// check_consumer call claims. Default 50.
func WithBatchSize(n int) ScannerOption {
	return func(s *Scanner) { s.batchSize = n }
}

// WithPollInterval sets the spacing between rounds inside Run. Default 60s.
func WithPollInterval(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.pollInterval = d }
}

// WithServiceRegistry overrides the default in-memory ServiceRegistry used
// to resolve name-based compensators.
func WithServiceRegistry(r ServiceRegistry) ScannerOption {
	return func(s *Scanner) { s.registry = r }
}

// WithLogger attaches a structured logger.
func WithLogger(log *zap.Logger) ScannerOption {
	return func(s *Scanner) { s.log = log }
}

// Scanner periodically sweeps terminally failed outbox and idempotency
// records and hands each to a business compensator, per spec.md §4.7.
type Scanner struct {
	outboxStore *outbox.Store
	idemStore   *idempotency.Store

	batchSize    int
	pollInterval time.Duration
	registry     ServiceRegistry
	log          *zap.Logger

	producerCompensators map[string]Compensator
	producerByName       map[string]string
	consumerCompensators map[string]Compensator
	consumerByName       map[string]string
}

// NewScanner creates a Scanner reading failed records from outboxStore and
// idemStore, with spec.md §6.3 defaults (batch_size=50, poll_interval=60s).
func NewScanner(outboxStore *outbox.Store, idemStore *idempotency.Store, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		outboxStore:          outboxStore,
		idemStore:            idemStore,
		batchSize:            50,
		pollInterval:         60 * time.Second,
		registry:             NewServiceRegistry(),
		log:                  zap.NewNop(),
		producerCompensators: make(map[string]Compensator),
		producerByName:       make(map[string]string),
		consumerCompensators: make(map[string]Compensator),
		consumerByName:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterProducerCompensator registers c as the producer-side compensator
// for topic, called directly (no registry lookup).
func (s *Scanner) RegisterProducerCompensator(topic string, c Compensator) {
	s.producerCompensators[topic] = c
}

// RegisterProducerCompensatorByName defers resolution of topic's producer
// compensator to serviceName, looked up in the registry at invocation time.
func (s *Scanner) RegisterProducerCompensatorByName(topic, serviceName string) {
	s.producerByName[topic] = serviceName
}

// RegisterConsumerCompensator registers c as the consumer-side compensator
// for topic.
func (s *Scanner) RegisterConsumerCompensator(topic string, c Compensator) {
	s.consumerCompensators[topic] = c
}

// RegisterConsumerCompensatorByName defers resolution of topic's consumer
// compensator to serviceName.
func (s *Scanner) RegisterConsumerCompensatorByName(topic, serviceName string) {
	s.consumerByName[topic] = serviceName
}

func (s *Scanner) resolveProducer(topic string) (Compensator, error) {
	if c, ok := s.producerCompensators[topic]; ok {
		return c, nil
	}
	if name, ok := s.producerByName[topic]; ok {
		if c, ok := s.registry.Lookup(name); ok {
			return c, nil
		}
		return nil, fmt.Errorf("compensation: producer compensator %q for topic %q not found in registry", name, topic)
	}
	return nil, nil
}

func (s *Scanner) resolveConsumer(topic string) (Compensator, error) {
	if c, ok := s.consumerCompensators[topic]; ok {
		return c, nil
	}
	if name, ok := s.consumerByName[topic]; ok {
		if c, ok := s.registry.Lookup(name); ok {
			return c, nil
		}
		return nil, fmt.Errorf("compensation: consumer compensator %q for topic %q not found in registry", name, topic)
	}
	return nil, nil
}

// CheckProducer sweeps up to batch_size terminally failed outbox messages,
// invokes the registered producer compensator for each, and marks it
// compensated on success. A single record's failure (missing compensator,
// compensator returning false, or a panic) never aborts the batch and is
// never retried within the same scan.
func (s *Scanner) CheckProducer(ctx context.Context) (int, error) {
	failed, err := s.outboxStore.FetchFailed(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, msg := range failed {
		compensator, err := s.resolveProducer(msg.Topic)
		if err != nil {
			s.log.Warn("compensation: producer compensator unresolved", zap.String("topic", msg.Topic), zap.Error(err))
			continue
		}
		if compensator == nil {
			s.log.Warn("compensation: no producer compensator registered", zap.String("topic", msg.Topic))
			continue
		}

		if !s.invoke(ctx, compensator, msg) {
			s.log.Error("compensation: producer compensator did not succeed", zap.Stringer("message_id", msg.ID), zap.String("topic", msg.Topic))
			continue
		}

		if _, err := s.outboxStore.MarkCompensated(ctx, msg.ID); err != nil {
			s.log.Error("compensation: mark_compensated failed", zap.Stringer("message_id", msg.ID), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// CheckConsumer is CheckProducer's symmetric counterpart over the
// idempotency ledger's failed records.
func (s *Scanner) CheckConsumer(ctx context.Context) (int, error) {
	failed, err := s.idemStore.FetchFailed(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, rec := range failed {
		compensator, err := s.resolveConsumer(rec.Topic)
		if err != nil {
			s.log.Warn("compensation: consumer compensator unresolved", zap.String("topic", rec.Topic), zap.Error(err))
			continue
		}
		if compensator == nil {
			s.log.Warn("compensation: no consumer compensator registered", zap.String("topic", rec.Topic))
			continue
		}

		if !s.invoke(ctx, compensator, rec) {
			s.log.Error("compensation: consumer compensator did not succeed", zap.Stringer("message_id", rec.MessageID), zap.String("topic", rec.Topic))
			continue
		}

		if _, err := s.idemStore.MarkCompensated(ctx, rec.MessageID); err != nil {
			s.log.Error("compensation: mark_compensated failed", zap.Stringer("message_id", rec.MessageID), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

func (s *Scanner) invoke(ctx context.Context, c Compensator, failed any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("compensation: compensator panicked", zap.Any("recover", r))
			ok = false
		}
	}()
	return c(ctx, failed)
}

// Run calls CheckProducer and CheckConsumer once per round, every
// poll_interval, until ctx is canceled, or, if maxIterations > 0, until
// that many rounds have run.
func (s *Scanner) Run(ctx context.Context, maxIterations int) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	iterations := 0
	for {
		if _, err := s.CheckProducer(ctx); err != nil {
			s.log.Error("compensation: check_producer failed", zap.Error(err))
		}
		if _, err := s.CheckConsumer(ctx); err != nil {
			s.log.Error("compensation: check_consumer failed", zap.Error(err))
		}

		iterations++
		if maxIterations > 0 && iterations >= maxIterations {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
