package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sender is the narrow surface the Dispatcher needs from a broker adapter -
// send one message, synchronously, and report whether it landed.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBatchSize sets how many pending messages a single DispatchOnce call
// claims. Default 100.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.batchSize = n
	}
}

// WithMaxRetry sets how many failed publish attempts a message tolerates
// before it is left in the failed state for the Compensation Scanner to
// pick up. Default 5.
func WithMaxRetry(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxRetry = n
	}
}

// WithPollInterval sets the spacing between DispatchOnce calls inside Run.
// Default 5s.
func WithPollInterval(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.pollInterval = d
	}
}

// WithDelay sets the extra wait Run adds on top of poll_interval after
// consecutive idle rounds (see Run). Default is Fixed(0): no extra wait.
// It does not delay individual failed messages: a message whose send
// failed is fetched again by the next DispatchOnce while it stays pending.
func WithDelay(fn DelayFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.delay = fn
	}
}

// WithLogger attaches a structured logger for per-message dispatch outcomes.
func WithLogger(log *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// Dispatcher implements the Dispatcher (C2): it polls the Outbox Store for
// pending messages, hands each to a broker Sender, and advances its status
// accordingly. It never aborts a batch because one message failed - every
// claimed message gets exactly one outcome (sent, retried, or failed) per
// DispatchOnce call, per spec.md §4.5.
type Dispatcher struct {
	store  *Store
	sender Sender

	batchSize    int
	maxRetry     int
	pollInterval time.Duration
	delay        DelayFunc

	log *zap.Logger
}

// NewDispatcher creates a Dispatcher reading from store and publishing via
// sender, with spec.md §6.3 defaults (batch_size=100, max_retry=5,
// poll_interval=5s).
func NewDispatcher(store *Store, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		sender:       sender,
		batchSize:    100,
		maxRetry:     5,
		pollInterval: 5 * time.Second,
		delay:        Fixed(0),
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchOnce claims up to batch_size pending messages and attempts to
// publish each:
//
//   - send succeeds -> mark_sent
//   - send fails, retry_count+1 < max_retry -> increment_retry, stays pending
//   - send fails, retry_count+1 >= max_retry -> mark_failed, which itself
//     bumps retry_count so the persisted value reaches max_retry exactly
//     when status becomes failed
//
// It returns the number of messages successfully sent in this pass. A
// per-message error never aborts the batch; the loop always runs to
// completion over every claimed message.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	msgs, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range msgs {
		if err := d.sender.Send(ctx, msg); err != nil {
			d.handleFailure(ctx, msg, err)
			continue
		}

		ok, err := d.store.MarkSent(ctx, msg.ID)
		if err != nil {
			d.log.Error("outbox dispatcher: mark_sent failed", zap.Stringer("message_id", msg.ID), zap.Error(err))
			continue
		}
		if ok {
			sent++
		}
	}

	return sent, nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, msg *Message, sendErr error) {
	nextAttempt := msg.RetryCount + 1
	if int(nextAttempt) >= d.maxRetry {
		if _, err := d.store.MarkFailed(ctx, msg.ID, sendErr.Error()); err != nil {
			d.log.Error("outbox dispatcher: mark_failed failed", zap.Stringer("message_id", msg.ID), zap.Error(err))
		}
		d.log.Warn("outbox dispatcher: message exhausted retries",
			zap.Stringer("message_id", msg.ID), zap.String("topic", msg.Topic), zap.Error(sendErr))
		return
	}

	if _, err := d.store.IncrementRetry(ctx, msg.ID); err != nil {
		d.log.Error("outbox dispatcher: increment_retry failed", zap.Stringer("message_id", msg.ID), zap.Error(err))
	}
}

// Run calls DispatchOnce in a loop until ctx is canceled, or, if
// maxIterations > 0, until that many iterations have run. Idle rounds
// (DispatchOnce succeeded but sent nothing, including rounds whose claimed
// messages all failed to send) back off according to d.delay, applied on
// top of poll_interval; a round that sends at least one message, or whose
// DispatchOnce returns an error, resets the backoff to poll_interval.
func (d *Dispatcher) Run(ctx context.Context, maxIterations int) error {
	idleRounds := 0
	iterations := 0

	for {
		sent, err := d.DispatchOnce(ctx)
		if err != nil {
			d.log.Error("outbox dispatcher: dispatch_once failed", zap.Error(err))
		}

		wait := d.pollInterval
		if sent == 0 && err == nil {
			wait += d.delay(idleRounds)
			idleRounds++
		} else {
			idleRounds = 0
		}

		iterations++
		if maxIterations > 0 && iterations >= maxIterations {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
