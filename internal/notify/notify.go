// Package notify delivers engine events to the outside world. Sinks never
// return errors to the engine: failures are retried where the sink supports it
// and logged otherwise.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"steriltrace.org/internal/steril"
)

// Log writes every event as a structured log line. Critical alerts are logged
// at error level so they page through the usual log alerting.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log { return &Log{logger: logger} }

func (l *Log) Notify(_ context.Context, evt steril.Event) {
	fields := []zap.Field{
		zap.String("event_id", evt.ID),
		zap.String("kind", string(evt.Kind)),
		zap.String("severity", string(evt.Severity)),
		zap.Time("occurred_at", evt.OccurredAt),
	}
	if evt.LotID != "" {
		fields = append(fields, zap.String("lot_id", evt.LotID), zap.String("lot_code", evt.LotCode))
	}
	if evt.ControlID != "" {
		fields = append(fields, zap.String("control_id", evt.ControlID))
	}
	if evt.AutoclaveID != "" {
		fields = append(fields, zap.String("autoclave_id", evt.AutoclaveID))
	}
	if evt.DaysRemaining != nil {
		fields = append(fields, zap.Int("days_remaining", *evt.DaysRemaining))
	}
	if evt.Reason != "" {
		fields = append(fields, zap.String("reason", evt.Reason))
	}
	switch evt.Severity {
	case steril.SeverityCritical:
		l.logger.Error("steril event", fields...)
	case steril.SeverityHigh, steril.SeverityWarning:
		l.logger.Warn("steril event", fields...)
	default:
		l.logger.Info("steril event", fields...)
	}
}

// Multi fans an event out to several notifiers in order.
type Multi []steril.Notifier

func (m Multi) Notify(ctx context.Context, evt steril.Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}

// Dispatcher decouples the engine from slow sinks. Notify enqueues and returns
// immediately; a single worker drains the queue into the wrapped notifier so
// per-sink ordering is kept. When the queue is full, info, warning and high
// events are dropped and logged. Critical events are never dropped: they go to
// an overflow list the worker serves before the queue, and after Close they are
// delivered inline.
type Dispatcher struct {
	next           steril.Notifier
	logger         *zap.Logger
	queue          chan dispatch
	wake           chan struct{}
	deliverTimeout time.Duration

	mu       sync.RWMutex
	closed   bool
	pendMu   sync.Mutex
	critical []dispatch
	done     chan struct{}
}

type dispatch struct {
	ctx context.Context
	evt steril.Event
}

// DispatcherOption configures Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDeliverTimeout bounds a single delivery to the wrapped notifier.
func WithDeliverTimeout(d time.Duration) DispatcherOption {
	return func(p *Dispatcher) {
		if d > 0 {
			p.deliverTimeout = d
		}
	}
}

func NewDispatcher(next steril.Notifier, logger *zap.Logger, size int, opts ...DispatcherOption) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		next:           next,
		logger:         logger,
		queue:          make(chan dispatch, size),
		wake:           make(chan struct{}, 1),
		deliverTimeout: 5 * time.Second,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, evt steril.Event) {
	item := dispatch{ctx: context.WithoutCancel(ctx), evt: evt}
	critical := evt.Severity == steril.SeverityCritical

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		if critical {
			d.deliver(item)
			return
		}
		d.dropped(evt)
		return
	}
	defer d.mu.RUnlock()

	select {
	case d.queue <- item:
		return
	default:
	}
	if !critical {
		d.dropped(evt)
		return
	}
	d.pendMu.Lock()
	d.critical = append(d.critical, item)
	d.pendMu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	d.logger.Warn("notification queue full, critical event held in overflow",
		zap.String("event_id", evt.ID),
		zap.String("kind", string(evt.Kind)),
	)
}

func (d *Dispatcher) dropped(evt steril.Event) {
	d.logger.Warn("notification dropped",
		zap.String("event_id", evt.ID),
		zap.String("kind", string(evt.Kind)),
		zap.String("severity", string(evt.Severity)),
	)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.drainCritical()
		select {
		case item, ok := <-d.queue:
			if !ok {
				d.drainCritical()
				return
			}
			d.deliver(item)
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) drainCritical() {
	for {
		d.pendMu.Lock()
		if len(d.critical) == 0 {
			d.pendMu.Unlock()
			return
		}
		item := d.critical[0]
		d.critical = d.critical[1:]
		d.pendMu.Unlock()
		d.deliver(item)
	}
}

func (d *Dispatcher) deliver(item dispatch) {
	ctx, cancel := context.WithTimeout(item.ctx, d.deliverTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notifier panicked",
				zap.String("event_id", item.evt.ID),
				zap.Any("panic", r),
			)
		}
	}()
	d.next.Notify(ctx, item.evt)
}

// Close stops queueing events and waits for the queue to drain or ctx to end.
// After Close, critical events are delivered inline and the rest are dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
