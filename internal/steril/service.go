package steril

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"steriltrace.org/internal/obs"
)

const (
	defaultOpTimeout     = 5 * time.Second
	defaultShelfLifeDays = 180
)

// Service is the sterilization engine: equipment registry, lot and quality-control
// state machine, and tray traceability. It holds no entity state of its own; every
// check-then-mutate sequence runs inside Store.Atomic.
type Service struct {
	store    Store
	dir      Directory
	notifier Notifier
	log      *zap.Logger
	tracer   trace.Tracer

	now           func() time.Time
	timeout       time.Duration
	shelfLifeDays int
	loc           *time.Location
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOpTimeout bounds every storage round-trip.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithShelfLifeDays sets the default sterile shelf life of packages opened without one.
func WithShelfLifeDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.shelfLifeDays = days
		}
	}
}

// WithLocation sets the clinic time zone used for calendar-day comparisons.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithDirectory(d Directory) Option {
	return func(s *Service) { s.dir = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService wires the engine over a store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		notifier:      nopNotifier{},
		log:           obs.Logger(),
		tracer:        obs.Tracer(),
		now:           func() time.Time { return time.Now().UTC() },
		timeout:       defaultOpTimeout,
		shelfLifeDays: defaultShelfLifeDays,
		loc:           time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// begin starts a span and a bounded context for one operation. The returned func
// must be deferred with the operation's named error.
func (s *Service) begin(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	ctx, span := s.tracer.Start(ctx, "steril."+op)
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			*errp = unavailableIfTimeout(*errp)
			span.RecordError(*errp)
			span.SetStatus(codes.Error, KindOf(*errp))
		}
		span.End()
		cancel()
	}
}

// emit hands events to the notifier on a context that outlives the operation.
func (s *Service) emit(ctx context.Context, events ...Event) {
	ctx = context.WithoutCancel(ctx)
	for _, evt := range events {
		s.notifier.Notify(ctx, evt)
	}
}

// civilDate truncates t to its calendar day in the clinic time zone.
func (s *Service) civilDate(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts calendar days from a to b in the clinic time zone.
func (s *Service) daysBetween(a, b time.Time) int {
	return int(s.civilDate(b).Sub(s.civilDate(a)).Hours() / 24)
}

// Now returns the engine clock.
func (s *Service) Now() time.Time { return s.now() }

// Location returns the clinic time zone used for calendar-day rules.
func (s *Service) Location() *time.Location { return s.loc }
