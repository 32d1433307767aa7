package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"steriltrace.org/internal/steril"
)

// Publisher is the part of *redis.Client used here.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes events as JSON on a pub/sub channel. Critical alerts are
// additionally published on "<channel>.critical" for consumers that only page.
// A failed publish is retried with exponential backoff until it succeeds, the
// attempts run out or ctx ends.
type Redis struct {
	client  Publisher
	channel string
	logger  *zap.Logger

	maxTries    uint
	initialWait time.Duration
	maxWait     time.Duration
}

// RedisOption configures Redis.
type RedisOption func(*Redis)

// WithRetry bounds publish retries: at most tries attempts, waiting from
// initial up to maxWait between them.
func WithRetry(tries uint, initial, maxWait time.Duration) RedisOption {
	return func(r *Redis) {
		if tries > 0 {
			r.maxTries = tries
		}
		if initial > 0 {
			r.initialWait = initial
		}
		if maxWait > 0 {
			r.maxWait = maxWait
		}
	}
}

func NewRedis(client Publisher, channel string, logger *zap.Logger, opts ...RedisOption) *Redis {
	r := &Redis{
		client:      client,
		channel:     channel,
		logger:      logger,
		maxTries:    5,
		initialWait: 100 * time.Millisecond,
		maxWait:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisClient opens a go-redis client for addr.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

func (r *Redis) Notify(ctx context.Context, evt steril.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("marshal event", zap.String("event_id", evt.ID), zap.Error(err))
		return
	}
	r.publish(ctx, r.channel, evt, data)
	if evt.Severity == steril.SeverityCritical {
		r.publish(ctx, r.channel+".critical", evt, data)
	}
}

func (r *Redis) publish(ctx context.Context, channel string, evt steril.Event, data []byte) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialWait
	policy.MaxInterval = r.maxWait

	var attempts int
	_, err := backoff.Retry(ctx, func() (int64, error) {
		attempts++
		return r.client.Publish(ctx, channel, data).Result()
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.maxTries),
	)
	if err != nil {
		level := r.logger.Warn
		if evt.Severity == steril.SeverityCritical {
			level = r.logger.Error
		}
		level("publish event",
			zap.String("channel", channel),
			zap.String("event_id", evt.ID),
			zap.String("severity", string(evt.Severity)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("published event",
		zap.String("channel", channel),
		zap.String("event_id", evt.ID),
		zap.Int("attempts", attempts),
	)
}
