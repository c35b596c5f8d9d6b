package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/mentorsync/internal/domain/projection"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "mentorsync:changes"

// Redis publishes changes on a Redis Pub/Sub channel.
type Redis struct {
	client   *redis.Client
	channel  string
	password string
	db       int
	timeout  time.Duration
	now      func() time.Time
	log      logger.Logger
}

// NewRedis connects to addr and verifies the connection with a ping.
func NewRedis(ctx context.Context, addr string, opts ...Option) (*Redis, error) {
	if addr == "" {
		return nil, ErrAddrRequired
	}
	r := &Redis{
		channel: DefaultChannel,
		timeout: defaultPublishTimeout,
		now:     time.Now,
		log:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     r.password,
		DB:           r.db,
		PoolSize:     4,
		MinIdleConns: 1,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  r.timeout,
		WriteTimeout: r.timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	r.log.Info(ctx, "connected to redis",
		logger.String("addr", addr),
		logger.String("channel", r.channel),
	)
	return r, nil
}

// Channel returns the Pub/Sub channel changes go to.
func (r *Redis) Channel() string { return r.channel }

// Publish writes the change as JSON. Failures are counted and returned;
// callers log them and move on.
func (r *Redis) Publish(ctx context.Context, c projection.Change) error {
	payload, err := json.Marshal(NewMessage(c, r.now()))
	if err != nil {
		metrics.RecordNotification("encode_error")
		return fmt.Errorf("encode change: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		metrics.RecordNotification("error")
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	metrics.RecordNotification("ok")
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
