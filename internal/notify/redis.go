package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	DefaultRedisChannel = "feedgen:matched"

	publishTimeout  = 2 * time.Second
	redisQueueSize  = 1024
	dropLogInterval = 30 * time.Second
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes matched-post authors to a Redis pub/sub channel.
// Notify enqueues without blocking and Run drains the queue; when the queue is
// full the event is dropped.
type RedisPublisher struct {
	client  publisher
	closer  func() error
	channel string
	queue   chan string
	logger  *slog.Logger

	dropped atomic.Int64
	dropLog rate.Sometimes
}

// NewRedisPublisher connects to the Redis server at redisURL
// (redis://[user:pass@]host:port/db).
func NewRedisPublisher(redisURL, channel string, logger *slog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	p := newRedisPublisher(client, channel, logger)
	p.closer = client.Close
	return p, nil
}

func newRedisPublisher(client publisher, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{
		client:  client,
		closer:  func() error { return nil },
		channel: channel,
		queue:   make(chan string, redisQueueSize),
		logger:  logger.With("component", "notify", "channel", channel),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
}

// Notify implements domain.Notifier.
func (p *RedisPublisher) Notify(actor string) {
	if actor == "" {
		return
	}
	select {
	case p.queue <- actor:
	default:
		n := p.dropped.Add(1)
		p.dropLog.Do(func() {
			p.logger.Warn("redis notify queue full, dropping events", "dropped_total", n)
		})
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case actor := <-p.queue:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := p.client.Publish(pubCtx, p.channel, actor).Err(); err != nil {
				p.logger.Warn("redis publish failed", "actor", actor, "error", err)
			}
			cancel()
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (p *RedisPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.closer()
}
