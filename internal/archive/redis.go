package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/vocalprobe/internal/observe"
	"github.com/MrWong99/vocalprobe/internal/session"
)

// Redis key layout.
const (
	// EventsChannel is the pub/sub channel every engine event is published on.
	EventsChannel = "vocalprobe:events"

	liveKeyPrefix = "vocalprobe:live:"
)

// LiveKey returns the key holding the latest live data of a session.
func LiveKey(sessionID string) string { return liveKeyPrefix + sessionID }

// redisClient is the subset of *redis.Client used by [RedisPublisher].
type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// DialRedis connects to addr, which is either host:port or a redis:// or
// rediss:// URL, and pings the server.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		var err error
		opts, err = redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
	} else {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisOptions configures a [RedisPublisher].
type RedisOptions struct {
	// LiveTTL is the expiry of the live data key. Default: 1 minute.
	LiveTTL time.Duration

	// Buffer is the number of events held while Redis is slow. Default: 256.
	Buffer int

	// Metrics receives dropped-event counts. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// RedisPublisher is a [session.Observer] that mirrors engine events to Redis:
// every event is published as JSON on [EventsChannel] and the live data of
// each tick is stored under [LiveKey]. Events are written by a background
// goroutine; when its buffer is full events are dropped.
type RedisPublisher struct {
	client  redisClient
	ttl     time.Duration
	metrics *observe.Metrics
	events  *session.ChanObserver
	done    chan struct{}

	closeOnce sync.Once
	failing   bool
}

var _ session.Observer = (*RedisPublisher)(nil)

// NewRedisPublisher starts a publisher writing to client.
func NewRedisPublisher(client redisClient, opts RedisOptions) *RedisPublisher {
	if opts.LiveTTL <= 0 {
		opts.LiveTTL = time.Minute
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	p := &RedisPublisher{
		client:  client,
		ttl:     opts.LiveTTL,
		metrics: opts.Metrics,
		events:  session.NewChanObserver(opts.Buffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Notify implements [session.Observer]. It never blocks.
func (p *RedisPublisher) Notify(ev session.Event) {
	before := p.events.Dropped()
	p.events.Notify(ev)
	if p.events.Dropped() > before {
		p.metrics.RecordDropped(context.Background(), "redis")
	}
}

// Dropped returns the number of events discarded because the buffer was
// full.
func (p *RedisPublisher) Dropped() int { return p.events.Dropped() }

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// Close flushes buffered events, stops the publisher and closes the client.
func (p *RedisPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.events.Close()
		<-p.done
		err = p.client.Close()
	})
	return err
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for ev := range p.events.C() {
		p.publish(ev)
	}
}

func (p *RedisPublisher) publish(ev session.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("redis publisher: encode event", "kind", ev.Kind.String(), "error", err)
		return
	}
	if ev.Kind == session.EventDataUpdate && ev.Data != nil && ev.SessionID != "" {
		live, err := json.Marshal(ev.Data)
		if err == nil {
			err = p.client.Set(ctx, LiveKey(ev.SessionID), live, p.ttl).Err()
		}
		if err != nil {
			p.fail(err)
			return
		}
	}
	if err := p.client.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		p.fail(err)
		return
	}
	if p.failing {
		p.failing = false
		slog.Info("redis publisher recovered")
	}
}

// fail logs the first error of a failure streak.
func (p *RedisPublisher) fail(err error) {
	if !p.failing {
		p.failing = true
		slog.Warn("redis publisher: write failed, dropping events until it recovers", "error", err)
	}
}
