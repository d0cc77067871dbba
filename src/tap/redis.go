package tap

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatrelay/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// flushTimeout bounds how long Stop spends delivering queued events.
const flushTimeout = 2 * time.Second

// ErrTapFull is returned by Publish when the pending queue is full.
var ErrTapFull = errors.New("tap: queue full")

// ErrTapStopped is returned by Publish when the tap is not running.
var ErrTapStopped = errors.New("tap: not running")

// envelope wraps an event with the publishing instance ID so consumers can
// tell relays apart.
type envelope struct {
	InstanceID string      `json:"instance_id"`
	Event      types.Event `json:"event"`
}

// RedisTap publishes relay events to a Redis pub/sub channel.
type RedisTap struct {
	client     *redis.Client
	channel    string
	instanceID string
	queue      chan types.Event
	logger     zerolog.Logger
	publish    func(ctx context.Context, channel string, data []byte) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisTap creates a tap that publishes to Redis.
func NewRedisTap(cfg *RedisConfig, logger zerolog.Logger) *RedisTap {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithCancel(context.Background())

	buf := cfg.Buffer
	if buf <= 0 {
		buf = DefaultRedisConfig().Buffer
	}

	t := &RedisTap{
		client:     client,
		channel:    cfg.Channel(),
		instanceID: uuid.New().String(),
		queue:      make(chan types.Event, buf),
		logger:     logger.With().Str("component", "redis-tap").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
	t.publish = t.publishRedis
	return t
}

// InstanceID identifies this relay in published envelopes.
func (t *RedisTap) InstanceID() string { return t.instanceID }

// Start pings Redis and begins draining the event queue.
func (t *RedisTap) Start() error {
	if err := t.client.Ping(t.ctx).Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.active = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.drain()

	t.logger.Info().
		Str("instance_id", t.instanceID).
		Str("channel", t.channel).
		Msg("redis tap started")
	return nil
}

// Publish queues an event without blocking. A full queue drops the event.
func (t *RedisTap) Publish(ev types.Event) error {
	if !t.Available() {
		return ErrTapStopped
	}
	select {
	case t.queue <- ev:
		return nil
	default:
		return ErrTapFull
	}
}

// Stop halts delivery and closes the Redis connection.
func (t *RedisTap) Stop() error {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	return t.client.Close()
}

// Available reports whether the tap is running.
func (t *RedisTap) Available() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

func (t *RedisTap) drain() {
	defer t.wg.Done()
	for {
		select {
		case ev := <-t.queue:
			t.deliver(t.ctx, ev)
		case <-t.ctx.Done():
			t.flush()
			return
		}
	}
}

// flush delivers whatever is still queued, giving up after flushTimeout.
func (t *RedisTap) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case ev := <-t.queue:
			t.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (t *RedisTap) deliver(ctx context.Context, ev types.Event) {
	if err := t.send(ctx, ev); err != nil {
		t.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("tap publish failed")
	}
}

func (t *RedisTap) send(ctx context.Context, ev types.Event) error {
	data, err := encode(t.instanceID, ev)
	if err != nil {
		return err
	}
	return t.publish(ctx, t.channel, data)
}

func (t *RedisTap) publishRedis(ctx context.Context, channel string, data []byte) error {
	return t.client.Publish(ctx, channel, data).Err()
}

func encode(instanceID string, ev types.Event) ([]byte, error) {
	return json.Marshal(envelope{InstanceID: instanceID, Event: ev})
}
