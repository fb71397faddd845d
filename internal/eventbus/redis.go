package eventbus

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter backs the non-durable side of the Event Bus Adapter:
// `finance_sync` and its per-correlation reply channels. Redis Pub/Sub has
// no delivery guarantee across a disconnect, which is acceptable for
// in-flight replication ops per spec §4.2 — a lost ACK just times out the
// sender's quorum wait; the op is not retried.
//
// Unlike the durable Pub/Sub backend, Redis does not manage reconnects for
// us, so every Subscribe loop rebuilds its subscription on a fixed backoff
// when the connection drops.
type RedisAdapter struct {
	rdb             *redis.Client
	logger          *log.Logger
	reconnectBackoff time.Duration

	mu     sync.Mutex
	closed bool
}

// NewRedisAdapter connects to Redis and verifies reachability with a ping.
func NewRedisAdapter(addr, password string, db int, reconnectBackoff time.Duration) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	if reconnectBackoff <= 0 {
		reconnectBackoff = 5 * time.Second
	}

	slog.Info("eventbus: redis connected", "addr", addr, "db", db)
	return &RedisAdapter{
		rdb:              rdb,
		logger:           log.New(log.Writer(), "[EVENTBUS-REDIS] ", log.LstdFlags),
		reconnectBackoff: reconnectBackoff,
	}, nil
}

// DeclareFanout is a no-op for Redis: channels are created implicitly by
// the first Publish/Subscribe call.
func (a *RedisAdapter) DeclareFanout(ctx context.Context, name string) error { return nil }

// DeclareQueue is a no-op for the same reason; reply queues are just
// differently-named Pub/Sub channels.
func (a *RedisAdapter) DeclareQueue(ctx context.Context, name string) error { return nil }

// Publish sends payload to every current subscriber of channel.
func (a *RedisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return a.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe starts a background goroutine that delivers messages to
// handler and automatically resubscribes on disconnect.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	go a.subscribeLoop(subCtx, channel, handler)

	return cancel, nil
}

func (a *RedisAdapter) subscribeLoop(ctx context.Context, channel string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if a.isClosed() {
			return
		}

		sub := a.rdb.Subscribe(ctx, channel)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			if ctx.Err() != nil {
				return
			}
			a.logger.Printf("subscribe to %s failed, retrying in %s: %v", channel, a.reconnectBackoff, err)
			time.Sleep(a.reconnectBackoff)
			continue
		}

		ch := sub.Channel()
	drain:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					sub.Close()
					break drain
				}
				handler(Message{Payload: []byte(msg.Payload)})
			}
		}

		if ctx.Err() != nil {
			return
		}
		a.logger.Printf("connection to %s lost, reconnecting in %s", channel, a.reconnectBackoff)
		time.Sleep(a.reconnectBackoff)
	}
}

func (a *RedisAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close shuts down the underlying redis client.
func (a *RedisAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return a.rdb.Close()
}

var _ Adapter = (*RedisAdapter)(nil)
