// Package eventbus implements the Event Bus Adapter: a single interface
// over two backends, a non-durable Redis Pub/Sub fanout for the
// latency-sensitive `finance_sync` replication channel and its reply
// queues, and a durable Cloud Pub/Sub backend for the `regular_snapshot`,
// `snapshot_results`, and `file_events` channels that must survive a
// subscriber restart.
package eventbus

import "context"

// Message is the bus-agnostic envelope every backend delivers to
// subscribers. Payload is the raw JSON body; callers unmarshal it into the
// pkg/fileevent type appropriate to the channel.
type Message struct {
	Payload []byte
}

// Handler processes one inbound message. Handlers run on a backend-owned
// goroutine and must not block indefinitely.
type Handler func(Message)

// Adapter is implemented by both event bus backends. Publish and Subscribe
// operate on logical channel names; DeclareFanout/DeclareQueue are
// idempotent setup calls a caller makes once before using a channel.
type Adapter interface {
	// DeclareFanout ensures a broadcast-style channel exists: every
	// subscriber receives every message (finance_sync, regular_snapshot).
	DeclareFanout(ctx context.Context, name string) error

	// DeclareQueue ensures a point-to-point/durable channel exists
	// (snapshot_results, file_events, and per-correlation reply queues).
	DeclareQueue(ctx context.Context, name string) error

	// Publish sends payload on the named channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers handler for messages on channel and returns an
	// unsubscribe function. The backend keeps delivering until Close is
	// called on the returned handle or the adapter itself is closed.
	Subscribe(ctx context.Context, channel string, handler Handler) (func(), error)

	// Close releases the backend's connection/client resources.
	Close() error
}
