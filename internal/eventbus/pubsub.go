package eventbus

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubAdapter backs the durable side of the Event Bus Adapter:
// `regular_snapshot` (PERFORM fan-out), `snapshot_results`, and
// `file_events`. Cloud Pub/Sub's managed at-least-once delivery means a
// node that is briefly offline during a snapshot round still receives the
// command on reconnect, which `finance_sync` deliberately does not
// guarantee.
type PubSubAdapter struct {
	client *pubsub.Client
	logger *log.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
	closed bool
}

// NewPubSubAdapter dials Cloud Pub/Sub for projectID.
func NewPubSubAdapter(ctx context.Context, projectID string) (*PubSubAdapter, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	return &PubSubAdapter{
		client: client,
		logger: log.New(log.Writer(), "[EVENTBUS-PUBSUB] ", log.LstdFlags),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}, nil
}

// DeclareFanout and DeclareQueue both resolve to "make sure the topic
// exists". The durable backend does not distinguish fanout from
// point-to-point delivery: every subscription created against a topic
// gets its own copy of each message, which is exactly fanout semantics.
func (a *PubSubAdapter) DeclareFanout(ctx context.Context, name string) error {
	return a.ensureTopic(ctx, name)
}

func (a *PubSubAdapter) DeclareQueue(ctx context.Context, name string) error {
	return a.ensureTopic(ctx, name)
}

func (a *PubSubAdapter) ensureTopic(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.topics[name]; ok {
		return nil
	}

	topic := a.client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic.Exists(%s): %w", name, err)
	}
	if !exists {
		topic, err = a.client.CreateTopic(ctx, name)
		if err != nil {
			return fmt.Errorf("CreateTopic(%s): %w", name, err)
		}
		slog.Info("eventbus: created pub/sub topic", "topic", name)
	}
	topic.EnableMessageOrdering = true
	a.topics[name] = topic
	return nil
}

// Publish publishes payload to the named topic and waits for the server to
// accept it. No ordering key is set on the message, so Pub/Sub does not
// order messages relative to one another.
func (a *PubSubAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := a.ensureTopic(ctx, channel); err != nil {
		return err
	}
	a.mu.Lock()
	topic := a.topics[channel]
	a.mu.Unlock()

	result := topic.Publish(ctx, &pubsub.Message{Data: payload})
	_, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("pubsub publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe creates (or reuses) a subscription on channel and delivers
// messages to handler until the returned cancel function is called.
// pubsub.Receive already blocks and redials on transient errors, so no
// extra backoff loop is needed here the way the Redis adapter needs one.
func (a *PubSubAdapter) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	if err := a.ensureTopic(ctx, channel); err != nil {
		return nil, err
	}

	subName := channel + "-sub"
	a.mu.Lock()
	sub, ok := a.subs[subName]
	topic := a.topics[channel]
	a.mu.Unlock()

	if !ok {
		var err error
		exists, err := a.client.Subscription(subName).Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscription.Exists(%s): %w", subName, err)
		}
		if exists {
			sub = a.client.Subscription(subName)
		} else {
			sub, err = a.client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{
				Topic:       topic,
				AckDeadline: 20 * time.Second,
			})
			if err != nil {
				return nil, fmt.Errorf("CreateSubscription(%s): %w", subName, err)
			}
		}
		a.mu.Lock()
		a.subs[subName] = sub
		a.mu.Unlock()
	}

	recvCtx, cancel := context.WithCancel(ctx)
	go func() {
		err := sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			handler(Message{Payload: msg.Data})
			msg.Ack()
		})
		if err != nil && recvCtx.Err() == nil {
			a.logger.Printf("receive loop for %s ended: %v", channel, err)
		}
	}()

	return cancel, nil
}

// Close shuts down every topic handle and the underlying client.
func (a *PubSubAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	for _, t := range a.topics {
		t.Stop()
	}
	if err := a.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Adapter = (*PubSubAdapter)(nil)
