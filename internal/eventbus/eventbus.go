// Package eventbus broadcasts upload lifecycle events to subscribers,
// optionally fanning out over Redis pub/sub.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MagicCat3022/Magic-File-Transfer/pkg/log"
)

// Event is the small envelope published for every lifecycle transition.
type Event struct {
	UploadID   string      `json:"uploadId"`
	Kind       string      `json:"kind"`
	Upload     interface{} `json:"upload,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
}

func channelName(userKey string) string { return "uploads:" + userKey }

// Bus publishes and fans out events. A nil *redis.Client puts it in
// local-only mode: Publish delivers straight to in-process subscribers,
// so the coordinator still works without Redis.
type Bus struct {
	client *redis.Client

	mu          sync.Mutex
	subscribers map[string][]chan Event
}

// New builds a bus. addr == "" returns a no-op bus.
func New(addr string) *Bus {
	b := &Bus{subscribers: make(map[string][]chan Event)}
	if addr == "" {
		return b
	}
	b.client = redis.NewClient(&redis.Options{Addr: addr})
	return b
}

// Publish is best-effort: Redis errors are logged, never propagated.
// With no Redis client configured, delivery is purely local. With one
// configured, delivery goes through Redis and back via relay so each
// subscriber sees the event exactly once.
func (b *Bus) Publish(ctx context.Context, userKey string, ev Event) {
	if b.client == nil {
		b.fanOutLocal(userKey, ev)
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Named("eventbus").Warn("marshal event", zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, channelName(userKey), payload).Err(); err != nil {
		log.Named("eventbus").Warn("publish event", zap.Error(err))
	}
}

// fanOutLocal delivers to in-process subscribers without blocking on a
// slow or absent reader.
func (b *Bus) fanOutLocal(userKey string, ev Event) {
	b.mu.Lock()
	subs := append([]chan Event(nil), b.subscribers[userKey]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			log.Named("eventbus").Warn("dropping event for slow subscriber", zap.String("userKey", userKey))
		}
	}
}

// Subscribe returns a channel plus an unsubscribe func. Without Redis
// the channel is fed directly by in-process Publish calls; with Redis
// it is fed only by a best-effort background relay from the shared
// channel.
func (b *Bus) Subscribe(ctx context.Context, userKey string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subscribers[userKey] = append(b.subscribers[userKey], ch)
	b.mu.Unlock()

	var stopRelay context.CancelFunc
	if b.client != nil {
		relayCtx, cancel := context.WithCancel(ctx)
		stopRelay = cancel
		go b.relay(relayCtx, userKey, ch)
	}

	cleanup := func() {
		if stopRelay != nil {
			stopRelay()
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[userKey]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[userKey] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cleanup
}

// relay forwards messages from the shared Redis channel into a local
// subscriber channel, so multiple processes stay in sync. Non-blocking:
// a full subscriber channel drops the message rather than stalling the
// relay goroutine.
func (b *Bus) relay(ctx context.Context, userKey string, out chan<- Event) {
	sub := b.client.Subscribe(ctx, channelName(userKey))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}
}

// Close releases the underlying Redis client, if any.
func (b *Bus) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
