// Package eventbus is the Dispatch Core's broadcast surface. Faults, FSM
// transitions, telemetry, and the timer service fire named events
// (fault:created, vehicle:status-change, ...) that downstream
// consumers (WebSocket bridges, audit sinks) subscribe to. Delivery is
// fire-and-forget: subscribers that fall behind lose events, and event
// order across independent faults/vehicles is not guaranteed.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatchcore/pkg/logger"
)

// subscriberQueueSize bounds each in-process subscriber's buffered channel.
// A slow subscriber drops new events rather than blocking the publisher.
const subscriberQueueSize = 256

// Event is a single named occurrence with a JSON-serializable payload.
type Event struct {
	Name      string    `json:"name"`
	Payload   any       `json:"payload"`
	EmittedAt time.Time `json:"emittedAt"`
}

// Bus fans events out to in-process subscribers and, if configured,
// publishes them on a Redis channel per event name for other processes.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	redis       *redis.Client
}

// New builds a Bus. redisClient may be nil, in which case events are only
// delivered to in-process subscribers.
func New(redisClient *redis.Client) *Bus {
	return &Bus{
		subscribers: make(map[string][]chan Event),
		redis:       redisClient,
	}
}

// Subscribe returns a channel receiving every event with the given name.
// The channel is closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, name string) <-chan Event {
	ch := make(chan Event, subscriberQueueSize)

	b.mu.Lock()
	b.subscribers[name] = append(b.subscribers[name], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[name]
		for i, c := range subs {
			if c == ch {
				b.subscribers[name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

// Emit fans the event out to in-process subscribers and publishes it onto
// Redis channel events:{name} if a redis client is configured. Both paths
// are best-effort: a publish failure or a full subscriber queue is logged
// and swallowed, never returned as an error, since a missed broadcast must
// never abort the dispatch operation that triggered it.
func (b *Bus) Emit(ctx context.Context, name string, payload any) {
	ev := Event{Name: name, Payload: payload, EmittedAt: time.Now()}

	b.mu.RLock()
	subs := append([]chan Event(nil), b.subscribers[name]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			logger.Log.Warn("eventbus: subscriber queue full, dropping event", "event", name)
		}
	}

	if b.redis == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		logger.Log.Error("eventbus: marshal event failed", "event", name, "error", err)
		return
	}

	if err := b.redis.Publish(ctx, "events:"+name, data).Err(); err != nil {
		logger.Log.Warn("eventbus: redis publish failed", "event", name, "error", err)
	}
}
