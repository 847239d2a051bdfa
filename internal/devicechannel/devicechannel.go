// Package devicechannel is the Dispatch Core's C6 component: it publishes
// dispatch commands to in-vehicle devices over Redis pub/sub and
// subscribes to their confirmation/resolution acknowledgements. The
// channel tolerates device disconnects: outbound commands queue (bounded,
// drop-oldest) while the connection is down, and the subscriber loop
// reconnects with exponential backoff up to a fixed attempt ceiling.
package devicechannel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatchcore/pkg/logger"
)

// DispatchCommand is published on device/{externalDeviceId}/dispatch.
type DispatchCommand struct {
	FaultID      string `json:"faultId"`
	FaultDetails string `json:"faultDetails"`
}

// ConfirmationMessage is received on vehicle/{number}/confirmation.
type ConfirmationMessage struct {
	FaultID   string `json:"faultId"`
	Confirmed bool   `json:"confirmed"`
}

// ResolutionMessage is received on vehicle/{number}/resolved.
type ResolutionMessage struct {
	FaultID  string `json:"faultId"`
	Resolved bool   `json:"resolved"`
}

// Config tunes the outbound queue and reconnect behavior.
type Config struct {
	OutboundQueueSize int
	ReconnectMaxTries int
	ReconnectBackoff  time.Duration
}

// Channel is the device command/ack transport.
type Channel struct {
	cfg    Config
	client *redis.Client

	mu       sync.Mutex
	queue    []queuedCommand
	draining bool
}

type queuedCommand struct {
	topic   string
	payload []byte
}

// New builds a Channel over an existing Redis client.
func New(client *redis.Client, cfg Config) *Channel {
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 100
	}
	if cfg.ReconnectMaxTries <= 0 {
		cfg.ReconnectMaxTries = 10
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 2 * time.Second
	}
	return &Channel{cfg: cfg, client: client}
}

// PublishDispatch sends a dispatch command to device/{externalDeviceId}/dispatch
// at-least-once: if the immediate publish fails, the command is queued
// (bounded, drop-oldest) for replay once the connection recovers.
func (c *Channel) PublishDispatch(ctx context.Context, externalDeviceID, faultID, faultDetails string) error {
	topic := fmt.Sprintf("device/%s/dispatch", externalDeviceID)
	payload, err := json.Marshal(DispatchCommand{FaultID: faultID, FaultDetails: faultDetails})
	if err != nil {
		return fmt.Errorf("marshal dispatch command: %w", err)
	}

	if err := c.client.Publish(ctx, topic, payload).Err(); err != nil {
		logger.Log.Warn("devicechannel: publish failed, queueing", "topic", topic, "error", err)
		c.enqueue(topic, payload)
		return err
	}
	return nil
}

func (c *Channel) enqueue(topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) >= c.cfg.OutboundQueueSize {
		logger.Log.Warn("devicechannel: outbound queue full, dropping oldest command")
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, queuedCommand{topic: topic, payload: payload})
}

// DrainQueue replays queued commands once the connection is known healthy.
// Commands that fail to publish are re-queued in their original order.
func (c *Channel) DrainQueue(ctx context.Context) {
	c.mu.Lock()
	if c.draining || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	c.draining = true
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	for i, cmd := range pending {
		if err := c.client.Publish(ctx, cmd.topic, cmd.payload).Err(); err != nil {
			c.mu.Lock()
			c.queue = append(append([]queuedCommand(nil), pending[i:]...), c.queue...)
			if over := len(c.queue) - c.cfg.OutboundQueueSize; over > 0 {
				c.queue = c.queue[over:]
			}
			c.mu.Unlock()
			return
		}
	}
}

// QueueLen reports the number of commands currently queued for replay,
// primarily for tests and diagnostics.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ConfirmationHandler processes a parsed confirmation for vehicleNumber.
type ConfirmationHandler func(ctx context.Context, vehicleNumber string, msg ConfirmationMessage)

// ResolutionHandler processes a parsed resolution for vehicleNumber.
type ResolutionHandler func(ctx context.Context, vehicleNumber string, msg ResolutionMessage)

// SubscribeConfirmations subscribes to vehicle/{number}/confirmation for
// every number in vehicleNumbers and invokes handler for each well-formed
// message received until ctx is done. Malformed payloads are logged and
// skipped; they never stop the subscription loop.
func (c *Channel) SubscribeConfirmations(ctx context.Context, vehicleNumbers []string, handler ConfirmationHandler) {
	topics := make([]string, len(vehicleNumbers))
	for i, n := range vehicleNumbers {
		topics[i] = fmt.Sprintf("vehicle/%s/confirmation", n)
	}
	c.subscribeWithReconnect(ctx, topics, func(ctx context.Context, topic string, data []byte) {
		var msg ConfirmationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Log.Warn("devicechannel: malformed confirmation message", "topic", topic, "error", err)
			return
		}
		handler(ctx, vehicleNumberFromTopic(topic), msg)
	})
}

// SubscribeResolutions subscribes to vehicle/{number}/resolved.
func (c *Channel) SubscribeResolutions(ctx context.Context, vehicleNumbers []string, handler ResolutionHandler) {
	topics := make([]string, len(vehicleNumbers))
	for i, n := range vehicleNumbers {
		topics[i] = fmt.Sprintf("vehicle/%s/resolved", n)
	}
	c.subscribeWithReconnect(ctx, topics, func(ctx context.Context, topic string, data []byte) {
		var msg ResolutionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Log.Warn("devicechannel: malformed resolution message", "topic", topic, "error", err)
			return
		}
		handler(ctx, vehicleNumberFromTopic(topic), msg)
	})
}

func (c *Channel) subscribeWithReconnect(ctx context.Context, topics []string, onMessage func(ctx context.Context, topic string, data []byte)) {
	go func() {
		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}

			sub := c.client.Subscribe(ctx, topics...)
			ch := sub.Channel()
			c.DrainQueue(ctx)

			for msg := range ch {
				attempt = 0
				onMessage(ctx, msg.Channel, []byte(msg.Payload))
			}
			sub.Close()

			if ctx.Err() != nil {
				return
			}

			attempt++
			if attempt > c.cfg.ReconnectMaxTries {
				logger.Log.Error("devicechannel: exhausted reconnect attempts", "topics", topics, "attempts", attempt)
				return
			}

			backoff := c.cfg.ReconnectBackoff * time.Duration(1<<uint(attempt-1))
			logger.Log.Warn("devicechannel: subscription dropped, reconnecting", "topics", topics, "attempt", attempt, "backoff", backoff)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}()
}

func vehicleNumberFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
