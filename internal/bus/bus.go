// Package bus is the in-process pub/sub channel between the manager,
// strategies, and the websocket broadcaster. Delivery is synchronous, in
// registration order, on the publisher's goroutine; handlers must not block.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dlmm-keeper/pkg/types"
)

// StatusUpdate is the payload on TopicStatusUpdate: one instance's lifecycle
// state plus its freshest snapshot, published after the storage commit.
type StatusUpdate struct {
	InstanceID string               `json:"instanceId"`
	Status     types.InstanceStatus `json:"status"`
	Reason     string               `json:"reason,omitempty"`
	Snapshot   *types.Snapshot      `json:"snapshot,omitempty"`
}

// StopLossUpdate is the payload on TopicSmartStopLoss, published once per
// close attempt while a smart stop-loss unwinds a chain.
type StopLossUpdate struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
	Attempt    int    `json:"attempt"`
}

// Finding is the payload on TopicHealthFinding: one audit observation about
// a strategy instance. InstanceID is empty for wallet-level observations.
type Finding struct {
	InstanceID string    `json:"instanceId,omitempty"`
	Check      string    `json:"check"`
	Detail     string    `json:"detail"`
	Timestamp  time.Time `json:"timestamp"`
}

// Topics published by the runtime.
const (
	TopicStatusUpdate  = "strategy.status.update"
	TopicSmartStopLoss = "strategy.smart-stop-loss.update"
	TopicHealthFinding = "health.finding"
	TopicCrawlerPrefix = "pool-crawler."
	TopicCrawlerData   = "pool-crawler.data"
)

// Event is one published message.
type Event struct {
	Topic string
	Data  any
}

// Handler receives matching events.
type Handler func(Event)

type subscription struct {
	id      string
	pattern string
	handler Handler
}

// Bus routes events to subscribers. A pattern matches a topic exactly, or by
// prefix when it ends in '*'.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
}

func New() *Bus { return &Bus{} }

// Subscribe registers handler for pattern and returns a subscription id.
func (b *Bus) Subscribe(pattern string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})
	return id
}

// Unsubscribe removes exactly the subscription with the given id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers the event to every matching subscriber in registration
// order, on the caller's goroutine.
func (b *Bus) Publish(topic string, data any) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if match(s.pattern, topic) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	ev := Event{Topic: topic, Data: data}
	for _, h := range matched {
		h(ev)
	}
}

func match(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}
