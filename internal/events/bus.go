// Package events implements the core's publish/subscribe broker: a typed
// dispatcher over a closed set of topics. Delivery is synchronous, in
// subscription order, on the publisher's goroutine, with no buffering and
// no backpressure. Several ordering invariants depend on a handler
// completing before the publisher's next statement runs, which an async
// worker pool cannot guarantee.
package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Topic is the closed set of event names the core publishes and subscribes
// to.
type Topic string

const (
	TopicMarketSnapshot      Topic = "MARKET_SNAPSHOT"
	TopicPatternDetected     Topic = "PATTERN_DETECTED"
	TopicSignalGenerated     Topic = "SIGNAL_GENERATED"
	TopicSignalApproved      Topic = "SIGNAL_APPROVED"
	TopicSignalRejected      Topic = "SIGNAL_REJECTED"
	TopicManipulationDetect  Topic = "MANIPULATION_DETECTED"
	TopicRegimeChange        Topic = "REGIME_CHANGE"
	TopicMaintenanceComplete Topic = "MAINTENANCE_COMPLETED"
	TopicDailyReset          Topic = "DAILY_RESET"
	TopicSystemStarted       Topic = "SYSTEM_STARTED"
	TopicSystemStopping      Topic = "SYSTEM_STOPPING"
	TopicSystemError         Topic = "SYSTEM_ERROR"
	TopicSystemCriticalFail  Topic = "SYSTEM_CRITICAL_FAILURE"
	TopicMemoryEmergency     Topic = "MEMORY_EMERGENCY"
)

// Handler processes one published payload. A Handler that panics or returns
// an error is a HandlerFault: the bus logs it and continues to the next
// subscriber.
type Handler func(payload interface{}) error

// Subscription is an active registration on one topic.
type Subscription struct {
	id      uint64
	topic   Topic
	handler Handler
}

// Stats reports cumulative counters for one topic.
type Stats struct {
	Published     uint64
	HandlerFaults uint64
}

// Bus is a publish/subscribe broker with Topic keys. subscribe/unsubscribe
// must not be called from within a handler running inside publish — handler
// lists are treated as immutable for the duration of one publish call.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[Topic][]*Subscription
	nextID      uint64

	statsMu sync.Mutex
	stats   map[Topic]*Stats
}

// New creates an empty Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger:      logger.Named("event-bus"),
		subscribers: make(map[Topic][]*Subscription),
		stats:       make(map[Topic]*Stats),
	}
}

// Subscribe registers handler on topic, run in the order subscriptions were
// added. Returns a Subscription usable with Unsubscribe.
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := atomic.AddUint64(&b.nextID, 1)
	sub := &Subscription{id: id, topic: topic, handler: handler}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	return sub
}

// Unsubscribe removes a subscription. Must not be called from within a
// handler invoked by Publish for the same topic.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subscribers[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subscribers[sub.topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish dispatches payload to every subscriber of topic, synchronously, in
// registration order, on the caller's goroutine. A handler fault (panic or
// returned error) is logged and does not prevent subsequent handlers from
// running.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.RLock()
	handlers := make([]*Subscription, len(b.subscribers[topic]))
	copy(handlers, b.subscribers[topic])
	b.mu.RUnlock()

	b.recordPublish(topic)

	for _, sub := range handlers {
		b.invoke(sub, payload)
	}
}

func (b *Bus) invoke(sub *Subscription, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.recordFault(sub.topic)
			b.logger.Error("handler panic", zap.String("topic", string(sub.topic)), zap.Any("recovered", r))
		}
	}()
	if err := sub.handler(payload); err != nil {
		b.recordFault(sub.topic)
		b.logger.Warn("handler fault", zap.String("topic", string(sub.topic)), zap.Error(err))
	}
}

func (b *Bus) recordPublish(topic Topic) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	s := b.statsFor(topic)
	s.Published++
}

func (b *Bus) recordFault(topic Topic) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	s := b.statsFor(topic)
	s.HandlerFaults++
}

func (b *Bus) statsFor(topic Topic) *Stats {
	s, ok := b.stats[topic]
	if !ok {
		s = &Stats{}
		b.stats[topic] = s
	}
	return s
}

// Stats returns a copy of the counters accumulated for topic.
func (b *Bus) Stats(topic Topic) Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	if s, ok := b.stats[topic]; ok {
		return *s
	}
	return Stats{}
}

// SubscriberCount reports how many handlers are registered on topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
