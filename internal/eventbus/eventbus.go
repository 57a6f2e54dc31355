// Package eventbus is the strongly-typed internal publish/subscribe bus that
// replaces the pervasive event-emitter idiom: Shadow State, Broker Gateway,
// Reconciliation, and the kill-switches publish tagged events onto named
// topics instead of holding direct references to each other.
package eventbus

import (
	"sync"

	"titan/internal/core"
)

// Topic names used throughout the core. Kept as string constants (not an
// enum type) so subscribers can wildcard-match prefixes if ever needed.
const (
	TopicIntentProcessed    = "intent:processed"
	TopicIntentValidated    = "intent:validated"
	TopicIntentRejected     = "intent:rejected"
	TopicPositionOpened     = "position:opened"
	TopicPositionUpdated    = "position:updated"
	TopicPositionClosed     = "position:closed"
	TopicPositionPartial    = "position:partial_close"
	TopicTradeRecorded      = "trade:recorded"
	TopicOrderFilled        = "order:filled"
	TopicOrderRejected      = "order:rejected"
	TopicOrderCanceled      = "order:canceled"
	TopicTriggerFired       = "trigger:fired"
	TopicSignalRejected     = "signal:rejected"
	TopicConfigChanged      = "config:changed"
	TopicPhaseTransition    = "phase:transition"
	TopicSyncOK             = "reconcile:sync_ok"
	TopicMismatch           = "reconcile:mismatch"
	TopicEmergencyFlatten   = "reconcile:emergency_flatten"
	TopicSystemEvent        = "system:event"
	TopicPanicFlattenAll    = "panic:flatten_all"
	TopicPanicCancelAll     = "panic:cancel_all"
)

// Subscriber receives events delivered on topics it registered for, in the
// order the publishing component emitted them.
type Subscriber interface {
	HandleEvent(topic string, event interface{})
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(topic string, event interface{})

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(topic string, event interface{}) { f(topic, event) }

// queuedEvent is one (topic, event) pair waiting for a subscriber's
// delivery goroutine to drain.
type queuedEvent struct {
	topic string
	event interface{}
}

// subscriberQueue pairs a Subscriber with its own ordered mailbox. Every
// Subscribe call gets a dedicated queue and delivery goroutine, so one slow
// or wedged subscriber never blocks another, and never blocks Publish.
const subscriberQueueSize = 1024

type subscriberQueue struct {
	sub Subscriber
	ch  chan queuedEvent
}

// Bus is a fan-out publish/subscribe hub. Publish only enqueues; it never
// calls a subscriber directly and never waits for delivery, since domain
// code frequently publishes while holding its own lock (e.g. Shadow State
// closes a position and publishes TopicTradeRecorded before releasing
// s.mu) and a kill-switch handler reacting to that same event can call back
// into Shadow State. A synchronous "fan out then wait" Publish deadlocks
// that path; queuing and returning immediately does not. Delivery to a
// given subscriber is still strictly ordered with respect to the order
// Publish was called for that subscriber, satisfying the "observers receive
// events in the order transitions occur" guarantee — it just happens after
// Publish returns instead of before.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriberQueue
	logger      core.ILogger
}

// New creates an empty Bus.
func New(logger core.ILogger) *Bus {
	return &Bus{
		subscribers: make(map[string][]*subscriberQueue),
		logger:      logger.WithField("component", "eventbus"),
	}
}

// Subscribe registers sub to receive every event published on topic and
// starts its delivery goroutine.
func (b *Bus) Subscribe(topic string, sub Subscriber) {
	q := &subscriberQueue{sub: sub, ch: make(chan queuedEvent, subscriberQueueSize)}
	go b.deliver(q)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], q)
}

// deliver drains q.ch in order for the lifetime of the process; the bus
// never tears subscribers down, matching its existing no-Unsubscribe API.
func (b *Bus) deliver(q *subscriberQueue) {
	for qe := range q.ch {
		b.dispatch(q.sub, qe.topic, qe.event)
	}
}

func (b *Bus) dispatch(sub Subscriber, topic string, event interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus subscriber panicked", "topic", topic, "panic", r)
		}
	}()
	sub.HandleEvent(topic, event)
}

// Publish enqueues event for every subscriber of topic and returns
// immediately; it never blocks on a subscriber's handler. Implements
// core.EventPublisher so domain components can depend on the narrow
// interface instead of the concrete Bus. A subscriber whose queue is full
// (it is wedged or permanently slower than its publishers) has the event
// dropped rather than backing up the publisher; this is logged loudly since
// a dropped trading event is a real loss of information, not a cosmetic cap.
func (b *Bus) Publish(topic string, event interface{}) {
	b.mu.RLock()
	subs := b.subscribers[topic]
	b.mu.RUnlock()

	for _, q := range subs {
		select {
		case q.ch <- queuedEvent{topic: topic, event: event}:
		default:
			b.logger.Error("eventbus subscriber queue full, dropping event", "topic", topic)
		}
	}
}
