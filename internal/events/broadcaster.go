// Package events is the process-local publish/subscribe hub that fans
// job progress out to streaming clients. Subscriber state never crosses
// process boundaries; the optional relay forwards published events over
// RabbitMQ when several server processes must feed one set of clients.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event type tags
const (
	TypeJobUpdated    = "job_updated"
	TypeFileProcessed = "file_processed"
	TypeWatcherStatus = "watcher_status"
	TypeHeartbeat     = "heartbeat"
)

// Event is one broadcast message
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// key computes the last-event map key. job_updated events are keyed per
// job so concurrent jobs never overwrite each other's snapshot.
func (e Event) key() string {
	if e.Type == TypeJobUpdated {
		if jobID, ok := e.Data["job_id"].(string); ok {
			return e.Type + ":" + jobID
		}
	}
	return e.Type
}

// Subscriber is one live consumer, backed by a bounded queue
type Subscriber struct {
	ch chan Event
}

// Events returns the subscriber's queue
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Forwarder receives every locally published event, used by the relay
// to push events onto the external bus
type Forwarder interface {
	Forward(event Event)
}

// Broadcaster fans events out to an arbitrary number of subscribers and
// remembers the last event per key for replay on connect. It is
// constructed once at process start and passed to whatever publishes.
type Broadcaster struct {
	logger        *slog.Logger
	queueCapacity int

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	lastEvents  map[string]Event
	forwarders  []Forwarder
}

// NewBroadcaster creates a broadcaster whose subscriber queues hold up
// to queueCapacity pending events
func NewBroadcaster(queueCapacity int, logger *slog.Logger) *Broadcaster {
	if queueCapacity <= 0 {
		queueCapacity = 100
	}

	return &Broadcaster{
		logger:        logger,
		queueCapacity: queueCapacity,
		subscribers:   make(map[*Subscriber]struct{}),
		lastEvents:    make(map[string]Event),
	}
}

// Subscribe registers a new subscriber and immediately enqueues the
// last known event for every key, so a client connecting mid-batch sees
// current state without waiting for the next change
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		ch: make(chan Event, b.queueCapacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[sub] = struct{}{}
	for _, event := range b.lastEvents {
		select {
		case sub.ch <- event:
		default:
		}
	}

	b.logger.Debug("Subscriber registered",
		slog.Int("subscribers", len(b.subscribers)),
	)

	return sub
}

// Unsubscribe deregisters and discards a subscriber's queue
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropLocked(sub)
}

// AddForwarder registers a forwarder for locally published events
func (b *Broadcaster) AddForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forwarders = append(b.forwarders, f)
}

// Publish builds an event, remembers it under its key, and attempts a
// non-blocking enqueue to every subscriber. A subscriber whose queue is
// full is dropped so slow consumers never block producers.
func (b *Broadcaster) Publish(eventType string, data map[string]any) {
	b.publish(Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}, true)
}

// Inject delivers an event that originated in another process: it is
// stored and fanned out locally but not forwarded back to the bus
func (b *Broadcaster) Inject(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.publish(event, false)
}

func (b *Broadcaster) publish(event Event, forward bool) {
	b.mu.Lock()

	b.lastEvents[event.key()] = event

	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("Dropping slow event subscriber",
				slog.String("event_type", event.Type),
				slog.Int("queue_capacity", b.queueCapacity),
			)
			b.dropLocked(sub)
		}
	}

	var forwarders []Forwarder
	if forward {
		forwarders = append(forwarders, b.forwarders...)
	}
	b.mu.Unlock()

	for _, f := range forwarders {
		f.Forward(event)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subscribers)
}

// dropLocked removes a subscriber and closes its queue. Caller holds b.mu.
func (b *Broadcaster) dropLocked(sub *Subscriber) {
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub.ch)
}

// Stream produces the wire-ready event sequence for one subscriber: an
// immediate heartbeat, then queued events as they arrive, with a
// heartbeat on every silence of heartbeatInterval. The returned channel
// closes when ctx is done, the subscriber is dropped, or idleTimeout
// passes without a real event.
func (b *Broadcaster) Stream(ctx context.Context, sub *Subscriber, heartbeatInterval, idleTimeout time.Duration) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		if !b.emit(ctx, out, heartbeatEvent()) {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		idle := time.NewTimer(idleTimeout)
		defer idle.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-sub.ch:
				if !ok {
					return
				}
				if !b.emit(ctx, out, event) {
					return
				}
				heartbeat.Reset(heartbeatInterval)
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(idleTimeout)

			case <-heartbeat.C:
				if !b.emit(ctx, out, heartbeatEvent()) {
					return
				}

			case <-idle.C:
				b.logger.Debug("Event stream idle timeout reached")
				return
			}
		}
	}()

	return out
}

func (b *Broadcaster) emit(ctx context.Context, out chan<- Event, event Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func heartbeatEvent() Event {
	return Event{
		Type:      TypeHeartbeat,
		Data:      map[string]any{},
		Timestamp: time.Now(),
	}
}
