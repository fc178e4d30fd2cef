package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mleenorris/ComicMaintainer-sub000/shared/rabbitmq"
)

// relayEnvelope wraps an event with the publishing process's origin id
// so a process can skip events it produced itself
type relayEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// Relay fans locally published events out to a RabbitMQ fanout
// exchange and injects events arriving from other processes into the
// local broadcaster. It keeps the broadcaster itself process-local
// while letting several server processes feed one set of clients.
type Relay struct {
	client      *rabbitmq.Client
	broadcaster *Broadcaster
	logger      *slog.Logger
	originID    string

	outbound chan Event
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRelay creates a relay and registers it as a forwarder on the
// broadcaster
func NewRelay(client *rabbitmq.Client, broadcaster *Broadcaster, logger *slog.Logger) *Relay {
	r := &Relay{
		client:      client,
		broadcaster: broadcaster,
		logger:      logger,
		originID:    uuid.New().String(),
		outbound:    make(chan Event, 256),
		stopChan:    make(chan struct{}),
	}

	broadcaster.AddForwarder(r)
	return r
}

// Forward enqueues an event for publishing on the bus. The enqueue is
// non-blocking: if the outbound buffer is full the event is dropped,
// never the producer stalled.
func (r *Relay) Forward(event Event) {
	select {
	case r.outbound <- event:
	default:
		r.logger.Warn("Relay outbound buffer full, dropping event",
			slog.String("event_type", event.Type),
		)
	}
}

// Start launches the publisher and consumer loops
func (r *Relay) Start() error {
	deliveries, err := r.client.Consume(r.originID)
	if err != nil {
		return err
	}

	r.wg.Add(2)
	go r.publishLoop()
	go r.consumeLoop(deliveries)

	r.logger.Info("Event relay started",
		slog.String("origin_id", r.originID),
	)

	return nil
}

// Stop terminates both loops and waits for them to exit
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

func (r *Relay) publishLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			return

		case event := <-r.outbound:
			body, err := json.Marshal(relayEnvelope{
				Origin: r.originID,
				Event:  event,
			})
			if err != nil {
				r.logger.Error("Failed to marshal relay event",
					slog.Any("error", err),
				)
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = r.client.Publish(ctx, body, "application/json")
			cancel()
			if err != nil {
				r.logger.Error("Failed to publish relay event",
					slog.String("event_type", event.Type),
					slog.Any("error", err),
				)
			}
		}
	}
}

func (r *Relay) consumeLoop(deliveries <-chan amqp.Delivery) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			r.logger.Info("Relay consumer stopped")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				r.logger.Info("Relay consumer channel closed")
				return
			}

			var envelope relayEnvelope
			if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
				r.logger.Error("Failed to parse relay event",
					slog.Any("error", err),
				)
				continue
			}

			if envelope.Origin == r.originID {
				continue
			}

			r.broadcaster.Inject(envelope.Event)
		}
	}
}
