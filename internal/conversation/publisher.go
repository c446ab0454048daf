package conversation

import (
	"context"
	"fmt"

	"github.com/clinivia/agendabot/internal/events"
	"github.com/clinivia/agendabot/pkg/logging"
)

// ErrQueueFull is returned when the event queue cannot absorb another
// webhook without blocking the gateway.
var ErrQueueFull = fmt.Errorf("conversation: event queue full")

// Publisher enqueues webhook events for asynchronous processing.
type Publisher struct {
	queue  *MemoryQueue
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue *MemoryQueue, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, logger: logger}
}

// PublishMessage enqueues an inbound user message.
func (p *Publisher) PublishMessage(ctx context.Context, ev events.MessageEvent) error {
	return p.enqueue(ctx, queuePayload{Kind: jobKindMessage, Message: &ev})
}

// PublishStatus enqueues a delivery-status event.
func (p *Publisher) PublishStatus(ctx context.Context, ev events.StatusEvent) error {
	return p.enqueue(ctx, queuePayload{Kind: jobKindStatus, Status: &ev})
}

// PublishConnection enqueues a gateway connectivity event.
func (p *Publisher) PublishConnection(ctx context.Context, ev events.ConnectionEvent) error {
	return p.enqueue(ctx, queuePayload{Kind: jobKindConnection, Connection: &ev})
}

func (p *Publisher) enqueue(_ context.Context, payload queuePayload) error {
	payload, body, err := encodePayload(payload)
	if err != nil {
		return err
	}

	// Non-blocking: the webhook handler must answer the gateway fast, so a
	// saturated queue sheds the event instead of stalling the request.
	if !p.queue.TrySend(body) {
		return ErrQueueFull
	}

	p.logger.Debug("webhook event enqueued", "event_id", payload.ID, "kind", payload.Kind)
	return nil
}
