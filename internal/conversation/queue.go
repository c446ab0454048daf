package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinivia/agendabot/internal/events"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobKind string

const (
	jobKindMessage    jobKind = "message"
	jobKindStatus     jobKind = "status"
	jobKindConnection jobKind = "connection"
)

type queuePayload struct {
	ID         string                  `json:"id"`
	Kind       jobKind                 `json:"kind"`
	Message    *events.MessageEvent    `json:"message,omitempty"`
	Status     *events.StatusEvent     `json:"status,omitempty"`
	Connection *events.ConnectionEvent `json:"connection,omitempty"`
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("conversation: failed to encode payload: %w", err)
	}
	return payload, string(body), nil
}
