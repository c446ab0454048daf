// Package handlers contains the HTTP surface: gateway webhooks, the admin
// API and health checks. Handlers validate and enqueue; all conversation
// work happens in the worker pool.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clinivia/agendabot/internal/conversation"
	"github.com/clinivia/agendabot/internal/events"
	"github.com/clinivia/agendabot/internal/messaging"
	"github.com/clinivia/agendabot/pkg/logging"
)

// webhookBodyLimit bounds gateway payload size.
const webhookBodyLimit = 1 << 16

type eventPublisher interface {
	PublishMessage(ctx context.Context, ev events.MessageEvent) error
	PublishStatus(ctx context.Context, ev events.StatusEvent) error
	PublishConnection(ctx context.Context, ev events.ConnectionEvent) error
}

type webhookMetrics interface {
	ObserveWebhook(eventType, status string)
}

// zapiPayload is the union shape the Z-API gateway posts to every webhook
// endpoint. Fields are populated per callback type.
type zapiPayload struct {
	Type      string `json:"type"`
	Phone     string `json:"phone"`
	FromMe    bool   `json:"fromMe"`
	MessageID string `json:"messageId"`
	Momment   int64  `json:"momment"`
	Text      *struct {
		Message string `json:"message"`
	} `json:"text"`
	Status    string `json:"status"`
	Connected *bool  `json:"connected"`
}

// WebhookHandler accepts Z-API callbacks and feeds them to the event queue.
type WebhookHandler struct {
	publisher eventPublisher
	token     string
	logger    *logging.Logger
	metrics   webhookMetrics
}

// NewWebhookHandler builds the webhook intake. token, when non-empty, must
// match the X-Webhook-Token header on every request.
func NewWebhookHandler(publisher eventPublisher, token string, logger *logging.Logger, metrics webhookMetrics) *WebhookHandler {
	if publisher == nil {
		panic("handlers: publisher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{publisher: publisher, token: token, logger: logger, metrics: metrics}
}

// HandleMessage processes inbound message callbacks.
func (h *WebhookHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decode(w, r)
	if !ok {
		return
	}

	if payload.Type != "ReceivedCallback" || payload.FromMe {
		h.observe("message", "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	text := ""
	if payload.Text != nil {
		text = payload.Text.Message
	}
	phone := strings.TrimSuffix(payload.Phone, "@c.us")
	if phone == "" || strings.TrimSpace(text) == "" {
		h.observe("message", "rejected")
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "reason": "invalid_data"})
		return
	}

	normalized, err := messaging.NormalizePhone(phone)
	if err != nil {
		h.logger.Warn("webhook with unusable phone", "error", err)
		h.observe("message", "rejected")
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "reason": "invalid_phone"})
		return
	}

	ev := events.MessageEvent{
		Phone:     normalized,
		Text:      text,
		MessageID: payload.MessageID,
		Timestamp: momentToTime(payload.Momment),
	}
	if err := h.publisher.PublishMessage(r.Context(), ev); err != nil {
		if errors.Is(err, conversation.ErrQueueFull) {
			h.observe("message", "shed")
			http.Error(w, "queue full", http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("failed to enqueue message event", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	h.observe("message", "accepted")
	h.logger.Info("message event accepted",
		"phone", messaging.MaskPhone(normalized), "message_id", payload.MessageID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// HandleStatus processes delivery-status callbacks.
func (h *WebhookHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decode(w, r)
	if !ok {
		return
	}
	if payload.MessageID == "" || payload.Status == "" {
		h.observe("status", "rejected")
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "reason": "invalid_data"})
		return
	}

	ev := events.StatusEvent{
		MessageID: payload.MessageID,
		Status:    payload.Status,
		Timestamp: momentToTime(payload.Momment),
	}
	if err := h.publisher.PublishStatus(r.Context(), ev); err != nil {
		// Status events are observability-only; shedding them is fine.
		h.logger.Debug("status event dropped", "error", err)
	}
	h.observe("status", "accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// HandleConnected processes gateway connectivity callbacks.
func (h *WebhookHandler) HandleConnected(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decode(w, r)
	if !ok {
		return
	}

	status := "disconnected"
	if payload.Connected != nil && *payload.Connected {
		status = "connected"
	}
	ev := events.ConnectionEvent{Status: status, Timestamp: time.Now()}
	if err := h.publisher.PublishConnection(r.Context(), ev); err != nil {
		h.logger.Debug("connection event dropped", "error", err)
	}
	h.observe("connection", "accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *WebhookHandler) decode(w http.ResponseWriter, r *http.Request) (zapiPayload, bool) {
	if h.token != "" && r.Header.Get("X-Webhook-Token") != h.token {
		h.observe("any", "unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return zapiPayload{}, false
	}

	var payload zapiPayload
	body := io.LimitReader(r.Body, webhookBodyLimit)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		h.observe("any", "malformed")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return zapiPayload{}, false
	}
	return payload, true
}

func (h *WebhookHandler) observe(eventType, status string) {
	if h.metrics != nil {
		h.metrics.ObserveWebhook(eventType, status)
	}
}

// momentToTime converts the gateway's millisecond timestamp, falling back
// to now for missing values.
func momentToTime(momment int64) time.Time {
	if momment <= 0 {
		return time.Now()
	}
	return time.UnixMilli(momment)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
