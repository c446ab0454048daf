package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinivia/agendabot/internal/conversation"
	"github.com/clinivia/agendabot/internal/events"
	"github.com/clinivia/agendabot/pkg/logging"
)

type capturingPublisher struct {
	messages    []events.MessageEvent
	statuses    []events.StatusEvent
	connections []events.ConnectionEvent
	err         error
}

func (c *capturingPublisher) PublishMessage(_ context.Context, ev events.MessageEvent) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, ev)
	return nil
}

func (c *capturingPublisher) PublishStatus(_ context.Context, ev events.StatusEvent) error {
	c.statuses = append(c.statuses, ev)
	return nil
}

func (c *capturingPublisher) PublishConnection(_ context.Context, ev events.ConnectionEvent) error {
	c.connections = append(c.connections, ev)
	return nil
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleMessage(t *testing.T) {
	pub := &capturingPublisher{}
	h := NewWebhookHandler(pub, "", logging.New("error"), nil)

	rec := postJSON(t, h.HandleMessage, `{
		"type": "ReceivedCallback",
		"phone": "5511988887777@c.us",
		"messageId": "msg-1",
		"momment": 1765804800000,
		"text": {"message": "oi"}
	}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pub.messages, 1)
	ev := pub.messages[0]
	assert.Equal(t, "5511988887777", ev.Phone, "@c.us suffix must be stripped")
	assert.Equal(t, "oi", ev.Text)
	assert.Equal(t, "msg-1", ev.MessageID)
	assert.Equal(t, int64(1765804800), ev.Timestamp.Unix())
}

func TestHandleMessageIgnoresOwnAndNonTextCallbacks(t *testing.T) {
	pub := &capturingPublisher{}
	h := NewWebhookHandler(pub, "", logging.New("error"), nil)

	rec := postJSON(t, h.HandleMessage,
		`{"type": "DeliveryCallback", "phone": "5511988887777"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, h.HandleMessage,
		`{"type": "ReceivedCallback", "fromMe": true, "phone": "5511988887777", "text": {"message": "eco"}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, pub.messages)
}

func TestHandleMessageRejectsMissingData(t *testing.T) {
	pub := &capturingPublisher{}
	h := NewWebhookHandler(pub, "", logging.New("error"), nil)

	rec := postJSON(t, h.HandleMessage, `{"type": "ReceivedCallback", "phone": "5511988887777"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_data")
	assert.Empty(t, pub.messages)
}

func TestHandleMessageEnforcesToken(t *testing.T) {
	pub := &capturingPublisher{}
	h := NewWebhookHandler(pub, "secret-1", logging.New("error"), nil)
	body := `{"type": "ReceivedCallback", "phone": "5511988887777", "text": {"message": "oi"}}`

	rec := postJSON(t, h.HandleMessage, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, h.HandleMessage, body, map[string]string{"X-Webhook-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, h.HandleMessage, body, map[string]string{"X-Webhook-Token": "secret-1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, pub.messages, 1)
}

func TestHandleMessageShedsWhenQueueFull(t *testing.T) {
	pub := &capturingPublisher{err: conversation.ErrQueueFull}
	h := NewWebhookHandler(pub, "", logging.New("error"), nil)

	rec := postJSON(t, h.HandleMessage,
		`{"type": "ReceivedCallback", "phone": "5511988887777", "text": {"message": "oi"}}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMessageRejectsMalformedJSON(t *testing.T) {
	h := NewWebhookHandler(&capturingPublisher{}, "", logging.New("error"), nil)

	rec := postJSON(t, h.HandleMessage, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	pub := &capturingPublisher{}
	h := NewWebhookHandler(pub, "", logging.New("error"), nil)

	rec := postJSON(t, h.HandleStatus, `{"messageId": "out-1", "status": "DELIVERED"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pub.statuses, 1)
	assert.Equal(t, "DELIVERED", pub.statuses[0].Status)
}

func TestHandleConnected(t *testing.T) {
	pub := &capturingPublisher{}
	h := NewWebhookHandler(pub, "", logging.New("error"), nil)

	rec := postJSON(t, h.HandleConnected, `{"connected": false}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pub.connections, 1)
	assert.Equal(t, "disconnected", pub.connections[0].Status)
}
