package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinivia/agendabot/internal/resilience"
	"github.com/clinivia/agendabot/pkg/logging"
)

func newTestSender(t *testing.T, handler http.Handler) *Sender {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	exec := resilience.NewExecutor(resilience.Config{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: 3,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
		},
		CallTimeout:          2 * time.Second,
		MaxRetries:           1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}, logging.New("error"), nil)

	return NewSender(Config{
		BaseURL:          srv.URL,
		InstanceID:       "inst-1",
		Token:            "tok-1",
		ClientToken:      "ct-1",
		RatePerMinute:    600, // effectively unlimited for tests
		MaxMessageLength: 160,
	}, exec, logging.New("error"))
}

func TestSend(t *testing.T) {
	var gotPath string
	var gotPayload map[string]any
	sender := newTestSender(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		assert.Equal(t, "ct-1", r.Header.Get("Client-Token"))
		json.NewEncoder(w).Encode(Ack{MessageID: "msg-9"})
	}))

	ack, err := sender.Send(context.Background(), "11999999999", "Olá!")
	require.NoError(t, err)
	assert.Equal(t, "msg-9", ack.MessageID)
	assert.Equal(t, "/instances/inst-1/token/tok-1/send-text", gotPath)
	assert.Equal(t, "5511999999999", gotPayload["phone"])
	assert.Equal(t, "Olá!", gotPayload["message"])
}

func TestSendTruncatesLongMessages(t *testing.T) {
	var gotMessage string
	sender := newTestSender(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		gotMessage, _ = payload["message"].(string)
		w.WriteHeader(http.StatusOK)
	}))

	_, err := sender.Send(context.Background(), "5511999999999", strings.Repeat("a", 500))
	require.NoError(t, err)
	assert.Len(t, gotMessage, 160)
	assert.True(t, strings.HasSuffix(gotMessage, "..."))
}

func TestSendTruncatesOnRuneBoundary(t *testing.T) {
	var gotMessage string
	sender := newTestSender(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		gotMessage, _ = payload["message"].(string)
		w.WriteHeader(http.StatusOK)
	}))

	// 100 two-byte runes: 200 bytes, and byte 157 falls mid-rune.
	_, err := sender.Send(context.Background(), "5511999999999", strings.Repeat("ã", 100))
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(gotMessage), "truncation must not split a rune")
	assert.LessOrEqual(t, len(gotMessage), 160)
	assert.True(t, strings.HasSuffix(gotMessage, "..."))
}

func TestSendRejectsInvalidInput(t *testing.T) {
	sender := newTestSender(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the gateway")
	}))

	_, err := sender.Send(context.Background(), "123", "oi")
	assert.ErrorIs(t, err, ErrInvalidPhone)

	_, err = sender.Send(context.Background(), "5511999999999", "   ")
	assert.Error(t, err)
}

func TestSendDoesNotRetryDefiniteErrorResponse(t *testing.T) {
	var calls int32
	sender := newTestSender(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := sender.Send(context.Background(), "5511999999999", "oi")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "definite gateway rejection must not be retried")
}

func TestMarkAsReadIsBestEffort(t *testing.T) {
	sender := newTestSender(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	// Must not panic or surface the failure.
	sender.MarkAsRead(context.Background(), "5511999999999", "msg-1")
}
