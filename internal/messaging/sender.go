// Package messaging sends outbound WhatsApp messages through the Z-API
// gateway, under the shared resilience executor (breaker key "messaging")
// and an outbound rate limiter matching the provider's quota.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/clinivia/agendabot/internal/resilience"
	"github.com/clinivia/agendabot/pkg/logging"
)

const breakerKey = "messaging"

// Ack is the gateway's acknowledgement of an accepted message.
type Ack struct {
	MessageID string `json:"messageId"`
}

// Config holds Z-API credentials and sending limits.
type Config struct {
	BaseURL     string
	InstanceID  string
	Token       string
	ClientToken string
	// RatePerMinute caps outbound sends; retries inside the resilience
	// wrapper also pass through this limiter, so backoff cannot burst
	// past the provider quota.
	RatePerMinute int
	// MaxMessageLength truncates longer bodies before sending.
	MaxMessageLength int
}

// Sender posts messages to Z-API.
type Sender struct {
	cfg        Config
	httpClient *http.Client
	exec       *resilience.Executor
	limiter    *rate.Limiter
	logger     *logging.Logger
	tracer     trace.Tracer
}

// NewSender builds a Z-API sender.
func NewSender(cfg Config, exec *resilience.Executor, logger *logging.Logger) *Sender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4096
	}
	return &Sender{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		exec:       exec,
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute/6+1),
		logger:     logger,
		tracer:     otel.Tracer("agendabot.internal.messaging"),
	}
}

// Send delivers one text message. The send is a mutating call: the
// resilience wrapper retries it at most once and only when no response was
// received from the gateway.
func (s *Sender) Send(ctx context.Context, phone, text string) (Ack, error) {
	ctx, span := s.tracer.Start(ctx, "messaging.send")
	defer span.End()

	normalized, err := NormalizePhone(phone)
	if err != nil {
		return Ack{}, err
	}
	span.SetAttributes(attribute.String("agendabot.to", MaskPhone(normalized)))

	text = strings.TrimSpace(text)
	if text == "" {
		return Ack{}, fmt.Errorf("messaging: empty message body")
	}
	if len(text) > s.cfg.MaxMessageLength {
		s.logger.Warn("truncating outbound message", "to", MaskPhone(normalized), "length", len(text))
		text = truncate(text, s.cfg.MaxMessageLength)
	}

	ack, err := resilience.Do(ctx, s.exec, breakerKey, func(ctx context.Context) (Ack, error) {
		// The limiter sits inside the wrapped call so each retry attempt
		// spends its own token.
		if err := s.limiter.Wait(ctx); err != nil {
			return Ack{}, resilience.Permanent(err)
		}
		return s.post(ctx, "send-text", map[string]any{
			"phone":   normalized,
			"message": text,
		})
	})
	if err != nil {
		s.logger.Error("failed to send message", "to", MaskPhone(normalized), "error", err)
		return Ack{}, err
	}

	s.logger.Info("message sent", "to", MaskPhone(normalized), "message_id", ack.MessageID, "length", len(text))
	return ack, nil
}

// SendText delivers one text message and returns the provider message id.
// It is the shape the conversation engine consumes.
func (s *Sender) SendText(ctx context.Context, phone, text string) (string, error) {
	ack, err := s.Send(ctx, phone, text)
	return ack.MessageID, err
}

// MarkAsRead acknowledges an inbound message on the gateway. Best-effort;
// failures are logged, never surfaced to the conversation flow.
func (s *Sender) MarkAsRead(ctx context.Context, phone, messageID string) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return
	}
	_, err = resilience.Do(ctx, s.exec, breakerKey, func(ctx context.Context) (Ack, error) {
		return s.post(ctx, "read-message", map[string]any{
			"phone":     normalized,
			"messageId": messageID,
		})
	})
	if err != nil {
		s.logger.Debug("failed to mark message as read", "to", MaskPhone(normalized), "error", err)
	}
}

// truncate shortens text to at most max bytes with a "..." suffix, backing
// up to a rune boundary so accented pt-BR characters are never split.
func truncate(text string, max int) string {
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func (s *Sender) post(ctx context.Context, endpoint string, payload map[string]any) (Ack, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, resilience.Permanent(fmt.Errorf("messaging: failed to encode payload: %w", err))
	}

	url := fmt.Sprintf("%s/instances/%s/token/%s/%s",
		s.cfg.BaseURL, s.cfg.InstanceID, s.cfg.Token, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Ack{}, resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.ClientToken != "" {
		req.Header.Set("Client-Token", s.cfg.ClientToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Ack{}, resilience.MarkTransport(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Ack{}, fmt.Errorf("messaging: gateway rate limit exceeded")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Ack{}, resilience.Permanent(fmt.Errorf("messaging: gateway rejected request: status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return Ack{}, fmt.Errorf("messaging: gateway server error: status %d", resp.StatusCode)
	}

	var ack Ack
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&ack); err != nil && err != io.EOF {
		return Ack{}, fmt.Errorf("messaging: failed to decode ack: %w", err)
	}
	return ack, nil
}
