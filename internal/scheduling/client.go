// Package scheduling talks to the GestãoDS appointment API. All operations
// run under the shared resilience executor (breaker key "scheduling");
// reads are cached with short TTLs, booking creation never is.
package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinivia/agendabot/internal/cache"
	"github.com/clinivia/agendabot/internal/cpf"
	"github.com/clinivia/agendabot/internal/resilience"
	"github.com/clinivia/agendabot/pkg/logging"
)

const breakerKey = "scheduling"

// CacheTTLs tunes how long each idempotent read is served from cache.
type CacheTTLs struct {
	Patient time.Duration
	Dates   time.Duration
	Slots   time.Duration
}

// Client is the sole owner of translating domain calls into GestãoDS
// request shapes.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	exec       *resilience.Executor
	cache      *cache.Cache
	idem       *IdempotencyStore
	ttls       CacheTTLs
	logger     *logging.Logger
	tracer     trace.Tracer
}

// NewClient builds a scheduling client. resultCache and idem may come from
// the same Redis instance.
func NewClient(baseURL, token string, exec *resilience.Executor, resultCache *cache.Cache, idem *IdempotencyStore, ttls CacheTTLs, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		exec:       exec,
		cache:      resultCache,
		idem:       idem,
		ttls:       ttls,
		logger:     logger,
		tracer:     otel.Tracer("agendabot.internal.scheduling"),
	}
}

// FindPatient looks up a patient by normalized CPF. Returns ErrNotFound
// when the scheduling system has no such patient.
func (c *Client) FindPatient(ctx context.Context, cpfDigits string) (Patient, error) {
	ctx, span := c.tracer.Start(ctx, "scheduling.find_patient")
	defer span.End()
	span.SetAttributes(attribute.String("agendabot.cpf", cpf.Mask(cpfDigits)))

	patient, err := cache.GetOrFetch(ctx, c.cache, "patient:"+cpfDigits, c.ttls.Patient, func(ctx context.Context) (Patient, error) {
		return resilience.Do(ctx, c.exec, breakerKey, func(ctx context.Context) (Patient, error) {
			var p Patient
			endpoint := fmt.Sprintf("%s/api/dev-paciente/%s/%s/", c.baseURL, c.token, cpfDigits)
			if err := c.getJSON(ctx, endpoint, &p); err != nil {
				return Patient{}, err
			}
			return p, nil
		}, resilience.Idempotent())
	})
	if err != nil {
		return Patient{}, c.mapError("find patient", err)
	}
	return patient, nil
}

// ListAvailableDates returns bookable dates in DD/MM/YYYY order as the
// scheduling system reports them.
func (c *Client) ListAvailableDates(ctx context.Context) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "scheduling.list_dates")
	defer span.End()

	dates, err := cache.GetOrFetch(ctx, c.cache, "dates", c.ttls.Dates, func(ctx context.Context) ([]string, error) {
		return resilience.Do(ctx, c.exec, breakerKey, func(ctx context.Context) ([]string, error) {
			var payload struct {
				Dates []string `json:"dias_disponiveis"`
			}
			endpoint := fmt.Sprintf("%s/api/dev-agendamento/dias-disponiveis/%s", c.baseURL, c.token)
			if err := c.getJSON(ctx, endpoint, &payload); err != nil {
				return nil, err
			}
			return payload.Dates, nil
		}, resilience.Idempotent())
	})
	if err != nil {
		return nil, c.mapError("list dates", err)
	}
	return dates, nil
}

// ListAvailableSlots returns open slots for a DD/MM/YYYY date.
func (c *Client) ListAvailableSlots(ctx context.Context, date string) ([]Slot, error) {
	ctx, span := c.tracer.Start(ctx, "scheduling.list_slots")
	defer span.End()
	span.SetAttributes(attribute.String("agendabot.date", date))

	slots, err := cache.GetOrFetch(ctx, c.cache, "slots:"+date, c.ttls.Slots, func(ctx context.Context) ([]Slot, error) {
		return resilience.Do(ctx, c.exec, breakerKey, func(ctx context.Context) ([]Slot, error) {
			var payload struct {
				Slots []Slot `json:"horarios_disponiveis"`
			}
			endpoint := fmt.Sprintf("%s/api/dev-agendamento/horarios-disponiveis/%s?data=%s",
				c.baseURL, c.token, url.QueryEscape(date))
			if err := c.getJSON(ctx, endpoint, &payload); err != nil {
				return nil, err
			}
			for i := range payload.Slots {
				payload.Slots[i].Date = date
			}
			return payload.Slots, nil
		}, resilience.Idempotent())
	})
	if err != nil {
		return nil, c.mapError("list slots", err)
	}
	return slots, nil
}

// CreateBooking reserves a slot. The idempotency key guarantees at most one
// logical effect: a key already accepted within the retention window
// returns the original booking without a downstream call. Never cached.
func (c *Client) CreateBooking(ctx context.Context, patientID string, slot Slot, idempotencyKey string) (Booking, error) {
	ctx, span := c.tracer.Start(ctx, "scheduling.create_booking")
	defer span.End()
	span.SetAttributes(
		attribute.String("agendabot.date", slot.Date),
		attribute.String("agendabot.slot", slot.StartTime),
	)

	if existing, ok, err := c.idem.Lookup(ctx, idempotencyKey); err == nil && ok {
		c.logger.Info("suppressing duplicate booking call", "idempotency_key", idempotencyKey)
		return existing, nil
	}

	booking, err := resilience.Do(ctx, c.exec, breakerKey, func(ctx context.Context) (Booking, error) {
		body, err := json.Marshal(map[string]string{
			"token":              c.token,
			"paciente_id":        patientID,
			"data":               slot.Date,
			"horario":            slot.StartTime,
			"profissional_id":    slot.ResourceID,
			"token_horario":      slot.Token,
			"chave_idempotencia": idempotencyKey,
		})
		if err != nil {
			return Booking{}, resilience.Permanent(fmt.Errorf("scheduling: failed to encode booking: %w", err))
		}

		endpoint := c.baseURL + "/api/dev-agendamento/agendar/"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return Booking{}, resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return Booking{}, resilience.MarkTransport(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusConflict:
			return Booking{}, resilience.Permanent(ErrSlotTaken)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return Booking{}, resilience.Permanent(fmt.Errorf("scheduling: booking rejected: status %d", resp.StatusCode))
		case resp.StatusCode >= 500:
			return Booking{}, fmt.Errorf("scheduling: server error: status %d", resp.StatusCode)
		}

		var b Booking
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&b); err != nil {
			return Booking{}, fmt.Errorf("scheduling: failed to decode booking: %w", err)
		}
		b.Slot = slot
		b.PatientID = patientID
		if b.CreatedAt.IsZero() {
			b.CreatedAt = time.Now().UTC()
		}
		return b, nil
	})
	if err != nil {
		return Booking{}, c.mapError("create booking", err)
	}

	if err := c.idem.Record(ctx, idempotencyKey, booking); err != nil {
		c.logger.Warn("failed to record idempotency key", "error", err)
	}
	// The reserved slot is gone; refresh the list on next read.
	if err := c.cache.Invalidate(ctx, "slots:"+slot.Date); err != nil {
		c.logger.Warn("failed to invalidate slot cache", "date", slot.Date, "error", err)
	}

	c.logger.Info("booking created", "booking_id", booking.ID, "date", slot.Date, "time", slot.StartTime)
	return booking, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return resilience.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resilience.MarkTransport(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resilience.Permanent(ErrNotFound)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return resilience.Permanent(fmt.Errorf("scheduling: client error: status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return fmt.Errorf("scheduling: server error: status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("scheduling: failed to decode response: %w", err)
	}
	return nil
}

// mapError collapses executor-level failures into ErrUnavailable while
// passing domain outcomes through untouched.
func (c *Client) mapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isDomain(err):
		return err
	default:
		c.logger.Error("scheduling call failed", "op", op, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
}

func isDomain(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrSlotTaken)
}
