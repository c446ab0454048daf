package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinivia/agendabot/internal/cpf"
	"github.com/clinivia/agendabot/internal/events"
	"github.com/clinivia/agendabot/internal/messaging"
	"github.com/clinivia/agendabot/internal/scheduling"
	"github.com/clinivia/agendabot/pkg/logging"
)

// Scheduler is the slice of the scheduling client the engine drives.
type Scheduler interface {
	FindPatient(ctx context.Context, cpfDigits string) (scheduling.Patient, error)
	ListAvailableDates(ctx context.Context) ([]string, error)
	ListAvailableSlots(ctx context.Context, date string) ([]scheduling.Slot, error)
	CreateBooking(ctx context.Context, patientID string, slot scheduling.Slot, idempotencyKey string) (scheduling.Booking, error)
}

// Messenger delivers outbound texts and returns the provider message id.
type Messenger interface {
	SendText(ctx context.Context, phone, text string) (string, error)
}

// ReadAcknowledger marks inbound messages as read on the gateway so the
// sender sees the blue ticks. Implementations are best-effort and must not
// return errors into the flow.
type ReadAcknowledger interface {
	MarkAsRead(ctx context.Context, phone, messageID string)
}

// AdminControl handles the privileged side channel reached through ADMIN:
// keywords. Implementations bypass the state machine entirely.
type AdminControl interface {
	StatusText(ctx context.Context) (string, error)
	Reset(ctx context.Context, phone string) error
	SendTest(ctx context.Context, phone, text string) error
}

// Metrics receives engine-level observability events. All methods must be
// safe for concurrent use.
type Metrics interface {
	TransitionRecorded(from, to Stage)
	BookingCompleted()
	EventDropped(reason string)
}

// Config tunes the conversation engine.
type Config struct {
	// MaxAttempts bounds consecutive unrecognized inputs per stage before
	// the conversation is abandoned.
	MaxAttempts int
	// IdleExpiry discards state idle longer than this on the next event.
	IdleExpiry time.Duration
	// MaxInboundLength rejects longer inbound texts before any state read.
	MaxInboundLength int
	Clinic           ClinicInfo
	// AdminPhones is the allowlist for ADMIN: keywords.
	AdminPhones []string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.IdleExpiry <= 0 {
		c.IdleExpiry = 30 * time.Minute
	}
	if c.MaxInboundLength <= 0 {
		c.MaxInboundLength = 100
	}
	return c
}

// maxOfferedOptions caps how many dates or slots one reply lists.
const maxOfferedOptions = 10

// casAttempts bounds re-reads when a concurrent writer wins the version
// race. The booking idempotency key makes reprocessing safe.
const casAttempts = 3

// Engine applies inbound message events to per-phone conversation state.
type Engine struct {
	cfg         Config
	store       *Store
	sched       Scheduler
	messenger   Messenger
	admin       AdminControl
	reader      ReadAcknowledger
	limiter     *PhoneLimiter
	metrics     Metrics
	logger      *logging.Logger
	tracer      trace.Tracer
	adminPhones map[string]struct{}

	now func() time.Time
}

// EngineOption customizes optional collaborators.
type EngineOption func(*Engine)

// WithAdminControl wires the privileged command handler.
func WithAdminControl(ctl AdminControl) EngineOption {
	return func(e *Engine) { e.admin = ctl }
}

// WithMetrics wires engine observability.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithReadAcknowledger wires read receipts for processed inbound messages.
func WithReadAcknowledger(r ReadAcknowledger) EngineOption {
	return func(e *Engine) { e.reader = r }
}

// WithRateLimiter wires the per-phone inbound throttle.
func WithRateLimiter(l *PhoneLimiter) EngineOption {
	return func(e *Engine) { e.limiter = l }
}

// NewEngine builds the conversation engine.
func NewEngine(cfg Config, store *Store, sched Scheduler, messenger Messenger, logger *logging.Logger, opts ...EngineOption) *Engine {
	if store == nil {
		panic("conversation: store cannot be nil")
	}
	if sched == nil {
		panic("conversation: scheduler cannot be nil")
	}
	if messenger == nil {
		panic("conversation: messenger cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	e := &Engine{
		cfg:         cfg.withDefaults(),
		store:       store,
		sched:       sched,
		messenger:   messenger,
		logger:      logger,
		tracer:      otel.Tracer("agendabot.internal.conversation"),
		adminPhones: make(map[string]struct{}, len(cfg.AdminPhones)),
		now:         time.Now,
	}
	for _, p := range cfg.AdminPhones {
		if normalized, err := messaging.NormalizePhone(p); err == nil {
			e.adminPhones[normalized] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleMessage processes one inbound message event: rate limit, admin
// intercept, dedupe, read receipt, then exactly one state transition
// written before any reply is sent.
func (e *Engine) HandleMessage(ctx context.Context, ev events.MessageEvent) error {
	ctx, span := e.tracer.Start(ctx, "conversation.handle_message")
	defer span.End()
	span.SetAttributes(attribute.String("agendabot.phone", messaging.MaskPhone(ev.Phone)))

	if e.limiter != nil && !e.limiter.Allow(ev.Phone) {
		e.logger.Warn("inbound rate limit exceeded", "phone", messaging.MaskPhone(ev.Phone))
		e.dropped("rate_limited")
		return nil
	}

	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(ev.Text)), "ADMIN:") {
		return e.handleAdmin(ctx, ev)
	}

	first, err := e.store.MarkProcessed(ctx, ev.MessageID)
	if err != nil {
		// Fail open: a Redis hiccup should not drop user messages; the
		// version check still prevents divergent transitions.
		e.logger.Warn("dedupe check failed", "error", err)
	} else if !first {
		e.logger.Debug("duplicate message dropped", "message_id", ev.MessageID)
		e.dropped("duplicate")
		return nil
	}

	if e.reader != nil && ev.MessageID != "" {
		e.reader.MarkAsRead(ctx, ev.Phone, ev.MessageID)
	}

	if !e.quickValidate(ev.Text) {
		e.send(ctx, ev.Phone, invalidMessageText())
		return nil
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		st, err := e.store.Get(ctx, ev.Phone)
		if err != nil {
			return err
		}
		if st == nil {
			st = NewState(ev.Phone)
		}
		if st.Stage.Terminal() || st.Expired(e.now(), e.cfg.IdleExpiry) {
			st.resetFlow()
		}

		replies := e.transition(ctx, st, ev.Text)

		st.LastUpdated = e.now()
		if err := e.store.Save(ctx, st); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				e.logger.Debug("state version conflict, reprocessing", "phone", messaging.MaskPhone(ev.Phone))
				continue
			}
			return err
		}

		for _, reply := range replies {
			if !e.send(ctx, ev.Phone, reply) {
				break
			}
		}
		return nil
	}
	return fmt.Errorf("conversation: persistent version conflict for %s", messaging.MaskPhone(ev.Phone))
}

// quickValidate applies cheap rejection rules before any I/O.
func (e *Engine) quickValidate(text string) bool {
	if len(text) > e.cfg.MaxInboundLength {
		return false
	}
	if strings.Contains(text, "http") {
		return false
	}
	if strings.Count(text, "@") > 2 {
		return false
	}
	return true
}

var globalResetKeywords = map[string]struct{}{
	"menu": {}, "voltar": {}, "0": {}, "sair": {}, "inicio": {}, "início": {},
}

// transition computes the next stage and replies for one inbound text. It
// mutates st; the caller persists it before any reply is delivered.
func (e *Engine) transition(ctx context.Context, st *State, text string) []string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if _, ok := globalResetKeywords[normalized]; ok {
		st.resetFlow()
	}

	from := st.Stage
	var replies []string

	switch st.Stage {
	case StageStart:
		st.Stage = StageAwaitingCPF
		st.AttemptCount = 0
		replies = []string{welcomeText(e.now(), e.cfg.Clinic)}
	case StageAwaitingCPF:
		replies = e.handleAwaitingCPF(ctx, st, text)
	case StageValidating:
		replies = e.validatePatient(ctx, st)
	case StageChoosingDate:
		replies = e.handleChoosingDate(ctx, st, normalized)
	case StageChoosingTime:
		replies = e.handleChoosingTime(ctx, st, normalized)
	case StageConfirming:
		replies = e.handleConfirming(ctx, st, normalized)
	default:
		// Unknown stored stage, likely from an older deploy. Restart.
		st.resetFlow()
		st.Stage = StageAwaitingCPF
		replies = []string{welcomeText(e.now(), e.cfg.Clinic)}
	}

	if st.Stage != from {
		if e.metrics != nil {
			e.metrics.TransitionRecorded(from, st.Stage)
		}
		e.logger.Info("conversation transition",
			"phone", messaging.MaskPhone(st.Phone), "from", from, "to", st.Stage)
	}
	return replies
}

func (e *Engine) handleAwaitingCPF(ctx context.Context, st *State, text string) []string {
	candidate, ok := cpf.Extract(text)
	if !ok {
		return e.misstep(st, invalidCPFText())
	}
	digits, err := cpf.Normalize(candidate)
	if err != nil {
		return e.misstep(st, invalidCPFText())
	}

	st.CPF = digits
	st.Stage = StageValidating
	return e.validatePatient(ctx, st)
}

// validatePatient looks the stored CPF up and, when found, fetches the
// date list. Downstream outages leave the stage untouched so the next
// message retries.
func (e *Engine) validatePatient(ctx context.Context, st *State) []string {
	patient, err := e.sched.FindPatient(ctx, st.CPF)
	if errors.Is(err, scheduling.ErrNotFound) {
		st.CPF = ""
		st.Stage = StageAwaitingCPF
		return e.misstep(st, patientNotFoundText(e.cfg.Clinic))
	}
	if err != nil {
		return []string{unavailableText()}
	}
	st.PatientID = patient.ID
	st.PatientName = patient.Name

	dates, err := e.sched.ListAvailableDates(ctx)
	if err != nil {
		return []string{unavailableText()}
	}
	if len(dates) == 0 {
		st.resetFlow()
		return []string{noDatesText()}
	}
	if len(dates) > maxOfferedOptions {
		dates = dates[:maxOfferedOptions]
	}

	st.OfferedDates = dates
	st.Stage = StageChoosingDate
	st.AttemptCount = 0
	return []string{
		patientFoundText(st.PatientName, cpf.Mask(st.CPF)),
		datesText(dates),
	}
}

func (e *Engine) handleChoosingDate(ctx context.Context, st *State, normalized string) []string {
	date, ok := pickDate(normalized, st.OfferedDates)
	if !ok {
		return e.misstep(st, didNotUnderstandText(), datesText(st.OfferedDates))
	}

	slots, err := e.sched.ListAvailableSlots(ctx, date)
	if err != nil {
		return []string{unavailableText()}
	}
	if len(slots) == 0 {
		st.AttemptCount = 0
		return []string{noSlotsText(date), datesText(st.OfferedDates)}
	}
	if len(slots) > maxOfferedOptions {
		slots = slots[:maxOfferedOptions]
	}

	st.SelectedDate = date
	st.OfferedSlots = slots
	st.Stage = StageChoosingTime
	st.AttemptCount = 0
	return []string{slotsText(date, slots)}
}

func (e *Engine) handleChoosingTime(ctx context.Context, st *State, normalized string) []string {
	slot, ok := pickSlot(normalized, st.OfferedSlots)
	if !ok {
		return e.misstep(st, didNotUnderstandText(), slotsText(st.SelectedDate, st.OfferedSlots))
	}

	st.SelectedSlot = &slot
	st.ConfirmingSince = e.now()
	st.Stage = StageConfirming
	st.AttemptCount = 0
	return []string{summaryText(st)}
}

var (
	confirmWords = map[string]struct{}{"sim": {}, "s": {}, "confirmar": {}, "confirmo": {}, "ok": {}}
	declineWords = map[string]struct{}{"não": {}, "nao": {}, "n": {}, "cancelar": {}, "cancela": {}}
)

func (e *Engine) handleConfirming(ctx context.Context, st *State, normalized string) []string {
	if st.SelectedSlot == nil || st.PatientID == "" {
		// Corrupt or partially written state; restart the flow.
		st.resetFlow()
		st.Stage = StageAwaitingCPF
		return []string{welcomeText(e.now(), e.cfg.Clinic)}
	}
	if _, ok := declineWords[normalized]; ok {
		st.Stage = StageCancelled
		return []string{cancelledText()}
	}
	if _, ok := confirmWords[normalized]; !ok {
		return e.misstep(st, didNotUnderstandText(), summaryText(st))
	}

	booking, err := e.sched.CreateBooking(ctx, st.PatientID, *st.SelectedSlot, bookingKey(st))
	if errors.Is(err, scheduling.ErrSlotTaken) {
		return e.recoverSlotTaken(ctx, st)
	}
	if err != nil {
		// Stage stays Confirming; the same idempotency key covers a
		// retried "sim" so a booking that did land is not duplicated.
		return []string{unavailableText()}
	}

	st.Stage = StageCompleted
	if e.metrics != nil {
		e.metrics.BookingCompleted()
	}
	e.logger.Info("booking completed",
		"phone", messaging.MaskPhone(st.Phone), "booking_id", booking.ID,
		"date", st.SelectedDate, "time", st.SelectedSlot.StartTime)
	return []string{bookedText(st, e.cfg.Clinic)}
}

// recoverSlotTaken sends the user back to slot selection with a fresh list.
func (e *Engine) recoverSlotTaken(ctx context.Context, st *State) []string {
	st.SelectedSlot = nil
	st.ConfirmingSince = time.Time{}
	st.AttemptCount = 0

	slots, err := e.sched.ListAvailableSlots(ctx, st.SelectedDate)
	if err != nil {
		// Keep the stale list; the user can still pick another entry.
		st.Stage = StageChoosingTime
		return []string{slotTakenText(), slotsText(st.SelectedDate, st.OfferedSlots)}
	}
	if len(slots) == 0 {
		date := st.SelectedDate
		st.SelectedDate = ""
		st.OfferedSlots = nil
		st.Stage = StageChoosingDate
		return []string{noSlotsText(date), datesText(st.OfferedDates)}
	}
	if len(slots) > maxOfferedOptions {
		slots = slots[:maxOfferedOptions]
	}
	st.OfferedSlots = slots
	st.Stage = StageChoosingTime
	return []string{slotTakenText(), slotsText(st.SelectedDate, slots)}
}

// misstep counts an unrecognized input and abandons the conversation once
// the per-stage budget is spent.
func (e *Engine) misstep(st *State, replies ...string) []string {
	st.AttemptCount++
	if st.AttemptCount > e.cfg.MaxAttempts {
		st.Stage = StageAbandoned
		return []string{abandonedText(e.cfg.Clinic)}
	}
	return replies
}

func (e *Engine) handleAdmin(ctx context.Context, ev events.MessageEvent) error {
	if _, ok := e.adminPhones[ev.Phone]; !ok {
		e.logger.Warn("unauthorized admin keyword", "phone", messaging.MaskPhone(ev.Phone))
		e.dropped("admin_unauthorized")
		return nil
	}
	if e.admin == nil {
		e.logger.Warn("admin keyword received but no admin control wired")
		return nil
	}

	parts := strings.SplitN(strings.TrimSpace(ev.Text), ":", 3)
	command := strings.ToUpper(parts[1])

	switch {
	case command == "STATUS":
		text, err := e.admin.StatusText(ctx)
		if err != nil {
			return fmt.Errorf("conversation: admin status failed: %w", err)
		}
		e.send(ctx, ev.Phone, text)
	case command == "RESET" && len(parts) == 3:
		target, err := messaging.NormalizePhone(parts[2])
		if err != nil {
			e.send(ctx, ev.Phone, "Telefone inválido para reset.")
			return nil
		}
		if err := e.admin.Reset(ctx, target); err != nil {
			return fmt.Errorf("conversation: admin reset failed: %w", err)
		}
		e.send(ctx, ev.Phone, fmt.Sprintf("Conversa de %s reiniciada.", messaging.MaskPhone(target)))
	case command == "TEST" && len(parts) == 3:
		target, text, found := strings.Cut(parts[2], ":")
		if !found || strings.TrimSpace(text) == "" {
			e.send(ctx, ev.Phone, "Uso: ADMIN:TEST:<telefone>:<mensagem>")
			return nil
		}
		if err := e.admin.SendTest(ctx, target, text); err != nil {
			return fmt.Errorf("conversation: admin test send failed: %w", err)
		}
		e.send(ctx, ev.Phone, "Mensagem de teste enviada.")
	default:
		e.send(ctx, ev.Phone, "Comando desconhecido. Use ADMIN:STATUS, ADMIN:RESET:<telefone> ou ADMIN:TEST:<telefone>:<mensagem>.")
	}
	return nil
}

func (e *Engine) send(ctx context.Context, phone, text string) bool {
	if _, err := e.messenger.SendText(ctx, phone, text); err != nil {
		e.logger.Error("failed to deliver reply", "phone", messaging.MaskPhone(phone), "error", err)
		return false
	}
	return true
}

func (e *Engine) dropped(reason string) {
	if e.metrics != nil {
		e.metrics.EventDropped(reason)
	}
}

// bookingKey derives the idempotency key for the pending booking from the
// phone, the chosen slot and the moment Confirming was entered, so retries
// of the same confirmation collapse while a later re-selection gets a new
// key.
func bookingKey(st *State) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d",
		st.Phone, st.SelectedSlot.Date, st.SelectedSlot.StartTime,
		st.SelectedSlot.ResourceID, st.ConfirmingSince.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// pickDate resolves user input to one of the offered dates, by 1-based
// index or literal value.
func pickDate(normalized string, offered []string) (string, bool) {
	if n, err := strconv.Atoi(normalized); err == nil && n >= 1 && n <= len(offered) {
		return offered[n-1], true
	}
	for _, d := range offered {
		if normalized == strings.ToLower(d) {
			return d, true
		}
	}
	return "", false
}

// pickSlot resolves user input to one of the offered slots, by 1-based
// index or literal start time.
func pickSlot(normalized string, offered []scheduling.Slot) (scheduling.Slot, bool) {
	if n, err := strconv.Atoi(normalized); err == nil && n >= 1 && n <= len(offered) {
		return offered[n-1], true
	}
	for _, s := range offered {
		if normalized == strings.ToLower(s.StartTime) {
			return s, true
		}
	}
	return scheduling.Slot{}, false
}
