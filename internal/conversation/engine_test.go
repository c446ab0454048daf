package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinivia/agendabot/internal/events"
	"github.com/clinivia/agendabot/internal/scheduling"
	"github.com/clinivia/agendabot/pkg/logging"
)

const (
	testPhone  = "5511988887777"
	adminPhone = "5511999990000"
	validCPF   = "529.982.247-25"
)

type fakeScheduler struct {
	mu        sync.Mutex
	patients  map[string]scheduling.Patient
	dates     []string
	slots     map[string][]scheduling.Slot
	findErr   error
	datesErr  error
	bookErr   error
	bookCalls int
	bookKeys  []string
	calls     int

	// onFindPatient runs inside the lookup, before returning. Used to
	// provoke version conflicts mid-transition.
	onFindPatient func()
}

func newFakeScheduler() *fakeScheduler {
	dates := []string{"15/12/2025", "16/12/2025"}
	return &fakeScheduler{
		patients: map[string]scheduling.Patient{
			"52998224725": {ID: "p-77", Name: "Maria Souza", CPF: "52998224725"},
		},
		dates: dates,
		slots: map[string][]scheduling.Slot{
			"15/12/2025": {
				{Date: "15/12/2025", StartTime: "08:00", ResourceID: "dr-1", Token: "t1"},
				{Date: "15/12/2025", StartTime: "09:00", ResourceID: "dr-1", Token: "t2"},
			},
			"16/12/2025": {
				{Date: "16/12/2025", StartTime: "10:00", ResourceID: "dr-1", Token: "t3"},
			},
		},
	}
}

func (f *fakeScheduler) FindPatient(_ context.Context, digits string) (scheduling.Patient, error) {
	f.mu.Lock()
	hook := f.onFindPatient
	f.calls++
	err := f.findErr
	p, ok := f.patients[digits]
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return scheduling.Patient{}, err
	}
	if !ok {
		return scheduling.Patient{}, scheduling.ErrNotFound
	}
	return p, nil
}

func (f *fakeScheduler) ListAvailableDates(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.datesErr != nil {
		return nil, f.datesErr
	}
	return f.dates, nil
}

func (f *fakeScheduler) ListAvailableSlots(_ context.Context, date string) ([]scheduling.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.slots[date], nil
}

func (f *fakeScheduler) CreateBooking(_ context.Context, patientID string, slot scheduling.Slot, key string) (scheduling.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.bookCalls++
	f.bookKeys = append(f.bookKeys, key)
	if f.bookErr != nil {
		err := f.bookErr
		return scheduling.Booking{}, err
	}
	return scheduling.Booking{ID: "bk-1", Slot: slot, PatientID: patientID, CreatedAt: time.Now()}, nil
}

func (f *fakeScheduler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMessenger struct {
	mu    sync.Mutex
	sends []sentMessage
}

type sentMessage struct {
	Phone string
	Text  string
}

func (f *fakeMessenger) SendText(_ context.Context, phone, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentMessage{Phone: phone, Text: text})
	return fmt.Sprintf("out-%d", len(f.sends)), nil
}

func (f *fakeMessenger) all() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sends...)
}

func (f *fakeMessenger) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return ""
	}
	return f.sends[len(f.sends)-1].Text
}

type fakeAdmin struct {
	mu        sync.Mutex
	resets    []string
	testSends []sentMessage
}

func (f *fakeAdmin) StatusText(context.Context) (string, error) {
	return "Sistema: ok", nil
}

func (f *fakeAdmin) Reset(_ context.Context, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, phone)
	return nil
}

func (f *fakeAdmin) SendTest(_ context.Context, phone, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.testSends = append(f.testSends, sentMessage{Phone: phone, Text: text})
	return nil
}

type readReceipt struct {
	Phone     string
	MessageID string
}

type fakeReader struct {
	mu       sync.Mutex
	receipts []readReceipt
}

func (f *fakeReader) MarkAsRead(_ context.Context, phone, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, readReceipt{Phone: phone, MessageID: messageID})
}

func (f *fakeReader) all() []readReceipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]readReceipt(nil), f.receipts...)
}

type testHarness struct {
	engine    *Engine
	store     *Store
	sched     *fakeScheduler
	messenger *fakeMessenger
	admin     *fakeAdmin
	seq       int
}

func newTestEngine(t *testing.T, opts ...EngineOption) *testHarness {
	t.Helper()
	store, _ := newTestStore(t)
	sched := newFakeScheduler()
	messenger := &fakeMessenger{}
	admin := &fakeAdmin{}

	cfg := Config{
		MaxAttempts: 3,
		IdleExpiry:  30 * time.Minute,
		Clinic: ClinicInfo{
			Name:    "Clínica Gabriela Nassif",
			Address: "Av. Afonso Pena, 1000 - Belo Horizonte",
			Phone:   "(31) 9860-0366",
		},
		AdminPhones: []string{adminPhone},
	}
	opts = append([]EngineOption{WithAdminControl(admin)}, opts...)
	engine := NewEngine(cfg, store, sched, messenger, logging.New("error"), opts...)

	return &testHarness{engine: engine, store: store, sched: sched, messenger: messenger, admin: admin}
}

func (h *testHarness) say(t *testing.T, phone, text string) {
	t.Helper()
	h.seq++
	err := h.engine.HandleMessage(context.Background(), events.MessageEvent{
		Phone:     phone,
		Text:      text,
		MessageID: fmt.Sprintf("in-%d", h.seq),
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
}

func (h *testHarness) stage(t *testing.T, phone string) Stage {
	t.Helper()
	st, err := h.store.Get(context.Background(), phone)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st.Stage
}

func TestFirstMessageSendsWelcome(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")

	assert.Equal(t, StageAwaitingCPF, h.stage(t, testPhone))
	require.Len(t, h.messenger.all(), 1)
	assert.Contains(t, h.messenger.last(), "CPF")
}

func TestFullBookingFlow(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")
	h.say(t, testPhone, validCPF)

	assert.Equal(t, StageChoosingDate, h.stage(t, testPhone))
	sends := h.messenger.all()
	require.Len(t, sends, 3)
	assert.Contains(t, sends[1].Text, "Maria Souza")
	assert.Contains(t, sends[2].Text, "15/12/2025")

	h.say(t, testPhone, "1")
	assert.Equal(t, StageChoosingTime, h.stage(t, testPhone))
	assert.Contains(t, h.messenger.last(), "08:00")

	h.say(t, testPhone, "2")
	assert.Equal(t, StageConfirming, h.stage(t, testPhone))
	assert.Contains(t, h.messenger.last(), "09:00")
	assert.Contains(t, h.messenger.last(), "sim")

	h.say(t, testPhone, "sim")
	assert.Equal(t, StageCompleted, h.stage(t, testPhone))
	assert.Equal(t, 1, h.sched.bookCalls)
	assert.Contains(t, h.messenger.last(), "sucesso")
	assert.Contains(t, h.messenger.last(), "Clínica Gabriela Nassif")

	// Terminal conversation: the next message starts fresh.
	h.say(t, testPhone, "oi")
	assert.Equal(t, StageAwaitingCPF, h.stage(t, testPhone))
}

func TestInvalidCPFAbandonsAfterMaxAttempts(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")
	for i := 0; i < 3; i++ {
		h.say(t, testPhone, "não sei")
		assert.Equal(t, StageAwaitingCPF, h.stage(t, testPhone))
		assert.Contains(t, h.messenger.last(), "CPF inválido")
	}

	h.say(t, testPhone, "ainda não sei")
	assert.Equal(t, StageAbandoned, h.stage(t, testPhone))
	assert.Contains(t, h.messenger.last(), "encerrar")
}

func TestPatientNotFoundReprompts(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")
	h.say(t, testPhone, "111.444.777-35") // valid checksum, no registration

	assert.Equal(t, StageAwaitingCPF, h.stage(t, testPhone))
	assert.Contains(t, h.messenger.last(), "Não encontramos")
}

func TestDuplicateMessageProcessedOnce(t *testing.T) {
	h := newTestEngine(t)
	ev := events.MessageEvent{Phone: testPhone, Text: "oi", MessageID: "dup-1", Timestamp: time.Now()}

	require.NoError(t, h.engine.HandleMessage(context.Background(), ev))
	require.NoError(t, h.engine.HandleMessage(context.Background(), ev))

	assert.Len(t, h.messenger.all(), 1, "redelivered webhook must not produce a second transition")
}

func TestProcessedMessagesAreMarkedRead(t *testing.T) {
	reader := &fakeReader{}
	h := newTestEngine(t, WithReadAcknowledger(reader))

	h.say(t, testPhone, "oi")
	h.say(t, testPhone, validCPF)
	require.Len(t, reader.all(), 2)
	assert.Equal(t, readReceipt{Phone: testPhone, MessageID: "in-1"}, reader.all()[0])

	// A redelivered webhook is dropped before the read receipt.
	ev := events.MessageEvent{Phone: testPhone, Text: "1", MessageID: "in-2", Timestamp: time.Now()}
	require.NoError(t, h.engine.HandleMessage(context.Background(), ev))
	assert.Len(t, reader.all(), 2)
}

func TestDownstreamOutagePreservesStage(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")

	h.sched.mu.Lock()
	h.sched.findErr = scheduling.ErrUnavailable
	h.sched.mu.Unlock()

	h.say(t, testPhone, validCPF)
	assert.Equal(t, StageValidating, h.stage(t, testPhone))
	assert.Contains(t, h.messenger.last(), "instável")

	// Recovery: the next message retries the stored CPF.
	h.sched.mu.Lock()
	h.sched.findErr = nil
	h.sched.mu.Unlock()

	h.say(t, testPhone, "e agora?")
	assert.Equal(t, StageChoosingDate, h.stage(t, testPhone))
}

func TestSlotTakenReturnsToSlotSelection(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")
	h.say(t, testPhone, validCPF)
	h.say(t, testPhone, "1")
	h.say(t, testPhone, "1")

	h.sched.mu.Lock()
	h.sched.bookErr = scheduling.ErrSlotTaken
	h.sched.slots["15/12/2025"] = []scheduling.Slot{
		{Date: "15/12/2025", StartTime: "09:00", ResourceID: "dr-1", Token: "t2"},
	}
	h.sched.mu.Unlock()

	h.say(t, testPhone, "sim")
	assert.Equal(t, StageChoosingTime, h.stage(t, testPhone))
	sends := h.messenger.all()
	assert.Contains(t, sends[len(sends)-2].Text, "preenchido")
	assert.Contains(t, sends[len(sends)-1].Text, "09:00")

	h.sched.mu.Lock()
	h.sched.bookErr = nil
	h.sched.mu.Unlock()

	h.say(t, testPhone, "1")
	h.say(t, testPhone, "sim")
	assert.Equal(t, StageCompleted, h.stage(t, testPhone))
	assert.Equal(t, 2, h.sched.bookCalls)
	assert.NotEqual(t, h.sched.bookKeys[0], h.sched.bookKeys[1],
		"re-selection must produce a fresh idempotency key")
}

func TestDeclineCancelsConversation(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")
	h.say(t, testPhone, validCPF)
	h.say(t, testPhone, "1")
	h.say(t, testPhone, "1")
	h.say(t, testPhone, "não")

	assert.Equal(t, StageCancelled, h.stage(t, testPhone))
	assert.Equal(t, 0, h.sched.bookCalls)
	assert.Contains(t, h.messenger.last(), "cancelado")

	h.say(t, testPhone, "quero tentar de novo")
	assert.Equal(t, StageAwaitingCPF, h.stage(t, testPhone))
}

func TestMenuKeywordRestartsFlow(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")
	h.say(t, testPhone, validCPF)
	assert.Equal(t, StageChoosingDate, h.stage(t, testPhone))

	h.say(t, testPhone, "menu")
	assert.Equal(t, StageAwaitingCPF, h.stage(t, testPhone))
	assert.Contains(t, h.messenger.last(), "Bem-vindo")

	st, err := h.store.Get(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Empty(t, st.PatientID, "reset must discard booking progress")
}

func TestQuickValidationRejectsWithoutStateChange(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "confira http://spam.example")
	assert.Contains(t, h.messenger.last(), "inválida")

	st, err := h.store.Get(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Nil(t, st, "rejected input must not create state")
}

func TestIdleConversationExpires(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")
	h.say(t, testPhone, validCPF)
	assert.Equal(t, StageChoosingDate, h.stage(t, testPhone))

	// Age the stored state past the idle window.
	h.engine.now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	h.say(t, testPhone, "1")
	assert.Equal(t, StageAwaitingCPF, h.stage(t, testPhone),
		"stale state must restart instead of resuming date selection")
	assert.Contains(t, h.messenger.last(), "Bem-vindo")
}

func TestVersionConflictReprocessesAgainstFreshState(t *testing.T) {
	h := newTestEngine(t)
	h.say(t, testPhone, "oi")

	// While the engine is mid-transition, a competing writer bumps the
	// stored version. The engine must re-read and re-apply.
	var once sync.Once
	h.sched.onFindPatient = func() {
		once.Do(func() {
			ctx := context.Background()
			st, err := h.store.Get(ctx, testPhone)
			require.NoError(t, err)
			require.NoError(t, h.store.Save(ctx, st))
		})
	}

	h.say(t, testPhone, validCPF)
	assert.Equal(t, StageChoosingDate, h.stage(t, testPhone))
}

func TestAdminResetDiscardsState(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")
	h.say(t, testPhone, validCPF)
	before := h.sched.callCount()

	h.say(t, adminPhone, "ADMIN:RESET:"+testPhone)

	h.admin.mu.Lock()
	resets := append([]string(nil), h.admin.resets...)
	h.admin.mu.Unlock()
	require.Equal(t, []string{testPhone}, resets)
	assert.Equal(t, before, h.sched.callCount(),
		"admin reset must not touch the scheduling client")
	assert.Contains(t, h.messenger.last(), "reiniciada")
}

func TestAdminStatusReplies(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, adminPhone, "ADMIN:STATUS")
	assert.Contains(t, h.messenger.last(), "Sistema: ok")
}

func TestAdminKeywordFromUnknownPhoneIgnored(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "ADMIN:RESET:"+adminPhone)

	h.admin.mu.Lock()
	resets := len(h.admin.resets)
	h.admin.mu.Unlock()
	assert.Zero(t, resets)
	assert.Empty(t, h.messenger.all(), "unauthorized admin keyword must have no side effect")
}

func TestAdminTestSend(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, adminPhone, "ADMIN:TEST:"+testPhone+":olá do suporte")

	h.admin.mu.Lock()
	sends := append([]sentMessage(nil), h.admin.testSends...)
	h.admin.mu.Unlock()
	require.Len(t, sends, 1)
	assert.Equal(t, testPhone, sends[0].Phone)
	assert.Equal(t, "olá do suporte", sends[0].Text)
}

func TestRateLimitDropsExcessEvents(t *testing.T) {
	h := newTestEngine(t)
	h.engine.limiter = NewPhoneLimiter(1, 1)

	h.say(t, testPhone, "oi")
	h.say(t, testPhone, "oi de novo")

	assert.Len(t, h.messenger.all(), 1, "throttled event must be dropped silently")
}

func TestRepeatedConfirmKeepsIdempotencyKey(t *testing.T) {
	h := newTestEngine(t)

	h.say(t, testPhone, "oi")
	h.say(t, testPhone, validCPF)
	h.say(t, testPhone, "1")
	h.say(t, testPhone, "1")

	h.sched.mu.Lock()
	h.sched.bookErr = scheduling.ErrUnavailable
	h.sched.mu.Unlock()

	h.say(t, testPhone, "sim")
	assert.Equal(t, StageConfirming, h.stage(t, testPhone))

	h.sched.mu.Lock()
	h.sched.bookErr = nil
	h.sched.mu.Unlock()

	h.say(t, testPhone, "sim")
	assert.Equal(t, StageCompleted, h.stage(t, testPhone))
	require.Len(t, h.sched.bookKeys, 2)
	assert.Equal(t, h.sched.bookKeys[0], h.sched.bookKeys[1],
		"retried confirmation must reuse the idempotency key")
}

func TestWelcomeGreetingFollowsClock(t *testing.T) {
	h := newTestEngine(t)
	h.engine.now = func() time.Time {
		return time.Date(2025, 12, 10, 8, 0, 0, 0, time.Local)
	}

	h.say(t, testPhone, "oi")
	assert.True(t, strings.HasPrefix(h.messenger.last(), "Bom dia"))
}
