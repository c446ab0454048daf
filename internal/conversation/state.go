// Package conversation implements the WhatsApp booking dialogue: a per-phone
// state machine persisted in Redis, driven by inbound message events and
// replying through the messaging gateway.
package conversation

import (
	"time"

	"github.com/clinivia/agendabot/internal/scheduling"
)

// Stage identifies where a conversation is in the booking flow.
type Stage string

const (
	StageStart        Stage = "start"
	StageAwaitingCPF  Stage = "awaiting_cpf"
	StageValidating   Stage = "validating_cpf"
	StageChoosingDate Stage = "choosing_date"
	StageChoosingTime Stage = "choosing_time"
	StageConfirming   Stage = "confirming"
	StageCompleted    Stage = "completed"
	StageAbandoned    Stage = "abandoned"
	StageCancelled    Stage = "cancelled"
)

// Terminal reports whether the stage ends the flow. A new inbound message
// from a terminal conversation starts a fresh one.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageAbandoned, StageCancelled:
		return true
	}
	return false
}

// State is the full conversation record for one phone number. Version is the
// optimistic-concurrency token managed by Store; callers never set it.
type State struct {
	Phone       string `json:"phone"`
	Stage       Stage  `json:"stage"`
	CPF         string `json:"cpf,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	PatientName string `json:"patient_name,omitempty"`

	OfferedDates []string          `json:"offered_dates,omitempty"`
	SelectedDate string            `json:"selected_date,omitempty"`
	OfferedSlots []scheduling.Slot `json:"offered_slots,omitempty"`
	SelectedSlot *scheduling.Slot  `json:"selected_slot,omitempty"`

	// AttemptCount counts consecutive unrecognized inputs at the current
	// stage; it resets on every successful transition.
	AttemptCount int `json:"attempt_count"`
	// ConfirmingSince marks entry into StageConfirming and seeds the
	// booking idempotency key.
	ConfirmingSince time.Time `json:"confirming_since,omitempty"`

	LastUpdated time.Time `json:"last_updated"`
	Version     int64     `json:"version"`
}

// NewState returns a fresh conversation at StageStart.
func NewState(phone string) *State {
	return &State{Phone: phone, Stage: StageStart}
}

// resetFlow clears all booking progress while keeping the phone and the
// store version, so the reset still writes through the CAS path.
func (s *State) resetFlow() {
	s.Stage = StageStart
	s.CPF = ""
	s.PatientID = ""
	s.PatientName = ""
	s.OfferedDates = nil
	s.SelectedDate = ""
	s.OfferedSlots = nil
	s.SelectedSlot = nil
	s.AttemptCount = 0
	s.ConfirmingSince = time.Time{}
}

// Expired reports whether the conversation has been idle longer than ttl.
func (s *State) Expired(now time.Time, ttl time.Duration) bool {
	if s.LastUpdated.IsZero() || ttl <= 0 {
		return false
	}
	return now.Sub(s.LastUpdated) > ttl
}
