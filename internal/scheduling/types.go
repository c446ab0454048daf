package scheduling

import (
	"errors"
	"time"
)

var (
	// ErrUnavailable covers circuit-open, timeouts, and exhausted retries.
	// The conversation stage is preserved so the user can retry later.
	ErrUnavailable = errors.New("scheduling: service unavailable")
	// ErrNotFound is a domain outcome (patient absent), not a failure.
	ErrNotFound = errors.New("scheduling: not found")
	// ErrSlotTaken means booking creation was rejected because the slot was
	// reserved concurrently.
	ErrSlotTaken = errors.New("scheduling: slot no longer available")
)

// Patient is a read-only projection from the scheduling system.
type Patient struct {
	ID   string `json:"id"`
	Name string `json:"nome"`
	// CPF is masked before it reaches any log or user-facing output.
	CPF string `json:"cpf"`
}

// Slot is a bookable time on a given date.
type Slot struct {
	Date       string `json:"data"`
	StartTime  string `json:"horario"`
	ResourceID string `json:"profissional_id"`
	// Token is the availability token the scheduling system issued for
	// this slot; it must be echoed back on booking creation.
	Token string `json:"token"`
}

// Booking is the result of a successful reservation.
type Booking struct {
	ID        string    `json:"agendamento_id"`
	Slot      Slot      `json:"slot"`
	PatientID string    `json:"paciente_id"`
	CreatedAt time.Time `json:"created_at"`
}
