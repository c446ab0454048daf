// Package resilience guards calls to external dependencies with a per-key
// circuit breaker, per-call timeouts, and bounded retries with jittered
// exponential backoff.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the downstream operation when
// the breaker for a dependency is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the circuit breaker state for one dependency key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit once this many failures land
	// within Window.
	FailureThreshold int
	// Window is the sliding window over which failures are counted.
	Window time.Duration
	// Cooldown is how long the circuit stays open before a single probe
	// call is allowed through.
	Cooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// StateChangeFunc observes breaker transitions, keyed by dependency name.
type StateChangeFunc func(name string, from, to State)

// Breaker is a circuit breaker for a single downstream dependency.
type Breaker struct {
	name     string
	cfg      BreakerConfig
	onChange StateChangeFunc
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  []time.Time
	openedAt  time.Time
	probing   bool
	total     uint64
	failed    uint64
	succeeded uint64
	rejected  uint64
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig, onChange StateChangeFunc) *Breaker {
	return &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		onChange: onChange,
		now:      time.Now,
	}
}

// Allow asks permission to issue one call. On success it returns a report
// function that must be called exactly once with the call's outcome. When
// the circuit is open it returns ErrCircuitOpen and no downstream call may
// be made.
func (b *Breaker) Allow() (func(failed bool), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Probe identity travels with the report closure: a straggler call
	// admitted earlier must never be mistaken for the probe just because
	// it reports back while the breaker is half-open.
	probe := false
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.rejected++
			return nil, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		probe = true
	case StateHalfOpen:
		if b.probing {
			// Exactly one probe at a time.
			b.rejected++
			return nil, ErrCircuitOpen
		}
		b.probing = true
		probe = true
	}

	b.total++
	return func(failed bool) { b.report(failed, probe) }, nil
}

func (b *Breaker) report(failed, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	if !failed {
		b.succeeded++
		if probe {
			b.failures = nil
			b.transition(StateClosed)
		}
		return
	}

	b.failed++
	now := b.now()
	if probe {
		b.openedAt = now
		b.transition(StateOpen)
		return
	}

	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if b.state == StateClosed && len(b.failures) >= b.cfg.FailureThreshold {
		b.openedAt = now
		b.transition(StateOpen)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Snapshot is a read-only view of breaker counters for the admin surface.
type Snapshot struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	RecentFailures int    `json:"recent_failures"`
	Total          uint64 `json:"total_calls"`
	Failed         uint64 `json:"failed_calls"`
	Succeeded      uint64 `json:"succeeded_calls"`
	Rejected       uint64 `json:"rejected_calls"`
}

// Snapshot returns current breaker state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return Snapshot{
		Name:           b.name,
		State:          b.state.String(),
		RecentFailures: len(b.failures),
		Total:          b.total,
		Failed:         b.failed,
		Succeeded:      b.succeeded,
		Rejected:       b.rejected,
	}
}
