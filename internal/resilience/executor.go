package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clinivia/agendabot/pkg/logging"
)

// TransportError marks a failure where no definite response was received
// (connection refused, reset, timeout). Only these justify retrying a
// mutating call: a definite error response must never be retried, or the
// side effect could be duplicated.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "resilience: transport failure: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// MarkTransport wraps err as a TransportError. Nil stays nil.
func MarkTransport(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Err: err}
}

// IsTransport reports whether err carries a transport-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// PermanentError marks a definite domain outcome (not found, rejected
// input). It is never retried and does not count against the breaker.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the executor treats it as a domain outcome.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Config tunes the executor shared by all dependency keys.
type Config struct {
	Breaker BreakerConfig
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt, applied
	// only to idempotent operations.
	MaxRetries int
	// RetryInitialInterval seeds the exponential backoff between retries.
	RetryInitialInterval time.Duration
	// RetryMaxInterval caps the backoff between retries.
	RetryMaxInterval time.Duration
}

func (c Config) withDefaults() Config {
	c.Breaker = c.Breaker.withDefaults()
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 200 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 5 * time.Second
	}
	return c
}

// Executor owns one circuit breaker per dependency key and applies the
// timeout/retry policy around wrapped operations.
type Executor struct {
	cfg      Config
	logger   *logging.Logger
	onChange StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewExecutor builds an executor. onChange may be nil.
func NewExecutor(cfg Config, logger *logging.Logger, onChange StateChangeFunc) *Executor {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Executor{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
	e.onChange = func(name string, from, to State) {
		e.logger.Warn("circuit breaker state change",
			"dependency", name, "from", from.String(), "to", to.String())
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	return e
}

// Breaker returns the breaker for key, creating it on first use.
func (e *Executor) Breaker(key string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[key]
	if !ok {
		b = NewBreaker(key, e.cfg.Breaker, e.onChange)
		e.breakers[key] = b
	}
	return b
}

// Snapshots returns breaker snapshots for all known keys, sorted by name.
func (e *Executor) Snapshots() []Snapshot {
	e.mu.Lock()
	breakers := make([]*Breaker, 0, len(e.breakers))
	for _, b := range e.breakers {
		breakers = append(breakers, b)
	}
	e.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

type callOptions struct {
	idempotent bool
}

// CallOption customizes a single wrapped call.
type CallOption func(*callOptions)

// Idempotent marks the operation as safe to retry up to MaxRetries times.
// Without it, the operation is retried at most once and only on a
// transport-level failure.
func Idempotent() CallOption {
	return func(o *callOptions) { o.idempotent = true }
}

// Do executes op under the breaker identified by key, bounding each attempt
// with the configured timeout. An attempt that times out counts as a
// failure even if the downstream work later completes; its result is
// discarded because the attempt context is already cancelled.
func Do[T any](ctx context.Context, e *Executor, key string, op func(context.Context) (T, error), opts ...CallOption) (T, error) {
	var options callOptions
	for _, opt := range opts {
		opt(&options)
	}

	breaker := e.Breaker(key)

	attempt := func() (T, error) {
		var zero T
		report, err := breaker.Allow()
		if err != nil {
			// Fast-fail, never retried.
			return zero, backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		v, err := op(attemptCtx)
		cancel()

		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = MarkTransport(err)
		}
		report(err != nil && !isPermanent(err))
		if err != nil && isPermanent(err) {
			return zero, backoff.Permanent(err)
		}
		return v, err
	}

	if options.idempotent {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = e.cfg.RetryInitialInterval
		bo.MaxInterval = e.cfg.RetryMaxInterval
		policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.MaxRetries)), ctx)
		v, err := backoff.RetryWithData(attempt, policy)
		return v, unwrapPermanent(err)
	}

	// Mutating call: one retry, only when no response was received.
	v, err := attempt()
	if err != nil && IsTransport(err) && ctx.Err() == nil {
		e.logger.Warn("retrying mutating call after transport failure", "dependency", key, "error", err)
		v, err = attempt()
	}
	return v, unwrapPermanent(err)
}

// unwrapPermanent strips the retry-control wrappers so callers see their
// own sentinel errors.
func unwrapPermanent(err error) error {
	var bp *backoff.PermanentError
	if errors.As(err, &bp) {
		err = bp.Err
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}
