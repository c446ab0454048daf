package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinivia/agendabot/pkg/logging"
)

func testConfig() Config {
	return Config{
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
		},
		CallTimeout:          time.Second,
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}

func TestDoIdempotentRetriesTransientFailures(t *testing.T) {
	e := NewExecutor(testConfig(), logging.New("error"), nil)

	calls := 0
	v, err := Do(context.Background(), e, "scheduling", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", MarkTransport(errors.New("connection reset"))
		}
		return "ok", nil
	}, Idempotent())

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	e := NewExecutor(testConfig(), logging.New("error"), nil)
	errNotFound := errors.New("patient not found")

	calls := 0
	_, err := Do(context.Background(), e, "scheduling", func(ctx context.Context) (string, error) {
		calls++
		return "", Permanent(errNotFound)
	}, Idempotent())

	assert.ErrorIs(t, err, errNotFound)
	assert.Equal(t, 1, calls)

	// A permanent error is a domain outcome, not a dependency failure.
	snap := e.Breaker("scheduling").Snapshot()
	assert.Equal(t, "closed", snap.State)
	assert.Zero(t, snap.Failed)
}

func TestDoMutatingRetriesOnceOnTransportFailure(t *testing.T) {
	e := NewExecutor(testConfig(), logging.New("error"), nil)

	calls := 0
	_, err := Do(context.Background(), e, "messaging", func(ctx context.Context) (string, error) {
		calls++
		return "", MarkTransport(errors.New("connection refused"))
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls, "mutating calls retry at most once")
}

func TestDoMutatingNeverRetriesDefiniteResponse(t *testing.T) {
	e := NewExecutor(testConfig(), logging.New("error"), nil)

	calls := 0
	_, err := Do(context.Background(), e, "messaging", func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("status 500")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "a definite error response must not be retried")
}

func TestDoFastFailsWhenCircuitOpen(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.FailureThreshold = 2
	e := NewExecutor(cfg, logging.New("error"), nil)

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_, err := Do(context.Background(), e, "scheduling", func(ctx context.Context) (int, error) {
			return 0, boom
		})
		require.ErrorIs(t, err, boom)
	}

	calls := 0
	_, err := Do(context.Background(), e, "scheduling", func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	}, Idempotent())

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls, "open circuit must not invoke the operation")
}

func TestDoTimeoutCountsAsFailureAndDiscardsResult(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	e := NewExecutor(cfg, logging.New("error"), nil)

	_, err := Do(context.Background(), e, "scheduling", func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	})

	require.Error(t, err)
	assert.True(t, IsTransport(err), "timeout should classify as transport failure")
	// First attempt plus the single transport-failure retry, both timing out.
	assert.Equal(t, uint64(2), e.Breaker("scheduling").Snapshot().Failed)
}

func TestSnapshotsSorted(t *testing.T) {
	e := NewExecutor(testConfig(), logging.New("error"), nil)
	e.Breaker("scheduling")
	e.Breaker("messaging")

	snaps := e.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "messaging", snaps[0].Name)
	assert.Equal(t, "scheduling", snaps[1].Name)
}
