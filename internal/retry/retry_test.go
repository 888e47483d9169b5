package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shhac/scout/internal/logging"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Backoff: Constant(0)}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), logging.NewNopLogger(), "op",
		func(context.Context) (string, error) {
			calls++
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), logging.NewNopLogger(), "op",
		func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := Do(context.Background(), fastPolicy(3), logging.NewNopLogger(), "op",
		func(context.Context) (int, error) {
			calls++
			return 0, boom
		})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	fatal := errors.New("schema mismatch")
	p := fastPolicy(3)
	p.Retryable = func(err error) bool { return !errors.Is(err, fatal) }

	_, err := Do(context.Background(), p, logging.NewNopLogger(), "op",
		func(context.Context) (int, error) {
			calls++
			return 0, fatal
		})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 3, Backoff: Constant(time.Hour)}

	calls := 0
	start := time.Now()
	_, err := Do(ctx, p, logging.NewNopLogger(), "op",
		func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, errors.New("down")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLinear(t *testing.T) {
	b := Linear(2 * time.Second)
	assert.Equal(t, 2*time.Second, b(1))
	assert.Equal(t, 4*time.Second, b(2))
	assert.Equal(t, 6*time.Second, b(3))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
}
