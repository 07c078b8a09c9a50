package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{MaxAttempts: 0}.Validate())
	assert.Error(t, Config{MaxAttempts: 1, BaseBackoff: time.Second, MaxBackoff: time.Millisecond}.Validate())
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	// GIVEN: an operation that fails twice with a transient error
	attempts := 0

	// WHEN: running it with three attempts
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	// THEN: the third attempt succeeds
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsAllAttempts(t *testing.T) {
	original := errors.New("database is locked")
	attempts := 0

	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return original
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, original)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	original := errors.New("invalid input")
	attempts := 0

	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return original
	})

	assert.Equal(t, 1, attempts)
	assert.Same(t, original, err)
}

func TestDoIf_CustomPredicate(t *testing.T) {
	// GIVEN: a domain error only the caller knows to be retryable
	conflict := errors.New("conflict")
	attempts := 0

	err := DoIf(context.Background(), fastConfig(), func(err error) bool {
		return errors.Is(err, conflict)
	}, func() error {
		attempts++
		if attempts == 1 {
			return conflict
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: time.Second}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		cancel()
		return errors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryable(errors.New("ERROR: deadlock detected")))
	assert.False(t, IsRetryable(errors.New("syntax error")))
}
