package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/apperr"
	"payment-service/internal/logging"
)

func testSettings() Settings {
	return Settings{
		Name:             "TEST",
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		MaxRetries:       2,
		BackoffBase:      time.Millisecond,
		BackoffCap:       2 * time.Millisecond,
		CallTimeout:      100 * time.Millisecond,
	}
}

func transient() error {
	return apperr.New(apperr.Transient, apperr.CodeGatewayUnavailable, "connection reset")
}

func TestDo_RetriesTransientFailures(t *testing.T) {
	e := New(testSettings(), logging.Discard())
	var calls atomic.Int32

	value, err := Do(context.Background(), e, "retrieve", true, func(ctx context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", transient()
		}
		return "pay_1", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "pay_1", value)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	settings := testSettings()
	settings.FailureThreshold = 10
	e := New(settings, logging.Discard())
	var calls atomic.Int32

	_, err := Do(context.Background(), e, "retrieve", true, func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", transient()
	})

	assert.True(t, apperr.Is(err, apperr.CodeGatewayUnavailable))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_NonRetryableRunsOnce(t *testing.T) {
	e := New(testSettings(), logging.Discard())
	var calls atomic.Int32

	_, err := Do(context.Background(), e, "create_payment", false, func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", transient()
	})

	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_RejectionIsNotRetried(t *testing.T) {
	e := New(testSettings(), logging.Discard())
	var calls atomic.Int32

	_, err := Do(context.Background(), e, "refund", true, func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", apperr.New(apperr.Rejected, apperr.CodeGatewayRejected, "card declined")
	})

	assert.True(t, apperr.Is(err, apperr.CodeGatewayRejected))
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreaker_OpensAfterConsecutiveFailuresAndRecovers(t *testing.T) {
	e := New(testSettings(), logging.Discard())
	ctx := context.Background()
	var calls atomic.Int32
	failing := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", transient()
	}

	for i := 0; i < 3; i++ {
		_, err := Do(ctx, e, "retrieve", false, failing)
		require.Error(t, err)
	}
	assert.Equal(t, "open", e.State())

	_, err := Do(ctx, e, "retrieve", false, failing)
	assert.True(t, apperr.Is(err, apperr.CodeCircuitOpen))
	assert.Equal(t, apperr.Unavailable, apperr.CategoryOf(err))
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not invoke the call")

	time.Sleep(70 * time.Millisecond)

	value, err := Do(ctx, e, "retrieve", false, func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, "closed", e.State())
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	e := New(testSettings(), logging.Discard())
	ctx := context.Background()
	failing := func(ctx context.Context) (string, error) { return "", transient() }

	for i := 0; i < 3; i++ {
		_, _ = Do(ctx, e, "retrieve", false, failing)
	}
	time.Sleep(70 * time.Millisecond)

	_, err := Do(ctx, e, "retrieve", false, failing)
	assert.True(t, apperr.Is(err, apperr.CodeGatewayUnavailable))
	assert.Equal(t, "open", e.State())
}

func TestBreaker_IgnoresRejections(t *testing.T) {
	e := New(testSettings(), logging.Discard())
	for i := 0; i < 5; i++ {
		_, _ = Do(context.Background(), e, "confirm", false, func(ctx context.Context) (string, error) {
			return "", apperr.New(apperr.Rejected, apperr.CodeGatewayRejected, "insufficient funds")
		})
	}
	assert.Equal(t, "closed", e.State())
}

func TestDo_TimeoutIsTransient(t *testing.T) {
	settings := testSettings()
	settings.CallTimeout = 10 * time.Millisecond
	settings.MaxRetries = 0
	e := New(settings, logging.Discard())

	_, err := Do(context.Background(), e, "retrieve", true, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	assert.True(t, apperr.IsRetryable(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
