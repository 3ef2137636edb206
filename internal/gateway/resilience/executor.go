// Package resilience wraps gateway calls in a circuit breaker, a per-attempt
// timeout and bounded retries. One Executor is built per adapter so breaker
// state is shared by every caller of that adapter and nothing else.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"

	"payment-service/internal/apperr"
	"payment-service/internal/config"
)

type Settings struct {
	Name             string
	FailureThreshold uint32
	Cooldown         time.Duration
	MaxRetries       uint64
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	CallTimeout      time.Duration
}

func SettingsFromConfig(name string, cfg config.Resilience, callTimeoutMs int) Settings {
	return Settings{
		Name:             name,
		FailureThreshold: uint32(cfg.FailureThreshold),
		Cooldown:         time.Duration(cfg.CooldownMs) * time.Millisecond,
		MaxRetries:       uint64(cfg.MaxRetries),
		BackoffBase:      time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		BackoffCap:       time.Duration(cfg.BackoffCapMs) * time.Millisecond,
		CallTimeout:      time.Duration(callTimeoutMs) * time.Millisecond,
	}
}

type Executor struct {
	settings Settings
	breaker  *gobreaker.CircuitBreaker[any]
	logger   *slog.Logger
}

func New(settings Settings, logger *slog.Logger) *Executor {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.BackoffBase <= 0 {
		settings.BackoffBase = 200 * time.Millisecond
	}
	if settings.BackoffCap < settings.BackoffBase {
		settings.BackoffCap = settings.BackoffBase
	}

	e := &Executor{settings: settings, logger: logger}
	e.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.GetOrCreateCounter(fmt.Sprintf(`circuit_breaker_transitions_total{breaker=%q,to=%q}`, name, to.String())).Inc()
		},
	})
	return e
}

func (e *Executor) State() string {
	return e.breaker.State().String()
}

// Do runs call through the breaker. When retryable is set, transient failures are
// retried with capped exponential backoff up to MaxRetries times; otherwise call
// runs at most once. An open breaker fails fast without invoking call.
func Do[T any](ctx context.Context, e *Executor, operation string, retryable bool, call func(ctx context.Context) (T, error)) (T, error) {
	var result T

	maxRetries := e.settings.MaxRetries
	if !retryable {
		maxRetries = 0
	}
	backoff := retry.NewExponential(e.settings.BackoffBase)
	backoff = retry.WithCappedDuration(e.settings.BackoffCap, backoff)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithMaxRetries(maxRetries, backoff)

	tries := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		tries++
		value, err := attempt(ctx, e, call)
		if err == nil {
			result = value
			return nil
		}

		if apperr.IsRetryable(err) && retryable {
			e.logger.WarnContext(ctx, "Gateway call failed, retrying", "breaker", e.settings.Name,
				"operation", operation, "attempt", tries, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	return result, err
}

func attempt[T any](ctx context.Context, e *Executor, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if e.settings.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.settings.CallTimeout)
		defer cancel()
	}

	value, err := e.breaker.Execute(func() (any, error) {
		value, err := call(ctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && apperr.CategoryOf(err) == apperr.Internal {
			err = apperr.Wrap(apperr.Transient, apperr.CodeGatewayUnavailable, err, "gateway call timed out")
		}
		return value, err
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, apperr.Wrap(apperr.Unavailable, apperr.CodeCircuitOpen, err,
			fmt.Sprintf("%s gateway is temporarily unavailable", e.settings.Name))
	}
	if err != nil {
		return zero, err
	}
	typed, _ := value.(T)
	return typed, nil
}

// countsAsSuccess keeps caller mistakes and explicit gateway answers from
// tripping the breaker; only infrastructure failures count.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	switch apperr.CategoryOf(err) {
	case apperr.Validation, apperr.Rejected, apperr.NotFound, apperr.Conflict:
		return true
	}
	return false
}
