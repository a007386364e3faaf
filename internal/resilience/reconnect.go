package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/live-stt-client/internal/observability"
)

// ErrAttemptsExhausted is returned when every reconnection attempt failed
var ErrAttemptsExhausted = errors.New("reconnection attempts exhausted")

// ReconnectPolicy holds configuration for reconnection logic
type ReconnectPolicy struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Delay       time.Duration // Delay before the first attempt
	Multiplier  float64       // Delay multiplier; 1.0 keeps the delay fixed
	MaxDelay    time.Duration // Upper bound for the delay
}

// DefaultReconnectPolicy returns the default reconnection policy:
// three attempts, each after a fixed two second delay.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Multiplier:  1.0,
		MaxDelay:    30 * time.Second,
	}
}

// NextDelay returns the delay to use after the given one
func (p ReconnectPolicy) NextDelay(current time.Duration) time.Duration {
	if p.Multiplier <= 1.0 {
		return current
	}
	next := time.Duration(float64(current) * p.Multiplier)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

// ReconnectFunc attempts a single reconnection; attempt starts at 1
type ReconnectFunc func(attempt int) error

// Reconnect waits the policy delay before each attempt and calls fn until it
// succeeds, the attempts run out, or ctx is cancelled.
func Reconnect(ctx context.Context, fn ReconnectFunc, policy ReconnectPolicy) error {
	logger := observability.WithComponent("resilience")

	delay := policy.Delay
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Dur("delay", delay).
			Msg("Scheduling reconnection attempt")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			logger.Info().Int("attempt", attempt).Msg("Reconnection successful")
			return nil
		}

		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Msg("Reconnection attempt failed")

		delay = policy.NextDelay(delay)
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, policy.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, policy.MaxAttempts)
}
