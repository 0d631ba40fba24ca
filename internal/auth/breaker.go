package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/pscheid92/livefeed/internal/metrics"
	"github.com/sony/gobreaker"
)

// BreakerVerifier fails fast with domain.ErrVerifierUnavailable while a remote token store keeps erroring.
// Definitive rejections (invalid, expired, revoked) count as successful calls.
type BreakerVerifier struct {
	next domain.TokenVerifier
	cb   *gobreaker.CircuitBreaker
}

var _ domain.TokenVerifier = (*BreakerVerifier)(nil)

// NewBreakerVerifier trips after 5 requests with at least 60% failures and tries again after 30s.
func NewBreakerVerifier(name string, next domain.TokenVerifier) *BreakerVerifier {
	return newBreakerVerifier(name, next, 30*time.Second)
}

func newBreakerVerifier(name string, next domain.TokenVerifier, openTimeout time.Duration) *BreakerVerifier {
	component := "token_" + name
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        component,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isRejection(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateToFloat(to))
		},
	})
	return &BreakerVerifier{next: next, cb: cb}
}

func (v *BreakerVerifier) Verify(ctx context.Context, token string) (domain.Principal, error) {
	result, err := v.cb.Execute(func() (any, error) {
		return v.next.Verify(ctx, token)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrVerifierUnavailable, err)
	}
	if err != nil {
		return domain.Principal{}, err
	}
	return result.(domain.Principal), nil
}

func (v *BreakerVerifier) State() gobreaker.State {
	return v.cb.State()
}

// isRejection reports whether err is a verdict about the token rather than a store failure.
func isRejection(err error) bool {
	return errors.Is(err, domain.ErrInvalidToken) ||
		errors.Is(err, domain.ErrTokenExpired) ||
		errors.Is(err, domain.ErrTokenRevoked)
}

func breakerStateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
