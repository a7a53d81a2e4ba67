package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"financehub/internal/domain"
	"financehub/internal/metrics"
)

// Options configures the protective wrapper around a raw driver.
type Options struct {
	// Timeout applies to every driver call. Zero disables the deadline.
	Timeout time.Duration
	// FetchRate limits FetchPage calls per second. Zero means unlimited.
	FetchRate float64
	Clock     clockwork.Clock
}

// Wrapped decorates a domain.Driver with per-call timeouts, a circuit
// breaker, and a page-fetch rate limit. Breaker-open and deadline errors are
// folded into the transport error taxonomy so callers apply one retry policy.
type Wrapped struct {
	institutionID string
	inner         domain.Driver
	timeout       time.Duration
	breaker       *gobreaker.CircuitBreaker
	limiter       *rate.Limiter
	clock         clockwork.Clock
}

var _ domain.Driver = (*Wrapped)(nil)

// Wrap builds the protective wrapper for one institution's driver.
func Wrap(institutionID string, inner domain.Driver, opts Options) *Wrapped {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	settings := gobreaker.Settings{
		Name:    institutionID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*10 >= counts.Requests*6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Driver circuit breaker state changed",
				"institution", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.DriverBreakerState.WithLabelValues(name).Set(breakerStateToFloat(to))
		},
		// Rejected credentials are an answer from the institution, not a
		// transport fault; they must not open the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrAuthFailed)
		},
	}

	var limiter *rate.Limiter
	if opts.FetchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.FetchRate), 1)
	}

	return &Wrapped{
		institutionID: institutionID,
		inner:         inner,
		timeout:       opts.Timeout,
		breaker:       gobreaker.NewCircuitBreaker(settings),
		limiter:       limiter,
		clock:         clock,
	}
}

func (w *Wrapped) Login(ctx context.Context, credentialsRef string) (domain.LoginResult, error) {
	var result domain.LoginResult
	err := w.execute(ctx, "login", func(ctx context.Context) error {
		var err error
		result, err = w.inner.Login(ctx, credentialsRef)
		return err
	})
	return result, err
}

func (w *Wrapped) Extend(ctx context.Context, token domain.SessionToken) error {
	return w.execute(ctx, "extend", func(ctx context.Context) error {
		return w.inner.Extend(ctx, token)
	})
}

func (w *Wrapped) FetchPage(ctx context.Context, token domain.SessionToken, accountID, cursor string) (domain.Page, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return domain.Page{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var page domain.Page
	err := w.execute(ctx, "fetch_page", func(ctx context.Context) error {
		var err error
		page, err = w.inner.FetchPage(ctx, token, accountID, cursor)
		return err
	})
	return page, err
}

func (w *Wrapped) Logout(ctx context.Context, token domain.SessionToken) error {
	return w.execute(ctx, "logout", func(ctx context.Context) error {
		return w.inner.Logout(ctx, token)
	})
}

func (w *Wrapped) execute(ctx context.Context, operation string, call func(context.Context) error) error {
	start := w.clock.Now()
	defer func() {
		metrics.DriverCallDuration.WithLabelValues(w.institutionID, operation).Observe(w.clock.Since(start).Seconds())
	}()

	_, err := w.breaker.Execute(func() (any, error) {
		callCtx := ctx
		if w.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, w.timeout)
			defer cancel()
		}
		return nil, call(callCtx)
	})
	if err == nil {
		return nil
	}

	metrics.DriverErrorsTotal.WithLabelValues(w.institutionID, operation).Inc()

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s %s: %w", w.institutionID, operation, domain.ErrDriverUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %s: %w", w.institutionID, operation, domain.ErrDriverTimeout)
	default:
		return err
	}
}

func breakerStateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
