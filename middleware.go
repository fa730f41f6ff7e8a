package a2abus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// RetryConfig controls retry behavior for handler middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt (e.g., exponential backoff).
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff to avoid thundering herds.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a handler.
// The requester still receives exactly one reply: the last attempt's outcome.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env *Envelope) (Payload, error) {
			var (
				out     Payload
				lastErr error
			)
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}
			for i := 1; i <= attempts; i++ {
				out, lastErr = next.Handle(ctx, env)
				if lastErr == nil {
					return out, nil
				}
				if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return nil, lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return nil, lastErr
					case <-time.After(wait):
					}
				}
			}
			return nil, lastErr
		})
	}
}

// TimeoutMiddleware bounds handler execution time.
// When exceeded, the handler result is discarded and context.DeadlineExceeded becomes
// the error reply, so the reply loop never stalls on a stuck handler.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env *Envelope) (Payload, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				out Payload
				err error
			}
			ch := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						ch <- result{err: fmt.Errorf("panic recovered: %v", r)}
					}
				}()
				out, err := next.Handle(tctx, env)
				ch <- result{out: out, err: err}
			}()

			select {
			case <-tctx.Done():
				return nil, tctx.Err()
			case r := <-ch:
				return r.out, r.err
			}
		})
	}
}

// RecoveryMiddleware converts handler panics into errors so one bad request
// cannot take the reply loop down.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env *Envelope) (out Payload, err error) {
			defer func() {
				if r := recover(); r != nil {
					out = nil
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next.Handle(ctx, env)
		})
	}
}

// LoggingMiddleware writes one debug line per handled request using the logger
// injected into the handler context.
func LoggingMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env *Envelope) (Payload, error) {
			lg, ok := LoggerFromContext(ctx)
			if !ok {
				return next.Handle(ctx, env)
			}
			clk, ok := ClockFromContext(ctx)
			if !ok {
				clk = xclock.Default()
			}
			start := clk.Now()
			out, err := next.Handle(ctx, env)
			l := lg.With(
				xlog.Str("msg_type", env.Type),
				xlog.Str("msg_id", env.ID),
				xlog.Str("source", env.Source),
				xlog.Dur("duration", clk.Since(start)),
			)
			if err != nil {
				l.Warn().Err(err).Msg("a2abus: handler failed")
				return out, err
			}
			l.Debug().Msg("a2abus: handler done")
			return out, nil
		})
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
