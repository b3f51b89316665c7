package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metalagman/clausegate/internal/logging"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Policy is the orchestrator-owned call policy.
type Policy struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	// RatePerSecond limits outgoing calls; zero disables limiting.
	RatePerSecond float64
}

// DefaultPolicy is a short timeout with two retries.
func DefaultPolicy() Policy {
	return Policy{Timeout: time.Second, Retries: 2, RetryDelay: 100 * time.Millisecond}
}

// Outcome is what callers of Client get back. Err is set when the response
// is the UNKNOWN fallback.
type Outcome struct {
	Response Response
	Attempts int
	Duration time.Duration
	Err      error
}

// Observer receives one notification per finished Assess call.
type Observer func(outcome Outcome)

// Client applies timeout, retry and rate policy around an Assessor.
type Client struct {
	backend  Assessor
	policy   Policy
	limiter  *rate.Limiter
	observer Observer
	logger   zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithObserver installs a callback invoked after each call.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) { c.observer = o }
}

// NewClient wraps backend with the given policy.
func NewClient(backend Assessor, policy Policy, opts ...ClientOption) *Client {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultPolicy().Timeout
	}
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	c := &Client{
		backend: backend,
		policy:  policy,
		logger:  logging.Component("risk_client"),
	}
	if policy.RatePerSecond > 0 {
		burst := int(policy.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(policy.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Assess calls the backend with at most 1+Retries attempts. It never returns
// an error: when every attempt fails the outcome carries an UNKNOWN response.
func (c *Client) Assess(ctx context.Context, req Request) Outcome {
	started := time.Now()
	var lastErr error
	attempts := 0
attempts:
	for attempt := 0; attempt <= c.policy.Retries; attempt++ {
		if attempt > 0 && c.policy.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			case <-time.After(c.policy.RetryDelay * time.Duration(attempt)):
			}
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		attempts++
		resp, err := c.call(ctx, req)
		if err == nil {
			out := Outcome{Response: resp, Attempts: attempts, Duration: time.Since(started)}
			c.notify(out)
			return out
		}
		lastErr = err
		c.logger.Warn().
			Err(err).
			Str("clause_id", req.ClauseID).
			Int("attempt", attempts).
			Msg("risk assessment attempt failed")
	}
	if lastErr == nil {
		lastErr = errors.New("no attempt made")
	}
	wrapped := lastErr
	if !errors.Is(wrapped, ErrCollaborator) {
		wrapped = fmt.Errorf("%w: %v", ErrCollaborator, lastErr)
	}
	out := Outcome{
		Response: Response{
			RiskLevel:  "UNKNOWN",
			Rationale:  fmt.Sprintf("risk assessment unavailable: %v", lastErr),
			PolicyRefs: []string{},
		},
		Attempts: attempts,
		Duration: time.Since(started),
		Err:      wrapped,
	}
	c.notify(out)
	return out
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("%w: rate limit wait: %v", ErrCollaborator, err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: backend panic: %v", ErrCollaborator, r)}
			}
		}()
		r, e := c.backend.Assess(callCtx, req)
		done <- result{resp: r, err: e}
	}()

	select {
	case <-callCtx.Done():
		return Response{}, fmt.Errorf("%w: %v", ErrCollaborator, callCtx.Err())
	case r := <-done:
		return r.resp, r.err
	}
}

func (c *Client) notify(out Outcome) {
	if c.observer != nil {
		c.observer(out)
	}
}
