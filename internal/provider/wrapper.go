package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// Middleware decorates a ChatProvider.
type Middleware func(domain.ChatProvider) domain.ChatProvider

// Wrap applies middlewares in left-to-right order: Wrap(p, A, B) is A(B(p)).
func Wrap(inner domain.ChatProvider, mws ...Middleware) domain.ChatProvider {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// Defaults fills the model, max_tokens and temperature of requests that
// leave them unset. A nil temperature leaves it to the provider.
func Defaults(model string, maxTokens int, temperature *float32) Middleware {
	return func(next domain.ChatProvider) domain.ChatProvider {
		return &ModelOverrideProvider{inner: next, model: model, maxTokens: maxTokens, temperature: temperature}
	}
}

// ModelOverrideProvider supplies request defaults from configuration.
type ModelOverrideProvider struct {
	inner       domain.ChatProvider
	model       string
	maxTokens   int
	temperature *float32
}

func (p *ModelOverrideProvider) Name() string {
	return p.inner.Name()
}

func (p *ModelOverrideProvider) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	// Clone request to avoid side effects
	newReq := *req
	if newReq.Model == "" {
		newReq.Model = p.model
	}
	if newReq.MaxTokens == 0 {
		newReq.MaxTokens = p.maxTokens
	}
	if newReq.Temperature == nil && p.temperature != nil {
		t := *p.temperature
		newReq.Temperature = &t
	}
	return p.inner.Complete(ctx, &newReq)
}

// RetryPolicy bounds the attempts made for one request.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// BackoffBase is the wait after the first failure; it doubles per attempt.
	BackoffBase time.Duration
	// BackoffMax caps a single wait.
	BackoffMax time.Duration
	// AttemptTimeout bounds each call. Zero means no per-attempt deadline.
	AttemptTimeout time.Duration
}

// Backoff returns the wait before retrying after the given zero-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 0; i < attempt && (p.BackoffMax <= 0 || d < p.BackoffMax); i++ {
		d *= 2
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

// Retry retries retryable provider failures with exponential backoff and
// runs each attempt under its own deadline. Cancellation of the caller's
// context stops immediately.
func Retry(policy RetryPolicy, logger *slog.Logger) Middleware {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(next domain.ChatProvider) domain.ChatProvider {
		return &retrying{next: next, policy: policy, logger: logger}
	}
}

type retrying struct {
	next   domain.ChatProvider
	policy RetryPolicy
	logger *slog.Logger
}

func (r *retrying) Name() string { return r.next.Name() }

func (r *retrying) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	var last error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		resp, err := r.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		last = err
		if ctx.Err() != nil {
			return nil, err
		}
		if !domain.IsRetryable(err) || attempt == r.policy.MaxAttempts-1 {
			break
		}

		wait := r.policy.Backoff(attempt)
		r.logger.Warn("provider call failed, retrying",
			slog.String("provider", r.next.Name()),
			slog.String("agent", req.Agent),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", r.policy.MaxAttempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, last
}

func (r *retrying) attempt(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	if r.policy.AttemptTimeout <= 0 {
		return r.next.Complete(ctx, req)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()

	resp, err := r.next.Complete(attemptCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !domain.IsKind(err, domain.KindProviderTimeout) {
		return nil, domain.ErrProviderTimeout("provider call exceeded " + r.policy.AttemptTimeout.String()).WithCause(err)
	}
	return resp, err
}
