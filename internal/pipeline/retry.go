package pipeline

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/docpipe/internal/config"
)

// RetryPolicy retries transient stage failures with exponential backoff and
// proportional jitter. Permanent failures abort immediately.
type RetryPolicy struct {
	base        time.Duration
	factor      float64
	jitter      float64
	maxDelay    time.Duration
	maxAttempts uint
	logger      *slog.Logger
}

// NewRetryPolicy builds a policy from configuration.
func NewRetryPolicy(cfg config.RetryCfg, logger *slog.Logger) *RetryPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &RetryPolicy{
		base:        cfg.BaseDelay(),
		factor:      cfg.Factor,
		jitter:      cfg.Jitter,
		maxDelay:    cfg.MaxDelay(),
		maxAttempts: uint(cfg.MaxAttempts),
		logger:      logger,
	}
	if p.base <= 0 {
		p.base = 500 * time.Millisecond
	}
	if p.factor < 1 {
		p.factor = 2.0
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 30 * time.Second
	}
	if p.maxAttempts == 0 {
		p.maxAttempts = 5
	}
	return p
}

// Do runs fn, retrying transient failures up to the attempt budget. The
// returned error is the last stage error, classified.
func (p *RetryPolicy) Do(ctx context.Context, stage string, fn func() error) error {
	err := retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(p.maxAttempts),
		retry.DelayType(p.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return Classify(stage, err).Kind.Retryable()
		}),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("retrying stage",
				"stage", stage,
				"attempt", n+1,
				"error", err)
		}),
	)
	if err == nil {
		return nil
	}
	return Classify(stage, err)
}

// delay computes base * factor^n with proportional jitter, capped.
func (p *RetryPolicy) delay(n uint, _ error, _ *retry.Config) time.Duration {
	d := float64(p.base) * math.Pow(p.factor, float64(n))
	if p.jitter > 0 {
		// Uniform in [-jitter, +jitter] of the current delay.
		d += d * p.jitter * (2*rand.Float64() - 1)
	}
	if capped := float64(p.maxDelay); d > capped {
		d = capped
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
