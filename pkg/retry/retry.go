package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/payflow-backend/pkg/config"
)

// Classifier decides whether an error is transient and worth another attempt.
type Classifier func(error) bool

// Executor runs operations under a bounded exponential backoff policy.
// Errors the classifier rejects abort immediately; when attempts are
// exhausted the last operation error is returned unchanged.
type Executor struct {
	policy   config.RetryConfig
	classify Classifier
}

// New builds an Executor. A nil classifier treats every error as permanent.
func New(policy config.RetryConfig, classify Classifier) *Executor {
	if classify == nil {
		classify = func(error) bool { return false }
	}
	return &Executor{policy: policy, classify: classify}
}

// Do invokes op until it succeeds, fails permanently, the attempt budget is
// spent, or ctx is done.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) error {
	return retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if e.classify(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Executor) backoff() retry.Backoff {
	base := e.policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	multiplier := e.policy.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(base)
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		next := time.Duration(delay)
		delay *= multiplier
		return next, false
	})

	if e.policy.MaxDelay > 0 {
		b = retry.WithCappedDuration(e.policy.MaxDelay, b)
	}

	maxAttempts := e.policy.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return retry.WithMaxRetries(maxAttempts-1, b)
}
