package agent

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// RetryPolicy bounds transparent re-invocation of a capability after a
// retryable failure. Non-retryable failures are returned immediately.
type RetryPolicy struct {
	// MaxRetries is the number of re-invocations after the first attempt.
	MaxRetries int `koanf:"max_retries"`

	// Base is the delay before the first retry.
	Base time.Duration `koanf:"base"`

	// Factor multiplies the delay after each retry.
	Factor float64 `koanf:"factor"`

	// Cap bounds the delay.
	Cap time.Duration `koanf:"cap"`
}

// DefaultRetryPolicy retries twice with exponential backoff: 500ms, 1s,
// capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		Base:       500 * time.Millisecond,
		Factor:     2,
		Cap:        5 * time.Second,
	}
}

// delay returns the backoff before retry attempt n (1-based).
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Base
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// InvokeWithRetry invokes the capability, retrying per policy on failures
// the taxonomy marks retryable. Returns the last error, and the total
// number of attempts made.
func InvokeWithRetry(ctx context.Context, d Dispatcher, req *Request, policy RetryPolicy) (*Result, int, error) {
	attempts := 0
	for {
		attempts++
		res, err := d.Invoke(ctx, req)
		if err == nil {
			return res, attempts, nil
		}
		if !errs.IsRetryable(err) || attempts > policy.MaxRetries {
			return nil, attempts, err
		}

		select {
		case <-ctx.Done():
			return nil, attempts, ctx.Err()
		case <-time.After(policy.delay(attempts)):
		}
	}
}
