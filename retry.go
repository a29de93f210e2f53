package statehistory

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"strings"
	"time"
)

// RetryConfig controls how S3Backend retries failed object store calls.
// Zero fields take the values of DefaultRetryConfig.
type RetryConfig struct {
	MaxAttempts       int           // attempts per call, the first included
	InitialBackoff    time.Duration // wait before the second attempt
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64 // fraction of each wait picked at random, in [0, 1]

	// RetryIf reports whether a failed attempt is worth repeating. A nil
	// RetryIf retries every error.
	RetryIf func(error) bool
}

// DefaultRetryConfig retries transient S3 failures three times.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryIf:           IsRetryable,
	}
}

// Retryer repeats object store calls with exponential backoff.
type Retryer struct {
	config RetryConfig
}

// NewRetryer returns a Retryer for config.
func NewRetryer(config RetryConfig) *Retryer {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = def.Jitter
	}
	return &Retryer{config: config}
}

// RetryResult is the number of attempts a call took and its final error.
type RetryResult struct {
	Attempts int
	LastErr  error
}

// Do calls op until it succeeds, fails with an error RetryIf rejects, runs
// out of attempts, or ctx is done while waiting.
func (r *Retryer) Do(ctx context.Context, op func() error) RetryResult {
	wait := r.config.InitialBackoff
	res := RetryResult{}
	for res.Attempts < r.config.MaxAttempts {
		res.Attempts++
		if res.LastErr = op(); res.LastErr == nil {
			return res
		}
		if r.config.RetryIf != nil && !r.config.RetryIf(res.LastErr) {
			return res
		}
		if res.Attempts == r.config.MaxAttempts {
			break
		}

		timer := time.NewTimer(r.jittered(wait))
		select {
		case <-ctx.Done():
			timer.Stop()
			res.LastErr = ctx.Err()
			return res
		case <-timer.C:
		}
		wait = min(time.Duration(float64(wait)*r.config.BackoffMultiplier), r.config.MaxBackoff)
	}
	return res
}

// retryValue is Do for calls that return a value.
func retryValue[T any](ctx context.Context, r *Retryer, op func() (T, error)) (T, RetryResult) {
	var v T
	res := r.Do(ctx, func() error {
		var err error
		v, err = op()
		return err
	})
	if res.LastErr != nil {
		var zero T
		return zero, res
	}
	return v, res
}

func (r *Retryer) jittered(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	spread := float64(d) * r.config.Jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// transientS3Errors are fragments of error messages S3 and S3-compatible
// services return for throttling and temporary outages.
var transientS3Errors = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"slow down",
	"slowdown",
	"too many requests",
	"rate limit",
	"503",
	"502",
	"504",
	"429",
}

// IsRetryable reports whether err looks transient. Cancellation and missing
// objects or histories are final.
func IsRetryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrHistoryNotFound),
		errors.Is(err, os.ErrNotExist):
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range transientS3Errors {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
