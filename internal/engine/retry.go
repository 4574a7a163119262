package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/runengine/pkg/schema"
)

// Backoff strategy names accepted in step configs.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Defaults are the engine-wide values used when a step config leaves a field empty.
type Defaults struct {
	StepTimeout  time.Duration
	RetryLimit   int
	Backoff      string
	BackoffDelay time.Duration
	BackoffMax   time.Duration
}

// DefaultDefaults mirrors the shipped settings.yaml.
func DefaultDefaults() Defaults {
	return Defaults{
		StepTimeout:  5 * time.Minute,
		RetryLimit:   3,
		Backoff:      BackoffExponential,
		BackoffDelay: time.Second,
		BackoffMax:   time.Minute,
	}
}

// RetryPolicy is the resolved retry behaviour of one step.
type RetryPolicy struct {
	Limit   int
	Timeout time.Duration
	Backoff string
	Delay   time.Duration
	Max     time.Duration
}

// PolicyFor resolves cfg against the engine defaults. Unparseable durations
// fall back to the default; the pipeline schema rejects them earlier.
func PolicyFor(cfg schema.StepConfig, d Defaults) RetryPolicy {
	p := RetryPolicy{
		Limit:   d.RetryLimit,
		Timeout: parseDurationOr(cfg.Timeout, d.StepTimeout),
		Backoff: d.Backoff,
		Delay:   parseDurationOr(cfg.BackoffDelay, d.BackoffDelay),
		Max:     parseDurationOr(cfg.BackoffMax, d.BackoffMax),
	}
	if cfg.RetryLimit != nil && *cfg.RetryLimit >= 0 {
		p.Limit = *cfg.RetryLimit
	}
	if cfg.Backoff != "" {
		p.Backoff = cfg.Backoff
	}
	return p
}

// ComputeBackoff returns the wait before retry n (1-indexed: 1 is the first
// retry after the initial failure), capped at Max.
func (p RetryPolicy) ComputeBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffNone:
		return 0
	case BackoffLinear:
		d = p.Delay * time.Duration(n)
	case BackoffExponential:
		d = time.Duration(float64(p.Delay) * math.Pow(2, float64(n-1)))
	default:
		d = p.Delay
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"temporary failure",
	"i/o timeout",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"internal server error",
	"too many requests",
	"rate limit",
}

// Classify maps a handler failure onto the retry taxonomy.
// A HandlerError carries its own category. Deadline overruns and transport
// failures are retryable; cancellation and unknown handlers are not.
func Classify(err error) schema.ErrorCategory {
	if err == nil {
		return ""
	}

	if he, ok := schema.AsHandlerError(err); ok && he.Category != "" {
		return he.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.CategoryRetryable
	}
	if errors.Is(err, context.Canceled) {
		return schema.CategoryNonRetryable
	}

	switch schema.ErrorCode(err) {
	case schema.ErrCodeHandlerNotFound, schema.ErrCodeValidation, schema.ErrCodeNonRetryable:
		return schema.CategoryNonRetryable
	case schema.ErrCodeValidationFailed:
		return schema.CategoryValidationFail
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return schema.CategoryRetryable
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return schema.CategoryRetryable
		}
	}

	// Unknown failures are retried; the retry limit bounds the cost.
	return schema.CategoryRetryable
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
