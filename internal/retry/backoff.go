package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/iteam1/reviewbot/internal/logging"
)

// RetryConfig configures exponential backoff. MaxRetries counts the retries
// after the first attempt.
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	// Jitter spreads each delay by up to 10% either way.
	Jitter     bool `json:"jitter"`
	LogRetries bool `json:"log_retries"`
	// Retryable decides whether a failed attempt may be retried. Nil retries
	// every error.
	Retryable func(error) bool `json:"-"`
}

// RetryResult describes how an operation went across its attempts.
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
	// RetryReasons holds one reason per failed attempt.
	RetryReasons []string `json:"retry_reasons"`
}

// LLMRetryConfig is used for model calls, which are slow and often rate
// limited. Errors such as a rejected API key fail on the first attempt.
func LLMRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.5,
		Jitter:     true,
		LogRetries: true,
		Retryable:  IsRetryableError,
	}
}

// DiffFetchRetryConfig is used for diff page fetches: a handful of quick
// attempts, stopping early on errors that will not go away.
func DiffFetchRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
		Retryable:  IsRetryableError,
	}
}

// PostRetryConfig retries a failed comment post exactly once.
func PostRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 1,
		BaseDelay:  1 * time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// RetryWithBackoff runs operation until it succeeds, the retries are used
// up, the error is not retryable or ctx is done. The error text is recorded
// as the retry reason.
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func() error, logger *logging.RunLogger) RetryResult {
	return RetryWithBackoffAndReason(ctx, config, func() (error, string) {
		err := operation()
		if err != nil {
			return err, err.Error()
		}
		return nil, ""
	}, logger)
}

// RetryWithBackoffAndReason is RetryWithBackoff for operations that classify
// their own failures.
func RetryWithBackoffAndReason(ctx context.Context, config RetryConfig, operation func() (error, string), logger *logging.RunLogger) RetryResult {
	if !config.LogRetries {
		logger = nil
	}
	start := time.Now()
	result := RetryResult{RetryReasons: []string{}}
	done := func() RetryResult {
		result.TotalDuration = time.Since(start)
		return result
	}

	total := config.MaxRetries + 1
	for attempt := 0; attempt < total; attempt++ {
		result.Attempts = attempt + 1
		if attempt > 0 {
			logger.Log("Retrying (attempt %d/%d)", result.Attempts, total)
		}

		err, reason := operation()
		if err == nil {
			result.Success = true
			result.LastError = nil
			if attempt > 0 {
				logger.Log("Succeeded after %d retries", attempt)
			}
			return done()
		}
		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, reason)

		switch {
		case config.Retryable != nil && !config.Retryable(err):
			logger.Warn("Giving up on non-retryable error: %v", err)
			return done()
		case result.Attempts == total:
			logger.Warn("Giving up after %d attempts: %v", total, err)
			return done()
		case ctx.Err() != nil:
			result.LastError = ctx.Err()
			return done()
		}

		delay := calculateDelay(config, attempt)
		logger.Log("Attempt %d/%d failed (%s), waiting %v", result.Attempts, total, reason, delay.Round(time.Millisecond))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			return done()
		case <-timer.C:
		}
	}
	return done()
}

// calculateDelay returns BaseDelay * Multiplier^attempt, capped at MaxDelay
// and optionally jittered.
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := math.Min(
		float64(config.BaseDelay)*math.Pow(config.Multiplier, float64(attempt)),
		float64(config.MaxDelay),
	)
	if config.Jitter {
		delay += delay * 0.1 * (2*rand.Float64() - 1)
	}
	if delay < 0 {
		return config.BaseDelay
	}
	return time.Duration(delay)
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// transientMarkers are matched against errors that carry no status code.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"429", "500", "502", "503", "504",
	"dns lookup failed",
	"no such host",
	"network unreachable",
	"broken pipe",
	"eof",
	"context deadline exceeded",
}

// IsRetryableError classifies errors carrying an HTTP status by status.
// Other errors are retryable when their text looks like a transport or rate
// limit failure. Cancellation never is.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		return IsRetryableStatus(sc.HTTPStatus())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
