// Package retry backs off around single provider calls. It never wraps capability execution.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/rs/zerolog"
)

// RetryConfig configures retry behavior with exponential backoff
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"` // Retries after the first attempt (0 = single attempt)
	BaseDelay  time.Duration `koanf:"base_delay"`  // Delay before the first retry
	MaxDelay   time.Duration `koanf:"max_delay"`   // Upper bound for any single delay
	Multiplier float64       `koanf:"multiplier"`  // Exponential backoff multiplier
	Jitter     bool          `koanf:"jitter"`      // Spread retries by +/-10%
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
	RetryReasons  []string
}

// DefaultRetryConfig returns a retry configuration with sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// ModelCallConfig returns the configuration used around a single model or embedding request.
func ModelCallConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  2 * time.Second,
		MaxDelay:   20 * time.Second,
		Multiplier: 2.5,
		Jitter:     true,
	}
}

// Do executes op, retrying only while IsRetryableError reports the failure as transient.
func Do(ctx context.Context, config RetryConfig, logger zerolog.Logger, op func(ctx context.Context) error) RetryResult {
	startTime := time.Now()
	result := RetryResult{RetryReasons: make([]string, 0)}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := op(ctx)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)
			if attempt > 0 {
				logger.Debug().Int("retries", attempt).Dur("total", result.TotalDuration).Msg("operation succeeded after retry")
			}
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, err.Error())

		if attempt >= config.MaxRetries || !IsRetryableError(err) {
			result.TotalDuration = time.Since(startTime)
			return result
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}

		delay := calculateDelay(config, attempt)
		logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxRetries+1).
			Dur("backoff", delay).
			Msg("retryable failure, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// calculateDelay calculates the delay for the next retry attempt using exponential backoff
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// retryableStatus matches HTTP statuses worth another attempt as a standalone number in an error message
var retryableStatus = regexp.MustCompile(`\b(408|409|425|429|5\d\d)\b`)

var transientText = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"overloaded",
	"no such host",
	"broken pipe",
	"unexpected eof",
}

// IsRetryableError reports whether a model, embedding or transcription failure is transient.
// A cancelled context is final; a per-call deadline is not.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retryableStatus.MatchString(strconv.Itoa(apiErr.StatusCode))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// langchaingo flattens provider HTTP errors into text
	msg := strings.ToLower(err.Error())
	if retryableStatus.MatchString(msg) {
		return true
	}
	for _, s := range transientText {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
