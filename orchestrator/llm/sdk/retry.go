// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sdk provides shared client-side plumbing for LLM provider calls:
// exponential backoff retry with jitter, driven by the llm package's error
// classification.
package sdk

import (
	"context"
	"math/rand"
	"time"

	"axonflow/council/orchestrator/llm"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int

	// InitialBackoff is the initial wait time before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait time between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	BackoffFactor float64

	// Jitter adds randomness to avoid thundering herd (0.0-1.0).
	Jitter float64

	// RetryIf determines if an error should be retried.
	RetryIf func(err error) bool
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     1,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.25,
		RetryIf:        DefaultRetryable,
	}
}

// DefaultRetryable determines if an error is retryable by default.
// Rate limit responses, provider 5xx errors, and timeouts are retryable;
// auth errors never are.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	return llm.Classify(err).Retryable()
}

// Backoff returns the wait duration before the given retry attempt
// (0-based), with exponential growth and jitter applied.
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	backoff := c.InitialBackoff * time.Duration(pow(c.BackoffFactor, float64(attempt)))
	if backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}

	if c.Jitter > 0 {
		jitterDelta := float64(backoff) * c.Jitter
		jitter := (rand.Float64() * 2 * jitterDelta) - jitterDelta
		backoff = time.Duration(float64(backoff) + jitter)
	}

	return backoff
}

// RetryWithBackoff executes a function with exponential backoff retry.
func RetryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err

		// Check if we should retry
		if config.RetryIf != nil && !config.RetryIf(err) {
			return zero, err
		}

		// Don't wait after the last attempt
		if attempt >= config.MaxRetries {
			break
		}

		// Wait with context cancellation
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(config.Backoff(attempt)):
			continue
		}
	}

	return zero, lastErr
}

// pow calculates base^exp for floats.
func pow(base, exp float64) float64 {
	result := 1.0
	for exp > 0 {
		if int(exp)%2 == 1 {
			result *= base
		}
		exp = float64(int(exp) / 2)
		base *= base
	}
	return result
}
