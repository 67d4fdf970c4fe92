// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

// Package llm abstracts the external completion providers metered by the
// platform. Providers report token usage themselves; that figure is the
// metering source of truth, never an application-side estimate.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrProviderUnavailable wraps the final failure after every candidate in a
// chain has been exhausted. The attempt is recorded as a failed usage event,
// consumes no quota, and is eligible for caller-level retry.
var ErrProviderUnavailable = errors.New("completion provider unavailable")

// CompletionRequest is the unified request shape passed to any provider.
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	StopAfter   []string `json:"stop_sequences,omitempty"`
}

// CompletionResponse is a provider's answer. TokensUsed is provider-reported
// and drives billing.
type CompletionResponse struct {
	Content    string        `json:"content"`
	Model      string        `json:"model"`
	TokensUsed int64         `json:"tokens_used"`
	StopReason string        `json:"stop_reason,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// Provider is one completion backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name identifies the provider in logs, metrics, and usage events.
	Name() string

	// Complete generates a completion. The context carries cancellation
	// and the per-call timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Outcome classifies a provider result so failure handling is data instead
// of nested control flow.
type Outcome int

const (
	// OutcomeSuccess: the response is usable and billable.
	OutcomeSuccess Outcome = iota

	// OutcomeRetryable: transient failure (rate limit, 5xx, timeout); the
	// next candidate in the chain may be tried.
	OutcomeRetryable

	// OutcomeFatal: the request itself is bad (auth, malformed input);
	// trying another candidate cannot help.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Result is the tagged outcome of one provider attempt.
type Result struct {
	Outcome  Outcome
	Provider string
	Response *CompletionResponse
	Err      error
}

// APIError is a structured provider API failure.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d, type %s): %s",
		e.Provider, e.StatusCode, e.Type, e.Message)
}

// IsRateLimit reports whether the provider throttled us.
func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == 429
}

// IsAuthError reports whether the credential was rejected.
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// Classify maps an attempt to a tagged Result.
func Classify(providerName string, resp *CompletionResponse, err error) Result {
	if err == nil {
		return Result{Outcome: OutcomeSuccess, Provider: providerName, Response: resp}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsAuthError():
			return Result{Outcome: OutcomeFatal, Provider: providerName, Err: err}
		case apiErr.IsRateLimit() || apiErr.StatusCode >= 500:
			return Result{Outcome: OutcomeRetryable, Provider: providerName, Err: err}
		default:
			// Remaining 4xx: the request is malformed for this provider.
			return Result{Outcome: OutcomeFatal, Provider: providerName, Err: err}
		}
	}

	// Network errors, timeouts, cancellation: transient from the chain's
	// point of view.
	return Result{Outcome: OutcomeRetryable, Provider: providerName, Err: err}
}
