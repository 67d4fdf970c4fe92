// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"

	"tracklane/platform/shared/logger"
)

// Chain tries providers in order. A retryable failure advances to the next
// candidate; a fatal failure stops immediately. Candidate order is fixed at
// construction, so failover is a data change, not a code change.
type Chain struct {
	providers []Provider
	log       *logger.Logger
}

// NewChain builds an ordered fallback chain.
func NewChain(log *logger.Logger, providers ...Provider) *Chain {
	return &Chain{providers: providers, log: log}
}

// Names lists the candidates in attempt order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Complete walks the chain. It returns the first successful Result, or the
// terminal Result: the fatal failure that stopped the walk, or the last
// retryable failure wrapped in ErrProviderUnavailable once every candidate
// is exhausted.
func (c *Chain) Complete(ctx context.Context, tenantID, requestID string, req CompletionRequest) Result {
	if len(c.providers) == 0 {
		return Result{
			Outcome: OutcomeFatal,
			Err:     fmt.Errorf("%w: no providers configured", ErrProviderUnavailable),
		}
	}

	var last Result
	for _, p := range c.providers {
		resp, err := p.Complete(ctx, req)
		last = Classify(p.Name(), resp, err)

		switch last.Outcome {
		case OutcomeSuccess:
			return last
		case OutcomeFatal:
			c.log.Error(tenantID, requestID, "provider failed fatally", map[string]interface{}{
				"provider": p.Name(),
				"error":    last.Err.Error(),
			})
			return last
		default:
			c.log.Warn(tenantID, requestID, "provider failed, trying next candidate", map[string]interface{}{
				"provider": p.Name(),
				"error":    last.Err.Error(),
			})
		}

		if ctx.Err() != nil {
			last.Err = ctx.Err()
			return last
		}
	}

	last.Err = fmt.Errorf("%w: all %d providers failed: %v",
		ErrProviderUnavailable, len(c.providers), last.Err)
	return last
}
