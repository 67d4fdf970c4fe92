// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package usage

import "fmt"

// Completion provider pricing as of August 2026.
// Prices stored in cents per 1K tokens to avoid floating point issues.
// All prices are USD.

// DefaultRateKey is the pricing table entry used for models without an
// explicit rate. Unknown models are priced, not rejected; callers emit a
// warning-level audit note so stale pricing gets noticed.
const DefaultRateKey = "default"

// centsPer1K maps model identifiers to a flat per-1K-token rate.
var centsPer1K = map[string]int64{
	// Anthropic direct API
	"claude-3-opus":     4500,
	"claude-3-sonnet":   900,
	"claude-3-haiku":    75,
	"claude-3-5-sonnet": 900,

	// Bedrock-hosted model identifiers
	"anthropic.claude-3-haiku-20240307-v1:0":  75,
	"anthropic.claude-3-sonnet-20240229-v1:0": 900,
	"amazon.titan-text-express-v1":            40,
	"meta.llama3-70b-instruct-v1:0":           265,

	// Conservative estimate for anything unrecognized
	DefaultRateKey: 1000,
}

// RateFor returns the per-1K-token rate in cents for a model.
// The second return value is false when the default rate was substituted.
func RateFor(model string) (int64, bool) {
	if rate, ok := centsPer1K[model]; ok {
		return rate, true
	}
	return centsPer1K[DefaultRateKey], false
}

// CostCents computes the cost of a call: tokens / 1000 * per-1K rate,
// evaluated in integer cents. The second return value is false when the
// model was priced with the default rate.
func CostCents(model string, tokens int64) (int64, bool) {
	rate, known := RateFor(model)
	return tokens * rate / 1000, known
}

// FormatCostToDollars converts cents to a dollar string (135 -> "$1.35").
func FormatCostToDollars(cents int64) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100.0)
}
