// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tracklane/platform/metering/llm"
	"tracklane/platform/metering/quota"
)

var (
	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracklane_completions_total",
		Help: "Completion attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	throttlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracklane_quota_throttles_total",
		Help: "Requests rejected by the quota ledger, by breached scope",
	}, []string{"scope"})

	tokensMeteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracklane_tokens_metered_total",
		Help: "Provider-reported tokens charged against tenant quotas",
	})

	completionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracklane_completion_latency_seconds",
		Help:    "End-to-end provider call latency",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"provider"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracklane_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "status"})
)

func observeCompletion(r llm.Result) {
	completionsTotal.WithLabelValues(r.Provider, r.Outcome.String()).Inc()
	if r.Outcome == llm.OutcomeSuccess && r.Response != nil {
		tokensMeteredTotal.Add(float64(r.Response.TokensUsed))
		completionLatency.WithLabelValues(r.Provider).Observe(r.Response.Latency.Seconds())
	}
}

func observeThrottle(scope quota.Scope) {
	throttlesTotal.WithLabelValues(string(scope)).Inc()
}
