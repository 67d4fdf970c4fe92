// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// fallbackTotal counts audit events diverted to the log stream because the
// durable write failed or timed out. A non-zero rate means the audit table
// needs attention and the log stream needs replaying.
var fallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tracklane_audit_fallback_total",
	Help: "Audit events preserved via the log fallback instead of the audit table.",
})
