// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package tenant

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// crossTenantDenials counts ownership checks that resolved to a denial.
	// Any sustained rate here is an incident, not noise.
	crossTenantDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracklane_cross_tenant_denials_total",
		Help: "Ownership validations denied for crossing a tenant boundary.",
	})

	// superadminUses counts operations executed with the superadmin predicate.
	superadminUses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracklane_superadmin_uses_total",
		Help: "Operations run under the superadmin session predicate.",
	})
)
