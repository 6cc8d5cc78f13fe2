// SPDX-FileCopyrightText: 2022 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/iris/store"
	"github.com/xmidt-org/touchstone"
	"go.uber.org/fx"
)

// Names
const (
	QuerySuccessCounter = "datastore_query_success_count"
	QueryFailureCounter = "datastore_query_failure_count"
)

// ProvideMetrics returns the metrics relevant to the datastore backends.
func ProvideMetrics() fx.Option {
	return fx.Options(
		touchstone.CounterVec(
			prometheus.CounterOpts{
				Name: QuerySuccessCounter,
				Help: "Counter for the number of successful datastore queries, labeled by operation type.",
			},
			store.TypeLabel,
		),
		touchstone.CounterVec(
			prometheus.CounterOpts{
				Name: QueryFailureCounter,
				Help: "Counter for the number of failed datastore queries, labeled by operation type.",
			},
			store.TypeLabel,
		),
	)
}

type Measures struct {
	fx.In
	QuerySuccessCount *prometheus.CounterVec `name:"datastore_query_success_count"`
	QueryFailureCount *prometheus.CounterVec `name:"datastore_query_failure_count"`
}
