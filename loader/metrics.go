// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package loader

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricLoadedStatements = "bulk_loaded_statements_total"
	MetricLoadDuration     = "bulk_load_duration_seconds"
)

var CounterLoadedStatements = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricLoadedStatements,
		Help:      "Statements added by bulk loads.",
	},
	[]string{"table"},
)

var HistogramLoadDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "quadstore",
		Name:      MetricLoadDuration,
		Help:      "Duration of bulk load phases.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	},
	[]string{"phase"},
)

func init() {
	prometheus.MustRegister(
		CounterLoadedStatements,
		HistogramLoadDuration,
	)
}
