// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package block

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricCacheHits   = "page_cache_hits_total"
	MetricCacheMisses = "page_cache_misses_total"
)

var CounterCacheHits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricCacheHits,
		Help:      "Page reads served from a block store cache.",
	},
	[]string{"file"},
)

var CounterCacheMisses = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricCacheMisses,
		Help:      "Page reads that went to the disk backing.",
	},
	[]string{"file"},
)

func init() {
	prometheus.MustRegister(
		CounterCacheHits,
		CounterCacheMisses,
	)
}
