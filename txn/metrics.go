// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package txn

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricTxBegun            = "transactions_begun_total"
	MetricCommits            = "commits_total"
	MetricAborts             = "aborts_total"
	MetricPromotions         = "promotions_total"
	MetricPromotionConflicts = "promotion_conflicts_total"
	MetricCheckpointPages    = "checkpoint_pages_total"
	MetricCheckpointDuration = "checkpoint_duration_seconds"
	MetricCommitDuration     = "commit_duration_seconds"
	MetricGeneration         = "generation"
)

var CounterTxBegun = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricTxBegun,
		Help:      "Transactions begun, by mode.",
	},
	[]string{"mode"},
)

var CounterCommits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricCommits,
		Help:      "Write transactions committed with changes.",
	},
)

var CounterAborts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricAborts,
		Help:      "Write transactions aborted.",
	},
)

var CounterPromotions = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricPromotions,
		Help:      "Readers promoted to writers.",
	},
)

var CounterPromotionConflicts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricPromotionConflicts,
		Help:      "Promotions refused because a writer committed first.",
	},
)

var CounterCheckpointPages = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricCheckpointPages,
		Help:      "Pages written back to block files by checkpoints.",
	},
)

var HistogramCheckpointDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "quadstore",
		Name:      MetricCheckpointDuration,
		Help:      "Time spent checkpointing.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	},
)

var HistogramCommitDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "quadstore",
		Name:      MetricCommitDuration,
		Help:      "Time from commit start to publication.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	},
)

var GaugeGeneration = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "quadstore",
		Name:      MetricGeneration,
		Help:      "Current generation number.",
	},
)

func init() {
	prometheus.MustRegister(
		CounterTxBegun,
		CounterCommits,
		CounterAborts,
		CounterPromotions,
		CounterPromotionConflicts,
		CounterCheckpointPages,
		HistogramCheckpointDuration,
		HistogramCommitDuration,
		GaugeGeneration,
	)
}
