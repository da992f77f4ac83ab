// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package journal

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricJournalBytes  = "journal_bytes_total"
	MetricJournalFrames = "journal_frames_total"
	MetricJournalSync   = "journal_sync_seconds"
)

var CounterJournalBytes = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricJournalBytes,
		Help:      "Bytes appended to the journal.",
	},
)

var CounterJournalFrames = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      MetricJournalFrames,
		Help:      "Page and commit frames appended to the journal.",
	},
)

var HistogramJournalSync = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "quadstore",
		Name:      MetricJournalSync,
		Help:      "Time spent in journal fsync.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	},
)

func init() {
	prometheus.MustRegister(
		CounterJournalBytes,
		CounterJournalFrames,
		HistogramJournalSync,
	)
}
