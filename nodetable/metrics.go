// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package nodetable

import "github.com/prometheus/client_golang/prometheus"

var CounterNodesCreated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      "nodes_created_total",
		Help:      "Node ids assigned to new terms.",
	},
)

var CounterDecodeCacheHits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "quadstore",
		Name:      "node_decode_cache_hits_total",
		Help:      "Node id decodes served from the term cache.",
	},
)

func init() {
	prometheus.MustRegister(
		CounterNodesCreated,
		CounterDecodeCacheHits,
	)
}
