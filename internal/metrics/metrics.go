// Package metrics holds the prometheus collectors shared by the broker's
// components. Collectors are registered with the default registry and served
// by the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreRemoteFailures counts distributed store operations that failed and
// were served from the in-process fallback instead.
var StoreRemoteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tokenbroker_store_remote_failures_total",
	Help: "Number of failed distributed store operations",
}, []string{"op"})

// StoreEntries reports the number of live entries per store collection.
var StoreEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "tokenbroker_store_entries",
	Help: "Number of entries held by the token store",
}, []string{"collection"})

// StoreEvictions counts entries evicted because a collection was at capacity.
var StoreEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tokenbroker_store_evictions_total",
	Help: "Number of entries evicted at capacity",
}, []string{"collection"})

// FileWrites counts disk-file persistence attempts by result.
var FileWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tokenbroker_store_file_writes_total",
	Help: "Number of token file write-outs",
}, []string{"result"})

// FlowRequests counts OAuth endpoint requests by endpoint and outcome, where
// outcome is "ok" or an OAuth error code.
var FlowRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tokenbroker_oauth_requests_total",
	Help: "Number of OAuth flow requests",
}, []string{"endpoint", "outcome"})

// ProviderRequests counts calls to the upstream provider's token endpoint.
var ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tokenbroker_provider_requests_total",
	Help: "Number of provider token endpoint requests",
}, []string{"grant", "result"})

// ProviderLatency tracks provider token endpoint latency.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tokenbroker_provider_request_duration_seconds",
	Help:    "Duration of provider token endpoint requests",
	Buckets: prometheus.DefBuckets,
}, []string{"grant"})

// Refreshes counts proactive refresh outcomes: "fresh", "throttled",
// "refreshed", "rotated" or "failed".
var Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tokenbroker_refresh_total",
	Help: "Number of proactive provider token refresh decisions",
}, []string{"outcome"})
