/*
Package metrics provides Prometheus metrics collection and exposition for the
placement driver.

The metrics package defines and registers every gauge, counter and histogram
the driver exposes using the Prometheus client library, giving observability
into consensus role/progress, write-batch durability, read-index latency, and
the store/region registries. Metrics are exposed via an HTTP endpoint for
scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                 │          │
	│  │  - Global DefaultRegistry                    │          │
	│  │  - MustRegister at package init              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Sources                  │          │
	│  │                                               │          │
	│  │  Inline (pkg/fsm driver): fsync, proposal    │          │
	│  │    latency, read-index latency — observed    │          │
	│  │    at the moment the event happens           │          │
	│  │  Polled (Collector, 15s tick): Raft role/     │          │
	│  │    term/log index, queue depths, store and   │          │
	│  │    region counts                             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint                │          │
	│  │  - Path: /metrics                            │          │
	│  │  - Format: Prometheus text exposition        │          │
	│  │  - Handler: promhttp.Handler()               │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered in init()
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: is-leader flag, current term, queue depths, store/region totals
  - Operations: Set, Inc, Dec

Counter Metrics:
  - Monotonically increasing value
  - Examples: fsync count, allocated ids, TSO requests served
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Buckets for latency percentiles (fsync duration, proposal round trip,
    read-index latency, fsync batch size)

Timer Helper:
  - Convenience wrapper for timing operations (see Timer in metrics.go)
  - Start timer, observe duration to histogram when the operation completes

# Metrics Catalog

Raft role/progress:

minipd_raft_is_leader:
  - Type: Gauge
  - Description: Whether this node believes itself the Raft leader
  - Example: minipd_raft_is_leader 1

minipd_raft_term:
  - Type: Gauge
  - Description: Current Raft term as observed by the local RawNode

minipd_raft_peers_total:
  - Type: Gauge
  - Description: Total number of voters in the current configuration

minipd_raft_log_index / minipd_raft_applied_index:
  - Type: Gauge
  - Description: Index of the last persisted / last applied log entry

Driver queue/backlog depth:

minipd_proposal_queue_depth, minipd_read_queue_depth, minipd_pending_acks_depth:
  - Type: Gauge
  - Description: In-flight proposals, outstanding read-index requests, and
    applied command results deferred until the next fsync

WAL/fsync:

minipd_fsync_total:
  - Type: Counter
  - Description: Total fsync calls issued by the write-batch controller

minipd_fsync_duration_seconds, minipd_fsync_batch_bytes:
  - Type: Histogram
  - Description: Per-fsync wall time and the size of the batch it flushed

Latency:

minipd_read_index_latency_seconds:
  - Type: Histogram
  - Description: Time from a read-index request to resolution

minipd_proposal_latency_seconds:
  - Type: Histogram
  - Description: Time from proposing a command to its durable acknowledgement

Cluster metadata:

minipd_stores_total{state}:
  - Type: Gauge
  - Description: Total registered stores by state (up/offline/tombstone)

minipd_regions_total:
  - Type: Gauge
  - Description: Total regions known to the cluster

Allocators:

minipd_allocated_ids_total, minipd_tso_requests_total:
  - Type: Counter
  - Description: Unique ids handed out, timestamp requests served

# Usage

Updating Gauge Metrics:

	import "github.com/cuemby/minipd/pkg/metrics"

	metrics.RaftLeader.Set(1)
	metrics.StoresTotal.WithLabelValues("up").Set(5)

Updating Counter Metrics:

	metrics.FsyncTotal.Inc()
	metrics.AllocatedIDsTotal.Add(1000)

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.FsyncDuration)

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/fsm: observes fsync, proposal-latency and read-index-latency
    histograms inline, at the point each event completes
  - pkg/metrics.Collector: polls pkg/fsm.Driver, pkg/storage.Storage and
    pkg/service.Service on a 15s tick for everything that has no single
    event to hang a histogram off of (role, term, queue depths, registry
    counts) — see collector.go
  - Prometheus: scrapes /metrics

# Design Patterns

Package Init Registration:
  - All metrics registered in init()
  - MustRegister panics on duplicate registration

Interface-bounded collection:
  - Collector depends on DriverSource/ClusterSource interfaces, not on
    pkg/fsm or pkg/service directly, because pkg/fsm already imports
    pkg/metrics for its inline observations; a direct dependency back from
    pkg/metrics to pkg/fsm or pkg/service would cycle. See collector.go.

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (store state, not
    store id)
  - Keep label count low

# Performance Characteristics

Metric Update Overhead:
  - Gauge set/inc: ~50ns per operation
  - Counter inc: ~50ns per operation
  - Histogram observe: ~200ns per operation
  - Negligible relative to an fsync or a consensus round trip
*/
package metrics
