// Package telemetry exposes the engine's metrics behind small interfaces so
// that the managers can record stats without caring whether metrics are
// enabled. When disabled every stat is a noop.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
}

type NoopStat struct{}

func (n NoopStat) Inc()        {}
func (n NoopStat) Add(float64) {}
func (n NoopStat) Set(float64) {}
func (n NoopStat) Dec()        {}

// Stats holds every metric the engine reports. Zero value is unusable; build
// one with NewNoopStats or NewPrometheusStats.
type Stats struct {
	CacheHits      Counter
	CacheMisses    Counter
	CacheEvictions Counter
	CachedPages    Gauge

	LockConflicts     Counter
	LockTimeouts      Counter
	DeadlocksDetected Counter

	WalAppends Counter
	WalBytes   Counter

	ActiveTxns Gauge
	Commits    Counter
	Rollbacks  Counter
}

func NewNoopStats() *Stats {
	n := NoopStat{}
	return &Stats{
		CacheHits:         n,
		CacheMisses:       n,
		CacheEvictions:    n,
		CachedPages:       n,
		LockConflicts:     n,
		LockTimeouts:      n,
		DeadlocksDetected: n,
		WalAppends:        n,
		WalBytes:          n,
		ActiveTxns:        n,
		Commits:           n,
		Rollbacks:         n,
	}
}

func counter(reg *prometheus.Registry, name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "kiln", Name: name, Help: help})
	reg.MustRegister(c)
	return c
}

func gauge(reg *prometheus.Registry, name, help string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "kiln", Name: name, Help: help})
	reg.MustRegister(g)
	return g
}

// NewPrometheusStats registers every metric on the given registry. Caller owns
// the registry and decides how to expose it.
func NewPrometheusStats(reg *prometheus.Registry) *Stats {
	return &Stats{
		CacheHits:         counter(reg, "cache_hits_total", "Page cache hits"),
		CacheMisses:       counter(reg, "cache_misses_total", "Page cache misses"),
		CacheEvictions:    counter(reg, "cache_evictions_total", "Pages evicted from the cache"),
		CachedPages:       gauge(reg, "cached_pages", "Pages currently resident in the cache"),
		LockConflicts:     counter(reg, "lock_conflicts_total", "Lock requests denied due to conflict"),
		LockTimeouts:      counter(reg, "lock_timeouts_total", "Lock requests that timed out"),
		DeadlocksDetected: counter(reg, "deadlocks_detected_total", "Deadlocks found in the wait-for graph"),
		WalAppends:        counter(reg, "wal_appends_total", "Log records appended"),
		WalBytes:          counter(reg, "wal_bytes_total", "Bytes appended to the WAL"),
		ActiveTxns:        gauge(reg, "active_txns", "Transactions currently active"),
		Commits:           counter(reg, "commits_total", "Committed transactions"),
		Rollbacks:         counter(reg, "rollbacks_total", "Rolled back transactions"),
	}
}
