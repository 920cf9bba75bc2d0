// Package db wires the disk manager, write-ahead log, lock manager, page
// cache and transaction manager together from a single config.
package db

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"kiln/buffer"
	"kiln/concurrency"
	"kiln/config"
	"kiln/disk"
	"kiln/disk/wal"
	"kiln/locker"
	"kiln/telemetry"
)

type DB struct {
	cfg config.Config

	Disk  *disk.Manager
	Log   *wal.LogManager
	Locks *locker.LockManager
	Pool  *buffer.PageCache
	Txns  *concurrency.TxnManager

	registry *prometheus.Registry
}

// Open builds every manager, replays the log and rolls back in-doubt
// transactions before returning.
func Open(cfg config.Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stats := telemetry.NewNoopStats()
	var registry *prometheus.Registry
	if cfg.Metrics {
		registry = prometheus.NewRegistry()
		stats = telemetry.NewPrometheusStats(registry)
	}

	dm, created, err := disk.NewManager(cfg.DataFile)
	if err != nil {
		return nil, err
	}

	lm, err := wal.Open(cfg.WALFile, stats)
	if err != nil {
		_ = dm.Close()
		return nil, err
	}

	var victim locker.VictimPolicy
	switch cfg.VictimPolicy {
	case config.VictimFewestLocks:
		victim = locker.FewestLocksPolicy{}
	default:
		victim = locker.YoungestPolicy{}
	}
	locks := locker.NewLockManager(cfg.LockTimeout.Duration, victim, stats)

	pool := buffer.NewPageCache(dm, cfg.PoolSize, stats)
	txns := concurrency.NewTxnManager(locks, lm, stats)

	if err := txns.RollbackActives(); err != nil {
		_ = lm.Close()
		_ = dm.Close()
		return nil, err
	}

	log.Info().
		Str("data_file", cfg.DataFile).
		Str("wal_file", cfg.WALFile).
		Bool("created", created).
		Msg("database opened")

	return &DB{
		cfg:      cfg,
		Disk:     dm,
		Log:      lm,
		Locks:    locks,
		Pool:     pool,
		Txns:     txns,
		registry: registry,
	}, nil
}

// Registry returns the prometheus registry, or nil when metrics are off.
func (d *DB) Registry() *prometheus.Registry {
	return d.registry
}

// Close flushes the log, then every dirty page, then the data file. The log
// goes first so no page image ever reaches disk ahead of its log records.
func (d *DB) Close() error {
	if err := d.Log.Close(); err != nil {
		return err
	}
	if err := d.Pool.FlushAll(); err != nil {
		return err
	}
	return d.Disk.Close()
}
