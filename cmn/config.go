// Package cmn holds ambient, cross-package plumbing for the migration
// subsystem: typed configuration, the error taxonomy, and small
// concurrency helpers that every other package depends on.
/*
 * Copyright (c) 2024, Aerostore. All rights reserved.
 */
package cmn

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config bundles every migration tunable named in the spec. One Config
// is owned by one migrate.Service; there is no process-wide singleton.
type Config struct {
	// NMigrateThreads sizes the emigration worker pool.
	NMigrateThreads int `env:"N_MIGRATE_THREADS, default=1"`

	// MaxBytesEmigrating bounds the per-emigration in-flight window.
	MaxBytesEmigrating int64 `env:"MAX_BYTES_EMIGRATING, default=33554432"`

	// MigrateRetransmitMS is the insert resend interval.
	MigrateRetransmitMS int64 `env:"MIGRATE_RETRANSMIT_MS, default=1000"`

	// MigrateRetransmitStartDoneMS is the control (START/DONE) resend interval.
	MigrateRetransmitStartDoneMS int64 `env:"MIGRATE_RETRANSMIT_STARTDONE_MS, default=1000"`

	// MigrateRxLifetimeMS is how long a completed immigration is remembered.
	// <= 0 means "forget immediately on DONE" (see spec §9 ambiguous behavior).
	MigrateRxLifetimeMS int64 `env:"MIGRATE_RX_LIFETIME_MS, default=60000"`

	// MigrateSleep is the per-record outbound throttle.
	MigrateSleep time.Duration `env:"MIGRATE_SLEEP, default=0"`

	Rebalance RebalanceConfig
}

type RebalanceConfig struct {
	// Compression enables s2 compression of record_buf on the wire.
	Compression bool `env:"REBALANCE_COMPRESSION, default=false"`
	// Multiplier bounds concurrently-active tree sweeps across all
	// emigration workers of one Service (floor 1).
	Multiplier int `env:"REBALANCE_MULTIPLIER, default=1"`
}

// Load reads tunables from the environment, falling back to the
// documented defaults for anything unset.
func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) RetransmitInterval() time.Duration {
	return time.Duration(c.MigrateRetransmitMS) * time.Millisecond
}

func (c *Config) RetransmitStartDoneInterval() time.Duration {
	return time.Duration(c.MigrateRetransmitStartDoneMS) * time.Millisecond
}

func (c *Config) RxLifetime() time.Duration {
	return time.Duration(c.MigrateRxLifetimeMS) * time.Millisecond
}
