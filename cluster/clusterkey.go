// Package cluster supplies the migration engine's external collaborators:
// the cluster key / membership view, partition reservations, and the
// rebalance hooks the scheduler calls into. None of this implements
// quorum or membership itself — that lives outside this repository, per
// the spec's "external collaborators referenced by interface only".
/*
 * Copyright (c) 2024, Aerostore. All rights reserved.
 */
package cluster

import "go.uber.org/atomic"

// Key is the opaque 64-bit token identifying the current cluster view.
// Invariant 6: once captured by an emigration/immigration, it is never
// refreshed; a mismatch against the live Key is always terminal.
type Key uint64

// Gate holds the live cluster key and lets any migration, at any point,
// cheaply check whether the view it captured is stale. It is the sole
// cancellation signal (spec §5, Cancellation).
type Gate struct {
	current atomic.Uint64
}

func NewGate(initial Key) *Gate {
	g := &Gate{}
	g.current.Store(uint64(initial))
	return g
}

func (g *Gate) Current() Key { return Key(g.current.Load()) }

func (g *Gate) Set(k Key) { g.current.Store(uint64(k)) }

// Changed reports whether the live key differs from captured.
func (g *Gate) Changed(captured Key) bool { return g.Current() != captured }
