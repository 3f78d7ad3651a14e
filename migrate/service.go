// Package migrate implements the emigration/immigration engine: the
// reliable, flow-controlled, retransmitting, partially-ordered protocol
// that streams records between nodes during a cluster rebalance.
/*
 * Copyright (c) 2024, Aerostore. All rights reserved.
 */
package migrate

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/aerostore/migrate/cluster"
	"github.com/aerostore/migrate/cmn"
	"github.com/aerostore/migrate/fabric"
	"github.com/aerostore/migrate/stats"
	"github.com/aerostore/migrate/storage"
)

// Service bundles the process-wide state the Design Notes call out for
// replacement with one injected value: emigration_hash, immigration_hash,
// immigration_ldt_version_hash, the scheduler's queue, and the two
// monotone counters. One Service serves one node.
type Service struct {
	Config *cmn.Config

	NodeID        string
	NumPartitions uint32

	Fabric    fabric.Fabric
	Store     storage.Store
	Rebalance cluster.Rebalance
	Gate      *cluster.Gate
	Rsvs      *cluster.Reservations
	Stats     *stats.Registry

	emigrations  *emigRegistry
	immigrations *immigRegistry
	versions     *versionIndex

	emigIDSeq atomic.Uint32
	versGen   *versionGen

	// treeSem bounds concurrently-active tree sweeps across every
	// emigration worker (spec §4.6), sized from Rebalance.Multiplier —
	// distinct from NMigrateThreads, which bounds the worker pool itself.
	treeSem *semaphore.Weighted

	rwTracker *ReplicaWriteTracker
	xdr       XDR

	sched *scheduler
	reap  *reaper
}

// New constructs a Service and wires its background loops (the
// scheduler worker pool and the immigration reaper). Call Stop to tear
// both down.
func New(cfg *cmn.Config, nodeID string, numPartitions uint32, fb fabric.Fabric, st storage.Store, rb cluster.Rebalance, gate *cluster.Gate, stReg *stats.Registry) *Service {
	multiplier := int64(cfg.Rebalance.Multiplier)
	if multiplier <= 0 {
		multiplier = 1
	}
	svc := &Service{
		Config:        cfg,
		NodeID:        nodeID,
		NumPartitions: numPartitions,
		Fabric:        fb,
		Store:         st,
		Rebalance:     rb,
		Gate:          gate,
		Rsvs:          cluster.NewReservations(),
		Stats:         stReg,
		emigrations:   newEmigRegistry(),
		immigrations:  newImmigRegistry(),
		versions:      newVersionIndex(),
		versGen:       newVersionGen(),
		treeSem:       semaphore.NewWeighted(multiplier),
		xdr:           NopXDR{},
	}
	svc.rwTracker = newReplicaWriteTracker(svc)
	fb.RegisterHandler(svc.onFabricMessage)
	svc.sched = newScheduler(svc, cfg.NMigrateThreads)
	svc.reap = newReaper(svc)
	svc.reap.start()
	return svc
}

// SetXDR installs the external-replication notifier the durable-delete
// path in the replica-write interlock calls on drop (spec §4.8). Nodes
// without XDR configured keep the no-op default.
func (s *Service) SetXDR(x XDR) { s.xdr = x }

// Stop shuts the worker pool and reaper down. It waits for every worker
// to return, and a worker runs the emigration it holds to a terminal
// state before returning. The fabric handler registered by New stays
// registered.
func (s *Service) Stop() {
	s.sched.stop()
	s.reap.stop()
}

// Emigrate is the rebalance collaborator's entry point (spec §6,
// "emigrate(dest, ns, pid, cluster_key, tx_flags)").
func (s *Service) Emigrate(ctx context.Context, dest, ns string, pid cluster.PartitionID, ck cluster.Key, flags cluster.TxFlags) {
	emig := newEmigration(s, dest, ns, pid, ck, flags)
	if !s.emigrations.insertUnique(emig) {
		// process-unique monotone id collided: cannot happen absent a
		// counter bug, so this is fatal-to-operation, not benign.
		panic("migrate: duplicate emigration id")
	}
	s.sched.enqueue(emig, priorityHigh)
}

func (s *Service) nextEmigID() uint32 { return s.emigIDSeq.Inc() }
