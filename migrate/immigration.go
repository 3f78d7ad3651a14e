package migrate

import (
	"context"

	"github.com/klauspost/compress/s2"
	"go.uber.org/atomic"

	"github.com/aerostore/migrate/cluster"
	"github.com/aerostore/migrate/cmn/nlog"
	"github.com/aerostore/migrate/fabric"
	"github.com/aerostore/migrate/migrate/wire"
	"github.com/aerostore/migrate/stats"
	"github.com/aerostore/migrate/storage"
)

// Immigration is the per-(src, emig_id) receiver state, created on the
// first admitted START and kept around, after DONE, for
// migrate_rx_lifetime_ms so duplicate STARTs/INSERTs/DONEs can be
// answered without re-running admission (spec §3, §4.7).
type Immigration struct {
	svc *Service

	src        string
	emigID     uint32
	ns         string
	pid        cluster.PartitionID
	clusterKey cluster.Key

	rxState        atomic.Int32
	incomingLDTVer atomic.Uint64

	doneRecv    atomic.Int64
	startRecvMs int64
	doneRecvMs  atomic.Int64

	rsv *cluster.Reservation
}

func (s *Service) onFabricMessage(src string, msg *wire.Message) {
	s.Stats.RecordEvent(stats.RxMsgRcvd, 0)
	switch msg.Op {
	case wire.OpStart:
		s.handleStart(src, msg)
	case wire.OpInsert:
		s.handleInsert(src, msg)
	case wire.OpDone:
		s.handleDone(src, msg)
	case wire.OpInsertAck:
		if emig, ok := s.emigrations.get(msg.EmigID); ok {
			emig.reinsert.ack(msg.EmigInsertID, src, emig.dest)
		}
	case wire.OpStartAckOK, wire.OpStartAckEagain, wire.OpStartAckFail, wire.OpStartAckAlreadyDone, wire.OpDoneAck:
		s.dispatchCtrl(src, msg)
	case wire.OpReplicaWrite:
		s.handleReplicaWrite(src, msg)
	case wire.OpReplicaWriteAck:
		s.rwTracker.ack(msg, src)
	default:
		nlog.Warningf("migrate: unknown op %d from %s, dropping", msg.Op, src)
	}
}

func (s *Service) dispatchCtrl(src string, msg *wire.Message) {
	emig, ok := s.emigrations.get(msg.EmigID)
	if !ok {
		return // emigration already terminated locally; ack is moot
	}
	select {
	case emig.ctrlQ <- ctrlEvent{op: msg.Op, msg: msg}:
	default:
		nlog.Warningf("migrate: ctrl_q full for emigration %d, dropping ack from %s", msg.EmigID, src)
	}
}

// handleStart answers a receiver-side START by consulting the rebalance
// collaborator's admission decision, then creating (or reusing) the
// Immigration record (spec §4.5 step 1).
func (s *Service) handleStart(src string, msg *wire.Message) {
	ns, pid, ck := msg.Namespace, cluster.PartitionID(msg.Partition), cluster.Key(msg.ClusterKey)

	if imm, ok := s.immigrations.get(src, msg.EmigID); ok {
		if imm.doneRecv.Load() > 0 {
			s.ack(src, msg.EmigID, wire.OpStartAckAlreadyDone)
			return
		}
		s.ack(src, msg.EmigID, wire.OpStartAckOK)
		return
	}

	switch s.Rebalance.RxAllow(ns, pid, ck, src) {
	case cluster.RxAgain:
		s.ack(src, msg.EmigID, wire.OpStartAckEagain)
		return
	case cluster.RxFail:
		s.ack(src, msg.EmigID, wire.OpStartAckFail)
		return
	case cluster.RxAlreadyDone:
		s.ack(src, msg.EmigID, wire.OpStartAckAlreadyDone)
		return
	}

	imm := &Immigration{
		svc:         s,
		src:         src,
		emigID:      msg.EmigID,
		ns:          ns,
		pid:         pid,
		clusterKey:  ck,
		startRecvMs: nowMs(),
		rsv:         s.Rsvs.Reserve(ns, pid),
	}
	if msg.Version != nil {
		imm.incomingLDTVer.Store(*msg.Version)
	}
	if !s.immigrations.insertUnique(imm) {
		// lost the race against a concurrent duplicate START: the
		// winner's Immigration already answers for this (src, emig_id).
		imm.rsv.Release()
		s.ack(src, msg.EmigID, wire.OpStartAckOK)
		return
	}
	s.versions.put(imm.incomingLDTVer.Load(), uint32(pid), imm)
	s.Stats.IncProgressRecv()
	s.ack(src, msg.EmigID, wire.OpStartAckOK)
}

// handleInsert merges one pickled record and acks it: dedup against
// replays is the storage collaborator's job (spec §4.5 step 4). An
// INSERT for an unknown (src, emig_id), or carrying a cluster key other
// than the one the immigration captured, is dropped without an ack.
func (s *Service) handleInsert(src string, msg *wire.Message) {
	imm, ok := s.immigrations.get(src, msg.EmigID)
	if !ok {
		// no local immigration for this (src, emig_id): the ambiguous
		// NOTFOUND case from spec §9 — the insert is silently dropped
		// and no further replication of it is attempted here.
		nlog.Warningf("migrate: INSERT for unknown emigration %d from %s, dropping", msg.EmigID, src)
		return
	}
	if cluster.Key(msg.ClusterKey) != imm.clusterKey {
		return // stale sender view; no ack, sender's cluster-key gate will fire
	}

	rec := &storage.PickledRecord{Digest: msg.Digest, RecordBuf: msg.Record, Generation: 1}
	// missing generation defaults to 1; generation 0 is coerced to 1
	// (spec §4.5 step 2) — handle_insert's job, not the storage
	// collaborator's, so any Store implementation sees an already-
	// normalized generation.
	if msg.Generation != nil && *msg.Generation != 0 {
		rec.Generation = *msg.Generation
	}
	if msg.VoidTime != nil {
		rec.VoidTime = *msg.VoidTime
	}
	if msg.LastUpdateTime != nil {
		rec.LastUpdateTime = *msg.LastUpdateTime
	}

	component := storage.ComponentNormal
	if msg.Info != nil {
		info := wire.Info(*msg.Info)
		if info.IsCompressed() && len(rec.RecordBuf) > 0 {
			decoded, err := s2.Decode(nil, rec.RecordBuf)
			if err != nil {
				nlog.Warningf("migrate: s2 decode failed for digest %x from %s: %v, dropping", rec.Digest, src, err)
				s.ack(src, msg.EmigID, wire.OpInsertAck)
				return
			}
			rec.RecordBuf = decoded
		}
		if info.IsSubrec() {
			component = storage.ComponentSubRecord
			if info.IsESR() {
				component = storage.ComponentESR
			}
			rec.ParentDigest = msg.PDigest
			rec.ESRDigest = msg.EDigest
			if msg.Version != nil {
				rec.Version = *msg.Version
			}
			rec.RecProps = &storage.RecProps{Flags: storage.FlagSubRecord}
			if component == storage.ComponentESR {
				rec.RecProps.Flags |= storage.FlagESR
			}
			if stale := imm.incomingLDTVer.Load(); stale != 0 && rec.Version != 0 && rec.Version != stale {
				nlog.Warningf("migrate: stale ldt version on sub-record %x from %s, dropping", rec.Digest, src)
				s.ack(src, msg.EmigID, wire.OpInsertAck)
				return
			}
		} else {
			component = storage.ComponentParent
		}
	}

	if len(rec.RecordBuf) == 0 {
		nlog.Warningf("migrate: empty record_buf for digest %x from %s, dropping pickle", rec.Digest, src)
		s.ack(src, msg.EmigID, wire.OpInsertAck)
		return
	}

	if result := s.Store.Flatten(context.Background(), imm.ns, rec, component); result != storage.FlattenOK {
		nlog.Warningf("migrate: flatten(%x) = %d", rec.Digest, result)
	} else {
		s.Stats.RecordEvent(stats.RxObject, 0)
	}

	if component == storage.ComponentSubRecord || component == storage.ComponentESR {
		imm.rxState.Store(int32(RxSubrecord))
	} else {
		imm.rxState.Store(int32(RxRecord))
	}
	s.ack(src, msg.EmigID, wire.OpInsertAck, msg.EmigInsertID)
}

// handleDone completes the immigration on its first DONE; subsequent
// DONEs (retransmits) are answered identically but do not re-notify the
// rebalance collaborator (spec §4.5 step 2, invariant 3).
func (s *Service) handleDone(src string, msg *wire.Message) {
	imm, ok := s.immigrations.get(src, msg.EmigID)
	if !ok {
		s.ack(src, msg.EmigID, wire.OpDoneAck)
		return
	}
	if imm.doneRecv.Inc() == 1 {
		imm.doneRecvMs.Store(nowMs())
		s.Stats.DecProgressRecv()
		s.Rebalance.RxDone(imm.ns, imm.pid, imm.clusterKey, src)
		if s.Config.RxLifetime() <= 0 {
			s.forgetImmigration(imm)
		}
	}
	s.ack(src, msg.EmigID, wire.OpDoneAck)
}

// forgetImmigration retires imm. migrate_progress_recv is decremented
// only when imm is being removed before it ever reached done_recv >= 1
// (spec §4.7) — an immigration that completed and simply aged out of
// migrate_rx_lifetime_ms does not decrement it again.
func (s *Service) forgetImmigration(imm *Immigration) {
	incomplete := imm.doneRecv.Load() < 1
	s.immigrations.remove(imm.src, imm.emigID)
	s.versions.del(imm.incomingLDTVer.Load(), uint32(imm.pid))
	imm.rsv.Release()
	if incomplete {
		s.Stats.DecProgressRecv()
	}
}

func (s *Service) ack(dest string, emigID uint32, op wire.Op, insertID ...uint32) {
	msg := &wire.Message{Op: op, EmigID: emigID}
	if len(insertID) > 0 {
		msg.EmigInsertID = insertID[0]
	}
	ch := fabric.Medium
	if op == wire.OpInsertAck {
		ch = fabric.Low
	}
	s.Fabric.Send(dest, msg, ch)
	s.Stats.RecordEvent(stats.TxMsgSent, 0)
}
