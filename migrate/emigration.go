package migrate

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/klauspost/compress/s2"
	"github.com/seiflotfy/cuckoofilter"
	"go.uber.org/atomic"

	"github.com/aerostore/migrate/cluster"
	"github.com/aerostore/migrate/cmn"
	"github.com/aerostore/migrate/cmn/nlog"
	"github.com/aerostore/migrate/fabric"
	"github.com/aerostore/migrate/migrate/wire"
	"github.com/aerostore/migrate/stats"
	"github.com/aerostore/migrate/storage"
)

// ctrlEvent is one START/DONE ack observed on the control queue.
type ctrlEvent struct {
	op  wire.Op
	msg *wire.Message
}

// Emigration is the per-partition sender, owned by exactly one worker
// from the moment it is dequeued (spec §3).
type Emigration struct {
	svc *Service

	id         uint32
	dest       string
	ns         string
	pid        cluster.PartitionID
	clusterKey cluster.Key
	txFlags    cluster.TxFlags

	aborted atomic.Bool
	txState atomic.Int32 // TxState

	bytesEmigrating atomic.Int64
	reinsert        *reinsertTable
	ctrlQ           chan ctrlEvent

	rsv *cluster.Reservation

	ldtVersion uint64
	insertSeq  atomic.Uint32

	hasSubTree bool
	sentFilter *cuckoofilter.Filter // "already queued this digest" guard

	enqueuedAt time.Time
}

func newEmigration(svc *Service, dest, ns string, pid cluster.PartitionID, ck cluster.Key, flags cluster.TxFlags) *Emigration {
	e := &Emigration{
		svc:        svc,
		id:         svc.nextEmigID(),
		dest:       dest,
		ns:         ns,
		pid:        pid,
		clusterKey: ck,
		txFlags:    flags,
		ctrlQ:      make(chan ctrlEvent, 4),
		ldtVersion: svc.versGen.next(),
		hasSubTree: true, // every emigration sweeps the sub-record tree first
		sentFilter: cuckoofilter.NewFilter(1 << 16),
		enqueuedAt: time.Now(),
	}
	e.txState.Store(int32(TxSubrecord))
	if !e.hasSubTree {
		e.txState.Store(int32(TxNone))
	}
	e.reinsert = newReinsertTable(&e.bytesEmigrating, svc.Config.RetransmitInterval().Milliseconds())
	return e
}

func (e *Emigration) state() TxState { return TxState(e.txState.Load()) }

func (e *Emigration) abort() { e.aborted.Store(true) }

func (e *Emigration) isAborted() bool {
	return e.aborted.Load() || e.svc.Gate.Changed(e.clusterKey)
}

// run is executed by a scheduler worker: START, tree sweeps, DONE, and
// the terminal-state notification back to the rebalance collaborator.
func (e *Emigration) run(ctx context.Context) {
	started := time.Now()
	e.rsv = e.svc.Rsvs.Reserve(e.ns, e.pid)
	defer e.rsv.Release()
	defer e.svc.emigrations.remove(e.id)

	e.svc.Stats.IncProgressSend()
	defer e.svc.Stats.DecProgressSend()

	result := cluster.TxDone
	if err := e.startHandshake(ctx); err != nil {
		if err == errAlreadyDone {
			e.svc.Rebalance.TxDone(cluster.TxDone, e.ns, e.pid, e.clusterKey, e.txFlags)
			return
		}
		e.finish(cluster.TxError, err)
		return
	}

	if e.txFlags.Has(cluster.TxRequestOnly) {
		// REQUEST-only emigrations are a bare readiness handshake: no
		// tree sweep, straight to DONE (scheduler fast path, spec §4.6).
		e.txState.Store(int32(TxRecord))
	} else {
		if e.hasSubTree {
			if err := e.sweepTreeBounded(ctx, true); err != nil {
				e.finish(cluster.TxError, err)
				return
			}
			e.txState.Store(int32(TxRecord))
		} else {
			e.txState.Store(int32(TxRecord))
		}

		if err := e.sweepTreeBounded(ctx, false); err != nil {
			e.finish(cluster.TxError, err)
			return
		}
	}

	// Invariant 2: reinsert_hash non-empty => DONE has not been sent.
	for e.reinsert.len() > 0 {
		if e.isAborted() {
			e.finish(cluster.TxError, cmn.ErrClusterKeyChanged)
			return
		}
		if _, err := e.reinsert.sweep(e.sendLow); err != nil {
			e.finish(cluster.TxError, err)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := e.doneHandshake(ctx); err != nil {
		e.finish(cluster.TxError, err)
		return
	}
	e.txState.Store(int32(TxNone))
	e.svc.Stats.RecordEvent(stats.TxObject, time.Since(started))
	e.svc.Rebalance.TxDone(result, e.ns, e.pid, e.clusterKey, e.txFlags)
}

func (e *Emigration) finish(result cluster.TxResult, err error) {
	if result == cluster.TxError && cmn.Classify(err) == cmn.ClassFatal {
		e.svc.Stats.RecordEvent(stats.TxPartitionImbalance, 0)
	}
	nlog.Warningf("migrate: emigration g%d(%s/%d -> %s) terminated: %v", e.id, e.ns, e.pid, e.dest, err)
	e.svc.Rebalance.TxDone(result, e.ns, e.pid, e.clusterKey, e.txFlags)
}

// errAlreadyDone signals ALREADY_DONE: the receiver considers this
// partition already migrated, which the caller treats as success.
var errAlreadyDone = &alreadyDoneErr{}

type alreadyDoneErr struct{}

func (*alreadyDoneErr) Error() string { return "migrate: partition already done" }

// startHandshake sends OP=START and retries every
// RETRANSMIT_STARTDONE_MS until an ack arrives or the cluster key moves.
func (e *Emigration) startHandshake(ctx context.Context) error {
	msg := &wire.Message{
		Op:         wire.OpStart,
		EmigID:     e.id,
		ClusterKey: uint64(e.clusterKey),
		Namespace:  e.ns,
		Partition:  uint32(e.pid),
	}
	v := e.ldtVersion
	msg.Version = &v

	for {
		if e.isAborted() {
			return cmn.ErrClusterKeyChanged
		}
		if st := e.svc.Fabric.Send(e.dest, msg, fabric.Medium); st == fabric.NoNode {
			return cmn.ErrNoNode
		}
		e.svc.Stats.RecordEvent(stats.TxMsgSent, 0)
		select {
		case ev := <-e.ctrlQ:
			switch ev.op {
			case wire.OpStartAckOK:
				return nil
			case wire.OpStartAckAlreadyDone:
				return errAlreadyDone
			case wire.OpStartAckEagain:
				time.Sleep(10 * time.Millisecond)
				continue
			case wire.OpStartAckFail:
				return cmn.ErrStartFailed
			}
		case <-time.After(e.svc.Config.RetransmitStartDoneInterval()):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Emigration) doneHandshake(ctx context.Context) error {
	msg := &wire.Message{Op: wire.OpDone, EmigID: e.id, ClusterKey: uint64(e.clusterKey), Namespace: e.ns, Partition: uint32(e.pid)}
	for {
		if e.isAborted() {
			return cmn.ErrClusterKeyChanged
		}
		if st := e.svc.Fabric.Send(e.dest, msg, fabric.Medium); st == fabric.NoNode {
			return cmn.ErrNoNode
		}
		e.svc.Stats.RecordEvent(stats.TxMsgSent, 0)
		select {
		case ev := <-e.ctrlQ:
			if ev.op == wire.OpDoneAck {
				return nil
			}
		case <-time.After(e.svc.Config.RetransmitStartDoneInterval()):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sweepTreeBounded acquires the service-wide tree-sweep semaphore before
// sweeping, so at most Rebalance.Multiplier trees are reduced
// concurrently across every emigration worker (spec §4.6).
func (e *Emigration) sweepTreeBounded(ctx context.Context, subTree bool) error {
	if err := e.svc.treeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.svc.treeSem.Release(1)
	return e.sweepTree(ctx, subTree)
}

// sweepTree reduces one of the partition's two trees, pickling each
// record, registering it in the reinsert table, and sending it (spec
// §4.4 "Tree sweep").
func (e *Emigration) sweepTree(ctx context.Context, subTree bool) error {
	var sweepErr error
	_ = e.svc.Store.WalkTree(ctx, e.ns, e.svc.NumPartitions, uint32(e.pid), subTree, func(ref *storage.RecordRef) bool {
		if e.isAborted() {
			sweepErr = cmn.ErrClusterKeyChanged
			return false
		}
		if e.sentFilter.Lookup(ref.Digest) {
			return true // already queued this sweep, e.g. overlapping passes
		}
		if err := e.sendOne(ctx, ref); err != nil {
			if cmn.Classify(err) == cmn.ClassFatal {
				sweepErr = err
				return false
			}
			// per-record staleness is a silent skip, not an abort.
			return true
		}
		e.sentFilter.InsertUnique(ref.Digest)

		if e.svc.Config.MigrateSleep > 0 {
			time.Sleep(e.svc.Config.MigrateSleep)
		}
		for e.bytesEmigrating.Load() > e.svc.Config.MaxBytesEmigrating {
			if e.isAborted() {
				sweepErr = cmn.ErrClusterKeyChanged
				return false
			}
			time.Sleep(time.Millisecond)
		}
		return true
	})
	if sweepErr != nil {
		return sweepErr
	}

	// Drain: keep sweeping the reinsert table until empty before the
	// tree-sweep caller proceeds to the next tree/DONE.
	for e.reinsert.len() > 0 {
		if e.isAborted() {
			return cmn.ErrClusterKeyChanged
		}
		if _, err := e.reinsert.sweep(e.sendLow); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func (e *Emigration) sendOne(ctx context.Context, ref *storage.RecordRef) error {
	if err := e.svc.Store.StorageRecordOpen(ref); err != nil {
		return cmn.Wrap(cmn.ClassFatal, err, "storage_record_open")
	}
	defer e.svc.Store.StorageRecordClose(ref)

	rec, err := e.svc.Store.Pickle(ctx, ref)
	if err != nil {
		return cmn.Wrap(cmn.ClassFatal, err, "pickle")
	}

	info := uint32(0)
	if rec.IsSubRecord() {
		info |= uint32(wire.InfoLDTSubrec)
		if rec.IsESR() {
			info |= uint32(wire.InfoLDTESR)
		}
		if v := e.svc.Store.LDTParentStorageGetVersion(ref); v != 0 && v != e.ldtVersion {
			// stale sub-record version: silent skip, per spec §4.4.
			return cmn.Wrap(cmn.ClassBenign, cmn.ErrQueueFull, "stale ldt version")
		}
	} else {
		info |= uint32(wire.InfoLDTRec)
	}

	// Wire compression (spec §3): a record already compressed at rest is
	// sent as-is and just flagged; otherwise Rebalance.Compression decides
	// whether sendOne compresses it here.
	recordBuf := rec.RecordBuf
	if rec.Compressed {
		info |= uint32(wire.InfoCompressed)
	} else if e.svc.Config.Rebalance.Compression && len(recordBuf) > 0 {
		recordBuf = s2.Encode(nil, recordBuf)
		info |= uint32(wire.InfoCompressed)
	}

	gen, vt := rec.Generation, rec.VoidTime
	lut := rec.LastUpdateTime
	msg := &wire.Message{
		Op:             wire.OpInsert,
		EmigID:         e.id,
		EmigInsertID:   e.insertSeq.Inc(),
		ClusterKey:     uint64(e.clusterKey),
		Digest:         rec.Digest,
		Generation:     &gen,
		VoidTime:       &vt,
		LastUpdateTime: &lut,
		Record:         recordBuf,
		Info:           &info,
	}
	if rec.RecProps != nil {
		msg.RecProps = []byte(rec.RecProps.SetName)
	}
	if rec.IsSubRecord() {
		msg.PDigest = rec.ParentDigest
		msg.EDigest = rec.ESRDigest
		ver := e.ldtVersion
		msg.Version = &ver
	}

	size := int64(len(msg.Record) + len(msg.Digest))
	e.reinsert.put(msg.EmigInsertID, msg, size)

	return retry.Do(func() error {
		switch e.svc.Fabric.Send(e.dest, msg, fabric.Low) {
		case fabric.OK:
			e.svc.Stats.RecordEvent(stats.TxMsgSent, 0)
			return nil
		case fabric.QueueFull:
			return cmn.ErrQueueFull
		default:
			return retry.Unrecoverable(cmn.ErrNoNode)
		}
	},
		retry.Attempts(0), // unlimited; only cluster-key change or NO_NODE breaks
		retry.Delay(10*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			return err == cmn.ErrQueueFull && !e.isAborted()
		}),
	)
}

func (e *Emigration) sendLow(msg *wire.Message) fabric.SendStatus {
	st := e.svc.Fabric.Send(e.dest, msg, fabric.Low)
	if st == fabric.OK {
		e.svc.Stats.RecordEvent(stats.TxMsgSent, 0)
	}
	return st
}
