package migrate

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/aerostore/migrate/cluster"
	"github.com/aerostore/migrate/fabric"
	"github.com/aerostore/migrate/migrate/wire"
	"github.com/aerostore/migrate/stats"
	"github.com/aerostore/migrate/storage"
)

// ReplicaWriteResult is a REPLICA_WRITE_ACK's status (spec §4.8).
type ReplicaWriteResult uint32

const (
	ReplicaWriteOK ReplicaWriteResult = iota
	ReplicaWriteClusterKeyMismatch
	ReplicaWriteForbidden
)

// XDR is the external-replication notifier the durable-delete/drop path
// enqueues to when a dropped record pre-existed (spec §4.8).
type XDR interface {
	NotifyDrop(ns string, digest []byte)
}

// NopXDR is the default XDR for nodes that don't configure one.
type NopXDR struct{}

func (NopXDR) NotifyDrop(string, []byte) {}

// handleReplicaWrite is the replica side of the normal write path's
// interlock: it must behave identically whether or not a migration is
// in flight for ns/pid, by consulting CheckReplicaWrite/
// CheckReplicaWriteLDT rather than special-casing migration state
// (spec §4.8).
func (s *Service) handleReplicaWrite(src string, msg *wire.Message) {
	ns, pid, ck := msg.Namespace, cluster.PartitionID(msg.Partition), cluster.Key(msg.ClusterKey)

	if s.Gate.Changed(ck) {
		s.replicaWriteAck(src, msg, ReplicaWriteClusterKeyMismatch)
		return
	}

	rsv := s.Rsvs.Reserve(ns, pid)
	defer rsv.Release()

	ctx := context.Background()
	var info wire.Info
	if msg.Info != nil {
		info = wire.Info(*msg.Info)
	}

	if info.IsDurableDelete() {
		existed, err := s.Store.Delete(ctx, ns, msg.Digest)
		if err != nil {
			s.replicaWriteAck(src, msg, ReplicaWriteForbidden)
			return
		}
		if existed {
			s.xdr.NotifyDrop(ns, msg.Digest)
		}
		s.replicaWriteAck(src, msg, ReplicaWriteOK)
		return
	}

	if msg.Version != nil {
		if s.CheckReplicaWriteLDT(pid, *msg.Version) == WriteReject {
			s.replicaWriteAck(src, msg, ReplicaWriteForbidden)
			return
		}
	}
	decision := s.CheckReplicaWrite(ns, pid)

	var lut uint64
	if msg.LastUpdateTime != nil {
		lut = *msg.LastUpdateTime
	}
	if s.Store.TruncatedAfter(ns, lut) {
		s.replicaWriteAck(src, msg, ReplicaWriteForbidden)
		return
	}

	ref, created, err := s.Store.RecordGetCreate(ctx, ns, msg.Digest)
	if err != nil {
		s.replicaWriteAck(src, msg, ReplicaWriteForbidden)
		return
	}

	rec := &storage.PickledRecord{Digest: msg.Digest, RecordBuf: msg.Record, Generation: 1}
	if msg.Generation != nil && *msg.Generation != 0 {
		rec.Generation = *msg.Generation
	}
	if msg.VoidTime != nil {
		rec.VoidTime = *msg.VoidTime
	}
	rec.LastUpdateTime = lut
	if len(msg.RecProps) > 0 {
		rec.RecProps = &storage.RecProps{SetName: string(msg.RecProps)}
	}

	if !created && decision == WriteMerge {
		if existing, ok := ref.Ref.(*storage.PickledRecord); ok {
			if existing.Generation > rec.Generation ||
				(existing.Generation == rec.Generation && existing.LastUpdateTime >= rec.LastUpdateTime) {
				// an immigration already landed a newer or equal copy of
				// this record: ack success without overwriting it.
				s.Store.RecordDone(ref)
				s.replicaWriteAck(src, msg, ReplicaWriteOK)
				return
			}
		}
	}

	if err := s.Store.UnpickleReplace(ctx, ref, rec); err != nil {
		if created {
			_, _ = s.Store.Delete(ctx, ns, msg.Digest) // roll back the get-or-create
		}
		s.replicaWriteAck(src, msg, ReplicaWriteForbidden)
		return
	}
	s.Store.RecordDone(ref)
	s.replicaWriteAck(src, msg, ReplicaWriteOK)
}

func (s *Service) replicaWriteAck(dest string, msg *wire.Message, result ReplicaWriteResult) {
	r := uint32(result)
	ack := &wire.Message{Op: wire.OpReplicaWriteAck, Digest: msg.Digest, NsID: msg.NsID, TID: msg.TID, Result: &r}
	s.Fabric.Send(dest, ack, fabric.Medium)
	s.Stats.RecordEvent(stats.TxMsgSent, 0)
}

// rwKey identifies one outstanding rw_request by the tuple the spec
// matches acks on: (ns_id, digest, tid).
type rwKey struct {
	nsID   uint32
	digest string
	tid    uint32
}

// rwRequest tracks per-destination completion for one outstanding
// replica write (spec §4.8, "per-destination completion flags").
type rwRequest struct {
	mu             sync.Mutex
	acked          map[string]bool
	masterComplete bool
	master         string
	result         ReplicaWriteResult
	done           chan ReplicaWriteResult
}

// ReplicaWriteTracker is the sender side of the replica-write interlock:
// it ships OP=REPLICA_WRITE to every destination and matches
// OP=REPLICA_WRITE_ACK back to the originating request.
type ReplicaWriteTracker struct {
	svc *Service

	mu     sync.Mutex
	reqs   map[rwKey]*rwRequest
	tidSeq atomic.Uint32
}

func newReplicaWriteTracker(svc *Service) *ReplicaWriteTracker {
	return &ReplicaWriteTracker{svc: svc, reqs: make(map[rwKey]*rwRequest)}
}

// SendReplicaWrite ships rec as a replica write to every destination and
// blocks until all of them have acked, or — if masterComplete is set —
// until destinations[0] alone has acked (spec §4.8's master-complete
// early-notify option).
func (t *ReplicaWriteTracker) SendReplicaWrite(ctx context.Context, nsID uint32, ns string, pid cluster.PartitionID, ck cluster.Key, rec *storage.PickledRecord, infoBits uint32, destinations []string, masterComplete bool) (ReplicaWriteResult, error) {
	if len(destinations) == 0 {
		return ReplicaWriteOK, nil
	}
	tid := t.tidSeq.Inc()
	key := rwKey{nsID: nsID, digest: string(rec.Digest), tid: tid}
	req := &rwRequest{
		acked:          make(map[string]bool, len(destinations)),
		masterComplete: masterComplete,
		master:         destinations[0],
		done:           make(chan ReplicaWriteResult, 1),
	}
	for _, d := range destinations {
		req.acked[d] = false
	}
	t.mu.Lock()
	t.reqs[key] = req
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.reqs, key)
		t.mu.Unlock()
	}()

	gen, vt, lut := rec.Generation, rec.VoidTime, rec.LastUpdateTime
	nsIDv, tidv := nsID, tid
	msg := &wire.Message{
		Op:             wire.OpReplicaWrite,
		ClusterKey:     uint64(ck),
		Namespace:      ns,
		Partition:      uint32(pid),
		Digest:         rec.Digest,
		Generation:     &gen,
		VoidTime:       &vt,
		LastUpdateTime: &lut,
		Record:         rec.RecordBuf,
		Info:           &infoBits,
		NsID:           &nsIDv,
		TID:            &tidv,
	}
	if rec.RecProps != nil {
		msg.RecProps = []byte(rec.RecProps.SetName)
	}

	for _, d := range destinations {
		if t.svc.Fabric.Send(d, msg, fabric.Medium) == fabric.OK {
			t.svc.Stats.RecordEvent(stats.TxMsgSent, 0)
		}
	}

	select {
	case res := <-req.done:
		return res, nil
	case <-ctx.Done():
		return ReplicaWriteOK, ctx.Err()
	}
}

// ack matches an incoming REPLICA_WRITE_ACK to its pending request by
// (ns_id, digest, tid) and signals the origin once every destination
// has acked, or immediately on a master-complete ack.
func (t *ReplicaWriteTracker) ack(msg *wire.Message, src string) {
	if msg.NsID == nil || msg.TID == nil {
		return
	}
	key := rwKey{nsID: *msg.NsID, digest: string(msg.Digest), tid: *msg.TID}
	t.mu.Lock()
	req, ok := t.reqs[key]
	t.mu.Unlock()
	if !ok {
		return // request already completed or never sent by this node
	}

	result := ReplicaWriteOK
	if msg.Result != nil {
		result = ReplicaWriteResult(*msg.Result)
	}

	req.mu.Lock()
	if _, known := req.acked[src]; known {
		req.acked[src] = true
	}
	if result != ReplicaWriteOK && req.result == ReplicaWriteOK {
		req.result = result
	}
	allAcked := true
	for _, acked := range req.acked {
		if !acked {
			allAcked = false
			break
		}
	}
	masterAcked := req.masterComplete && src == req.master
	final := req.result
	notify := allAcked || masterAcked
	req.mu.Unlock()

	if notify {
		select {
		case req.done <- final:
		default:
		}
	}
}
