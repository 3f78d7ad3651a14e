package migrate

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerostore/migrate/cluster"
	"github.com/aerostore/migrate/cmn"
	"github.com/aerostore/migrate/fabric"
	"github.com/aerostore/migrate/migrate/wire"
	"github.com/aerostore/migrate/stats"
	"github.com/aerostore/migrate/storage"
)

// fakeStore is a minimal, fully in-memory storage.Store whose
// UnpickleReplace and TruncatedAfter behavior is controllable per test,
// so the replica-write interlock's FORBIDDEN/rollback paths can be
// exercised without a real unpickle failure mode in buntstore.
type fakeStore struct {
	mu          sync.Mutex
	recs        map[string]*storage.PickledRecord
	truncatedAt map[string]uint64
	failUnpickle map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recs:         make(map[string]*storage.PickledRecord),
		truncatedAt:  make(map[string]uint64),
		failUnpickle: make(map[string]bool),
	}
}

func fsKey(ns string, digest []byte) string { return ns + ":" + string(digest) }

func (f *fakeStore) Pickle(context.Context, *storage.RecordRef) (*storage.PickledRecord, error) {
	return nil, nil
}
func (f *fakeStore) UnpickleReplace(_ context.Context, ref *storage.RecordRef, rec *storage.PickledRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUnpickle[string(rec.Digest)] {
		return fmt.Errorf("forced unpickle failure")
	}
	cp := *rec
	r := ref.Ref.(*storage.PickledRecord)
	*r = cp
	return nil
}
func (f *fakeStore) RecordGet(_ context.Context, ns string, digest []byte) (*storage.RecordRef, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[fsKey(ns, digest)]
	if !ok {
		return nil, false, nil
	}
	return &storage.RecordRef{Digest: digest, Ref: rec}, true, nil
}
func (f *fakeStore) RecordGetCreate(_ context.Context, ns string, digest []byte) (*storage.RecordRef, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fsKey(ns, digest)
	if rec, ok := f.recs[k]; ok {
		return &storage.RecordRef{Digest: digest, Ref: rec}, false, nil
	}
	rec := &storage.PickledRecord{Digest: digest, Generation: 1}
	f.recs[k] = rec
	return &storage.RecordRef{Digest: digest, Ref: rec}, true, nil
}
func (f *fakeStore) RecordDone(*storage.RecordRef)             {}
func (f *fakeStore) StorageRecordOpen(*storage.RecordRef) error { return nil }
func (f *fakeStore) StorageRecordClose(*storage.RecordRef)      {}
func (f *fakeStore) LDTSubrecGetDigests(*storage.RecordRef) (parent, esr []byte) { return nil, nil }
func (f *fakeStore) LDTParentStorageGetVersion(*storage.RecordRef) uint64        { return 0 }
func (f *fakeStore) LDTGenerateVersion() uint64                                  { return 1 }
func (f *fakeStore) Flatten(context.Context, string, *storage.PickledRecord, storage.Component) storage.FlattenResult {
	return storage.FlattenOK
}
func (f *fakeStore) WalkTree(context.Context, string, uint32, uint32, bool, func(*storage.RecordRef) bool) error {
	return nil
}
func (f *fakeStore) Delete(_ context.Context, ns string, digest []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fsKey(ns, digest)
	_, existed := f.recs[k]
	delete(f.recs, k)
	return existed, nil
}
func (f *fakeStore) Truncate(_ context.Context, ns string, ts uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts > f.truncatedAt[ns] {
		f.truncatedAt[ns] = ts
	}
	return nil
}
func (f *fakeStore) TruncatedAfter(ns string, ts uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.truncatedAt[ns] > ts
}

var _ storage.Store = (*fakeStore)(nil)

type recordingXDR struct {
	mu      sync.Mutex
	dropped [][]byte
}

func (x *recordingXDR) NotifyDrop(_ string, digest []byte) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.dropped = append(x.dropped, digest)
}

func newReplicaWriteTestService(t *testing.T, fb fabric.Fabric, st *fakeStore) *Service {
	t.Helper()
	cfg := &cmn.Config{NMigrateThreads: 1, MaxBytesEmigrating: 1 << 20, MigrateRetransmitMS: 1000, MigrateRetransmitStartDoneMS: 1000, MigrateRxLifetimeMS: 60_000}
	svc := New(cfg, "dst", 1, fb, st, cluster.NewMemRebalance(), cluster.NewGate(1), stats.NewRegistry(nil))
	t.Cleanup(svc.Stop)
	return svc
}

func TestHandleReplicaWriteClusterKeyMismatch(t *testing.T) {
	fb := &recordingFabric{}
	st := newFakeStore()
	svc := newReplicaWriteTestService(t, fb, st)
	svc.Gate.Set(svc.Gate.Current() + 1) // simulate a view change past the sender's captured key

	svc.handleReplicaWrite("src", &wire.Message{
		Op: wire.OpReplicaWrite, Namespace: "ns", Partition: 0,
		ClusterKey: uint64(svc.Gate.Current()) - 1, Digest: []byte{1},
	})

	ack := fb.last()
	require.NotNil(t, ack)
	assert.Equal(t, wire.OpReplicaWriteAck, ack.Op)
	require.NotNil(t, ack.Result)
	assert.EqualValues(t, ReplicaWriteClusterKeyMismatch, *ack.Result)
}

func TestHandleReplicaWriteDurableDeleteNotifiesXDRWhenExisted(t *testing.T) {
	fb := &recordingFabric{}
	st := newFakeStore()
	svc := newReplicaWriteTestService(t, fb, st)
	xdr := &recordingXDR{}
	svc.SetXDR(xdr)
	ck := uint64(svc.Gate.Current())

	_, _, _ = st.RecordGetCreate(context.Background(), "ns", []byte{2})

	info := uint32(wire.InfoDurableDelete)
	svc.handleReplicaWrite("src", &wire.Message{
		Op: wire.OpReplicaWrite, Namespace: "ns", Partition: 0,
		ClusterKey: ck, Digest: []byte{2}, Info: &info,
	})

	ack := fb.last()
	require.NotNil(t, ack)
	require.NotNil(t, ack.Result)
	assert.EqualValues(t, ReplicaWriteOK, *ack.Result)
	assert.Len(t, xdr.dropped, 1)

	_, existed, _ := st.RecordGet(context.Background(), "ns", []byte{2})
	assert.False(t, existed)
}

func TestHandleReplicaWriteDurableDeleteSkipsXDRWhenAbsent(t *testing.T) {
	fb := &recordingFabric{}
	st := newFakeStore()
	svc := newReplicaWriteTestService(t, fb, st)
	xdr := &recordingXDR{}
	svc.SetXDR(xdr)
	ck := uint64(svc.Gate.Current())

	info := uint32(wire.InfoDurableDelete)
	svc.handleReplicaWrite("src", &wire.Message{
		Op: wire.OpReplicaWrite, Namespace: "ns", Partition: 0,
		ClusterKey: ck, Digest: []byte{3}, Info: &info,
	})

	assert.Empty(t, xdr.dropped, "no XDR notification when the dropped record never existed")
}

func TestHandleReplicaWriteTruncateCheckForbidden(t *testing.T) {
	fb := &recordingFabric{}
	st := newFakeStore()
	svc := newReplicaWriteTestService(t, fb, st)
	ck := uint64(svc.Gate.Current())
	require.NoError(t, st.Truncate(context.Background(), "ns", 1000))

	lut := uint64(500)
	svc.handleReplicaWrite("src", &wire.Message{
		Op: wire.OpReplicaWrite, Namespace: "ns", Partition: 0,
		ClusterKey: ck, Digest: []byte{4}, LastUpdateTime: &lut, Record: []byte("x"),
	})

	ack := fb.last()
	require.NotNil(t, ack)
	require.NotNil(t, ack.Result)
	assert.EqualValues(t, ReplicaWriteForbidden, *ack.Result)
}

func TestHandleReplicaWriteRollsBackCreateOnUnpickleFailure(t *testing.T) {
	fb := &recordingFabric{}
	st := newFakeStore()
	st.failUnpickle[string([]byte{5})] = true
	svc := newReplicaWriteTestService(t, fb, st)
	ck := uint64(svc.Gate.Current())

	lut := uint64(1)
	svc.handleReplicaWrite("src", &wire.Message{
		Op: wire.OpReplicaWrite, Namespace: "ns", Partition: 0,
		ClusterKey: ck, Digest: []byte{5}, LastUpdateTime: &lut, Record: []byte("x"),
	})

	ack := fb.last()
	require.NotNil(t, ack)
	require.NotNil(t, ack.Result)
	assert.EqualValues(t, ReplicaWriteForbidden, *ack.Result)

	_, existed, _ := st.RecordGet(context.Background(), "ns", []byte{5})
	assert.False(t, existed, "the get-or-create'd entry must be rolled back on unpickle failure")
}

func TestHandleReplicaWriteOKWritesRecord(t *testing.T) {
	fb := &recordingFabric{}
	st := newFakeStore()
	svc := newReplicaWriteTestService(t, fb, st)
	ck := uint64(svc.Gate.Current())

	lut := uint64(1)
	svc.handleReplicaWrite("src", &wire.Message{
		Op: wire.OpReplicaWrite, Namespace: "ns", Partition: 0,
		ClusterKey: ck, Digest: []byte{6}, LastUpdateTime: &lut, Record: []byte("ok"),
	})

	ack := fb.last()
	require.NotNil(t, ack)
	require.NotNil(t, ack.Result)
	assert.EqualValues(t, ReplicaWriteOK, *ack.Result)

	ref, existed, _ := st.RecordGet(context.Background(), "ns", []byte{6})
	require.True(t, existed)
	assert.Equal(t, "ok", string(ref.Ref.(*storage.PickledRecord).RecordBuf))
}

// ackingFabric answers every OP=REPLICA_WRITE send with a synthetic
// OP=REPLICA_WRITE_ACK carrying a caller-supplied result, routed back
// through the owning Service's rwTracker — simulating a remote replica.
type ackingFabric struct {
	mu     sync.Mutex
	svc    *Service
	result ReplicaWriteResult
}

func (a *ackingFabric) Send(node string, msg *wire.Message, _ fabric.Channel) fabric.SendStatus {
	if msg.Op == wire.OpReplicaWrite {
		r := uint32(a.result)
		a.svc.rwTracker.ack(&wire.Message{
			Op: wire.OpReplicaWriteAck, NsID: msg.NsID, Digest: msg.Digest, TID: msg.TID, Result: &r,
		}, node)
	}
	return fabric.OK
}
func (a *ackingFabric) RegisterHandler(fabric.Handler) {}

func TestSendReplicaWriteMatchesAckByTuple(t *testing.T) {
	st := newFakeStore()
	af := &ackingFabric{result: ReplicaWriteOK}
	svc := newReplicaWriteTestService(t, af, st)
	af.svc = svc

	nsID := uint32(7)
	rec := &storage.PickledRecord{Digest: []byte{7}, Generation: 1, RecordBuf: []byte("v")}
	result, err := svc.rwTracker.SendReplicaWrite(context.Background(), nsID, "ns", 0, svc.Gate.Current(), rec, 0, []string{"replica-a", "replica-b"}, false)
	require.NoError(t, err)
	assert.Equal(t, ReplicaWriteOK, result)
}

func TestSendReplicaWriteMasterCompleteNotifiesEarly(t *testing.T) {
	st := newFakeStore()
	af := &ackingFabric{result: ReplicaWriteOK}
	svc := newReplicaWriteTestService(t, af, st)
	af.svc = svc

	rec := &storage.PickledRecord{Digest: []byte{8}, Generation: 1, RecordBuf: []byte("v")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result, err := svc.rwTracker.SendReplicaWrite(ctx, 1, "ns", 0, svc.Gate.Current(), rec, 0, []string{"replica-a", "replica-b"}, true)
	require.NoError(t, err)
	assert.Equal(t, ReplicaWriteOK, result)
}
