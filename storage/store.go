package storage

import "context"

// RecordRef is an opened, reserved handle on one record's storage.
// The Store's RecordDone/StorageRecordClose release it; Ref is opaque to
// callers.
type RecordRef struct {
	Digest []byte
	Ref    interface{}
}

// FlattenResult mirrors the record-merge collaborator's return codes
// (spec §4.5 step 5).
type FlattenResult int

const (
	FlattenOK FlattenResult = 0
	// FlattenRace is the benign get-or-create race (-3 in the source).
	FlattenRace FlattenResult = -3
)

// Store is the storage collaborator: pickle/unpickle, record
// acquisition, and the LDT sub-record helpers, all referenced by
// interface only per spec §6.
type Store interface {
	Pickle(ctx context.Context, ref *RecordRef) (*PickledRecord, error)
	UnpickleReplace(ctx context.Context, ref *RecordRef, rec *PickledRecord) error

	RecordGet(ctx context.Context, ns string, digest []byte) (*RecordRef, bool, error)
	RecordGetCreate(ctx context.Context, ns string, digest []byte) (*RecordRef, bool /*created*/, error)
	RecordDone(ref *RecordRef)

	StorageRecordOpen(ref *RecordRef) error
	StorageRecordClose(ref *RecordRef)

	LDTSubrecGetDigests(ref *RecordRef) (parent, esr []byte)
	LDTParentStorageGetVersion(ref *RecordRef) uint64
	LDTGenerateVersion() uint64

	// Flatten merges an incoming pickled record into ns's local tree
	// under rsv, classified by component (spec §4.5 step 5).
	Flatten(ctx context.Context, ns string, rec *PickledRecord, component Component) FlattenResult

	// WalkTree reduces one of a partition's two trees (spec §3,
	// "reservation pins its two trees: main + sub-record"), invoking fn
	// for each locally-held record whose digest falls in pid out of
	// numPartitions. fn returning false stops the walk early.
	WalkTree(ctx context.Context, ns string, numPartitions, pid uint32, subTree bool, fn func(ref *RecordRef) bool) error

	// Delete removes the index entry for digest, reporting whether it
	// existed — the replica-write interlock's durable-delete/drop path
	// needs the existed flag to decide whether to notify XDR (spec §4.8).
	Delete(ctx context.Context, ns string, digest []byte) (existed bool, err error)

	// Truncate stamps ns's truncate-at watermark; TruncatedAfter reports
	// whether that watermark is newer than ts, the replica-write path's
	// "reject FORBIDDEN if the set was truncated at a later time" check
	// (spec §4.8).
	Truncate(ctx context.Context, ns string, ts uint64) error
	TruncatedAfter(ns string, ts uint64) bool
}
