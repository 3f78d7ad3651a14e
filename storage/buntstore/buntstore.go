// Package buntstore is the reference storage collaborator: an embedded,
// B-tree-indexed key-value engine (tidwall/buntdb) standing in for the
// out-of-scope on-disk record representation. It exists so the
// migration engine has something real to pickle, unpickle, and merge
// against in tests and the migratectl demo — it defines no durable
// on-disk format (spec Non-goals).
/*
 * Copyright (c) 2024, Aerostore. All rights reserved.
 */
package buntstore

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/aerostore/migrate/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is a namespace-scoped buntdb-backed Store.
type Store struct {
	mu sync.Mutex
	db *buntdb.DB

	nextVersion uint64
	truncatedAt map[string]uint64 // ns -> last Truncate(ns, ts) watermark
}

func New() (*Store, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &Store{db: db, truncatedAt: make(map[string]uint64)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func dbKey(ns string, digest []byte) string {
	return ns + ":" + hex.EncodeToString(digest)
}

// Put seeds a record directly (test/demo helper — the emigration sweep
// in a real node would instead open existing storage under reservation).
func (s *Store) Put(ns string, rec storage.PickledRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(dbKey(ns, rec.Digest), string(buf), nil)
		return err
	})
}

// Get returns the stored record, mainly for assertions in tests.
func (s *Store) Get(ns string, digest []byte) (storage.PickledRecord, bool) {
	var rec storage.PickledRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(dbKey(ns, digest))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(v), &rec)
	})
	if err != nil {
		return storage.PickledRecord{}, false
	}
	return rec, true
}

// Count returns the number of records held for ns (test helper).
func (s *Store) Count(ns string) int {
	n := 0
	prefix := ns + ":"
	_ = s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(_, _ string) bool {
			n++
			return true
		})
	})
	return n
}

// WalkTree reduces the records held for ns whose digest prefix maps to pid
// (storage.PartitionOf),
// filtered to sub-records or parents by subTree.
func (s *Store) WalkTree(_ context.Context, ns string, numPartitions, pid uint32, subTree bool, fn func(ref *storage.RecordRef) bool) error {
	prefix := ns + ":"
	var refs []*storage.RecordRef
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(_, v string) bool {
			var rec storage.PickledRecord
			if err := json.Unmarshal([]byte(v), &rec); err != nil {
				return true
			}
			if storage.PartitionOf(rec.Digest, numPartitions) != pid {
				return true
			}
			if rec.IsSubRecord() != subTree {
				return true
			}
			cp := rec
			refs = append(refs, &storage.RecordRef{Digest: rec.Digest, Ref: &cp})
			return true
		})
	})
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if !fn(ref) {
			break
		}
	}
	return nil
}

// interface guard
var _ storage.Store = (*Store)(nil)

func (s *Store) Pickle(_ context.Context, ref *storage.RecordRef) (*storage.PickledRecord, error) {
	rec := ref.Ref.(*storage.PickledRecord)
	cp := *rec
	return &cp, nil
}

func (s *Store) UnpickleReplace(_ context.Context, ref *storage.RecordRef, rec *storage.PickledRecord) error {
	r := ref.Ref.(*storage.PickledRecord)
	*r = *rec
	return nil
}

func (s *Store) RecordGet(_ context.Context, ns string, digest []byte) (*storage.RecordRef, bool, error) {
	rec, ok := s.Get(ns, digest)
	if !ok {
		return nil, false, nil
	}
	cp := rec
	return &storage.RecordRef{Digest: digest, Ref: &cp}, true, nil
}

func (s *Store) RecordGetCreate(ctx context.Context, ns string, digest []byte) (*storage.RecordRef, bool, error) {
	if ref, ok, _ := s.RecordGet(ctx, ns, digest); ok {
		return ref, false, nil
	}
	rec := &storage.PickledRecord{Digest: digest, Generation: 1, LastUpdateTime: uint64(time.Now().UnixNano())}
	if err := s.Put(ns, *rec); err != nil {
		return nil, false, err
	}
	return &storage.RecordRef{Digest: digest, Ref: rec}, true, nil
}

func (s *Store) RecordDone(*storage.RecordRef) {}

func (s *Store) StorageRecordOpen(*storage.RecordRef) error { return nil }
func (s *Store) StorageRecordClose(*storage.RecordRef)      {}

func (s *Store) LDTSubrecGetDigests(ref *storage.RecordRef) (parent, esr []byte) {
	rec := ref.Ref.(*storage.PickledRecord)
	return rec.ParentDigest, rec.ESRDigest
}

func (s *Store) LDTParentStorageGetVersion(ref *storage.RecordRef) uint64 {
	rec := ref.Ref.(*storage.PickledRecord)
	return rec.Version
}

// LDTGenerateVersion hands out this Store's plain monotone counter (1,
// 2, 3, ...), with no entropy mixed in. Emigration does not call it: its
// LDT version comes from the uuid-backed versionGen in package migrate.
func (s *Store) LDTGenerateVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextVersion++
	return s.nextVersion
}

// Flatten merges rec into ns's tree, newest (generation, last-update-time)
// wins — invariant 1's at-most-once-effective-delivery guarantee. The
// generation-0-coerced-to-1 rule (spec §4.5 step 2) is the caller's job
// (handle_insert), not this collaborator's: Flatten only ever sees an
// already-normalized generation.
func (s *Store) Flatten(_ context.Context, ns string, rec *storage.PickledRecord, _ storage.Component) storage.FlattenResult {
	if len(rec.RecordBuf) == 0 {
		// Empty-bins pickle: dropped, never stored (spec §4.5 step 4);
		// the caller logs the warning, we just decline the write.
		return storage.FlattenRace
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.Get(ns, rec.Digest)
	if ok {
		if existing.Generation > rec.Generation {
			return storage.FlattenOK // already newer locally, nothing to do
		}
		if existing.Generation == rec.Generation && existing.LastUpdateTime >= rec.LastUpdateTime {
			return storage.FlattenOK // duplicate delivery
		}
	}
	if err := s.Put(ns, *rec); err != nil {
		return storage.FlattenResult(-1)
	}
	return storage.FlattenOK
}

// Delete removes digest's index entry, reporting whether it existed
// (spec §4.8's durable-delete/drop path).
func (s *Store) Delete(_ context.Context, ns string, digest []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existed bool
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(dbKey(ns, digest))
		if err == buntdb.ErrNotFound {
			return nil
		}
		existed = err == nil
		return err
	})
	return existed, err
}

// Truncate stamps ns's truncate-at watermark.
func (s *Store) Truncate(_ context.Context, ns string, ts uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.truncatedAt[ns] {
		s.truncatedAt[ns] = ts
	}
	return nil
}

// TruncatedAfter reports whether ns was truncated at a later time than
// ts, the replica-write path's FORBIDDEN check (spec §4.8).
func (s *Store) TruncatedAfter(ns string, ts uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncatedAt[ns] > ts
}
