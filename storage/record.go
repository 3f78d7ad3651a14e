// Package storage is the storage collaborator referenced by interface
// in the spec (on-disk/in-memory record representation, pickle/unpickle,
// storage reservation). buntstore is a reference implementation backed
// by tidwall/buntdb used by tests and the demo CLI; it does not define
// an on-disk format (an explicit Non-goal).
/*
 * Copyright (c) 2024, Aerostore. All rights reserved.
 */
package storage

import "encoding/binary"

// PartitionOf derives a partition id from a digest's prefix, per the
// glossary ("partition id is derived from its prefix") — a direct
// extraction, not a hash.
func PartitionOf(digest []byte, numPartitions uint32) uint32 {
	if len(digest) < 4 || numPartitions == 0 {
		return 0
	}
	return binary.BigEndian.Uint32(digest[:4]) % numPartitions
}

// RecPropsFlag bits live inside the opaque RecProps bag. A pickled
// record is classified by inspecting these, never by a separate tag,
// matching spec §4.2 ("a utility predicates a pickled record as
// parent/sub-record/ESR by inspecting a bit in rec_props").
type RecPropsFlag uint8

const (
	FlagSubRecord RecPropsFlag = 1 << iota
	FlagESR
)

// RecProps is the optional properties bag: set name, stored key, and
// LDT type flags. The predicates below read only Flags.
type RecProps struct {
	SetName   string
	StoredKey []byte
	Flags     RecPropsFlag
}

func (p *RecProps) has(f RecPropsFlag) bool { return p != nil && p.Flags&f != 0 }

// PickledRecord is the immutable migration unit: already-serialized
// record payload plus metadata (spec §3 "Pickled record").
type PickledRecord struct {
	Digest         []byte
	Generation     uint32
	VoidTime       uint32
	LastUpdateTime uint64
	RecordBuf      []byte
	RecProps       *RecProps

	// Sub-record extras; zero values mean "not a sub-record".
	ParentDigest []byte
	ESRDigest    []byte
	Version      uint64

	// Compressed marks RecordBuf as already s2-block-compressed at rest,
	// so sendOne forwards it unchanged instead of compressing again
	// (spec §3, Rebalance.Compression).
	Compressed bool
}

func (r *PickledRecord) IsSubRecord() bool { return r.RecProps.has(FlagSubRecord) }
func (r *PickledRecord) IsESR() bool       { return r.RecProps.has(FlagESR) }
func (r *PickledRecord) IsParent() bool    { return !r.IsSubRecord() }

// Component classifies an incoming INSERT the way handle_insert does
// (spec §4.5 step 3): derived from the wire INFO bitfield, not RecProps,
// since the receiver hasn't necessarily unpickled RecProps yet.
type Component int

const (
	ComponentNormal Component = iota
	ComponentParent
	ComponentSubRecord
	ComponentESR
)
