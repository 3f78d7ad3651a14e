// Package wire is the fabric codec: the single MIGRATE wire type whose
// fields form a sparse, presence-optional bag (spec §4.1). Encoding is
// hand-written against tinylib/msgp's low-level Writer/Reader so the
// wire stays a compact msgpack map keyed by the stable numeric field
// ids below — no code generation involved.
/*
 * Copyright (c) 2024, Aerostore. All rights reserved.
 */
package wire

import (
	"io"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// Op is the MIGRATE message's operation code.
type Op uint32

const (
	OpInsert Op = iota
	OpInsertAck
	OpStart
	OpStartAckOK
	OpStartAckEagain
	OpStartAckFail
	OpStartAckAlreadyDone
	OpDone
	OpDoneAck
	// OpReplicaWrite/OpReplicaWriteAck carry the replica-write interlock's
	// traffic: a normal-write-path replica write and its matched ack.
	OpReplicaWrite
	OpReplicaWriteAck
)

// Info is a bitfield describing the kind of record an INSERT or replica
// write carries.
type Info uint32

const (
	InfoLDTRec Info = 1 << iota
	InfoLDTSubrec
	InfoLDTESR
	// InfoCompressed marks RECORD as s2-block-compressed on the wire
	// (ambient addition, Rebalance.Compression).
	InfoCompressed
	// InfoDurableDelete marks a replica write as a durable delete/drop
	// pickle rather than an ordinary write (spec §4.8).
	InfoDurableDelete
)

func (i Info) IsSubrec() bool     { return i&(InfoLDTSubrec|InfoLDTESR) != 0 }
func (i Info) IsESR() bool        { return i&InfoLDTESR != 0 }
func (i Info) IsCompressed() bool { return i&InfoCompressed != 0 }
func (i Info) IsDurableDelete() bool { return i&InfoDurableDelete != 0 }

// field ids: stable, numeric, and intentionally sparse on the wire.
const (
	fOp uint32 = iota
	fEmigID
	fEmigInsertID
	fNamespace
	fPartition
	fClusterKey
	fDigest
	fGeneration
	fVoidTime
	fLastUpdateTime
	fRecord
	fRecProps
	fInfo
	fVersion
	fPDigest
	fEDigest
	fPGeneration
	fPVoidTime
	fNsID
	fTID
	fResult
)

// Message is the decoded, presence-optional MIGRATE bag. A nil pointer
// field means "absent on the wire", matching spec §4.1's wire-
// compatibility rule: older peers that never set INFO/VERSION are
// treated by the receiver as carrying a normal record.
type Message struct {
	Op            Op
	EmigID        uint32
	EmigInsertID  uint32
	Namespace     string
	Partition     uint32
	ClusterKey    uint64
	Digest        []byte
	Generation    *uint32
	VoidTime      *uint32
	LastUpdateTime *uint64
	Record        []byte
	RecProps      []byte
	Info          *uint32
	Version       *uint64
	PDigest       []byte
	EDigest       []byte
	PGeneration   *uint32
	PVoidTime     *uint32
	NsID          *uint32
	TID           *uint32
	// Result carries an OP=REPLICA_WRITE_ACK's status (spec §4.8):
	// ReplicaWriteOK / ReplicaWriteClusterKeyMismatch / ReplicaWriteForbidden.
	Result *uint32
}

// EncodeMsg writes m as a sparse msgpack map: {fieldID: value}.
func (m *Message) EncodeMsg(w io.Writer) error {
	mw := msgp.NewWriter(w)
	n := uint32(3) // Op, EmigID, EmigInsertID are always sent
	if m.Namespace != "" {
		n++
	}
	if m.Partition != 0 {
		n++
	}
	if m.ClusterKey != 0 {
		n++
	}
	if m.Digest != nil {
		n++
	}
	if m.Generation != nil {
		n++
	}
	if m.VoidTime != nil {
		n++
	}
	if m.LastUpdateTime != nil {
		n++
	}
	if m.Record != nil {
		n++
	}
	if m.RecProps != nil {
		n++
	}
	if m.Info != nil {
		n++
	}
	if m.Version != nil {
		n++
	}
	if m.PDigest != nil {
		n++
	}
	if m.EDigest != nil {
		n++
	}
	if m.PGeneration != nil {
		n++
	}
	if m.PVoidTime != nil {
		n++
	}
	if m.NsID != nil {
		n++
	}
	if m.TID != nil {
		n++
	}
	if m.Result != nil {
		n++
	}

	if err := mw.WriteMapHeader(n); err != nil {
		return err
	}
	writeU32Field(mw, fOp, uint32(m.Op))
	writeU32Field(mw, fEmigID, m.EmigID)
	writeU32Field(mw, fEmigInsertID, m.EmigInsertID)
	if m.Namespace != "" {
		_ = mw.WriteUint32(fNamespace)
		_ = mw.WriteString(m.Namespace)
	}
	if m.Partition != 0 {
		writeU32Field(mw, fPartition, m.Partition)
	}
	if m.ClusterKey != 0 {
		_ = mw.WriteUint32(fClusterKey)
		_ = mw.WriteUint64(m.ClusterKey)
	}
	if m.Digest != nil {
		_ = mw.WriteUint32(fDigest)
		_ = mw.WriteBytes(m.Digest)
	}
	if m.Generation != nil {
		writeU32Field(mw, fGeneration, *m.Generation)
	}
	if m.VoidTime != nil {
		writeU32Field(mw, fVoidTime, *m.VoidTime)
	}
	if m.LastUpdateTime != nil {
		_ = mw.WriteUint32(fLastUpdateTime)
		_ = mw.WriteUint64(*m.LastUpdateTime)
	}
	if m.Record != nil {
		_ = mw.WriteUint32(fRecord)
		_ = mw.WriteBytes(m.Record)
	}
	if m.RecProps != nil {
		_ = mw.WriteUint32(fRecProps)
		_ = mw.WriteBytes(m.RecProps)
	}
	if m.Info != nil {
		writeU32Field(mw, fInfo, *m.Info)
	}
	if m.Version != nil {
		_ = mw.WriteUint32(fVersion)
		_ = mw.WriteUint64(*m.Version)
	}
	if m.PDigest != nil {
		_ = mw.WriteUint32(fPDigest)
		_ = mw.WriteBytes(m.PDigest)
	}
	if m.EDigest != nil {
		_ = mw.WriteUint32(fEDigest)
		_ = mw.WriteBytes(m.EDigest)
	}
	if m.PGeneration != nil {
		writeU32Field(mw, fPGeneration, *m.PGeneration)
	}
	if m.PVoidTime != nil {
		writeU32Field(mw, fPVoidTime, *m.PVoidTime)
	}
	if m.NsID != nil {
		writeU32Field(mw, fNsID, *m.NsID)
	}
	if m.TID != nil {
		writeU32Field(mw, fTID, *m.TID)
	}
	if m.Result != nil {
		writeU32Field(mw, fResult, *m.Result)
	}
	return mw.Flush()
}

func writeU32Field(mw *msgp.Writer, id, v uint32) {
	_ = mw.WriteUint32(id)
	_ = mw.WriteUint32(v)
}

// DecodeMsg parses a sparse msgpack map back into m. Unknown field ids
// are skipped (forward-compatible with newer senders); a missing OP is
// a decode error (the only field the spec requires unconditionally).
func (m *Message) DecodeMsg(r io.Reader) error {
	mr := msgp.NewReader(r)
	n, err := mr.ReadMapHeader()
	if err != nil {
		return err
	}
	haveOp := false
	for i := uint32(0); i < n; i++ {
		id, err := mr.ReadUint32()
		if err != nil {
			return err
		}
		switch id {
		case fOp:
			v, err := mr.ReadUint32()
			if err != nil {
				return err
			}
			m.Op = Op(v)
			haveOp = true
		case fEmigID:
			if m.EmigID, err = mr.ReadUint32(); err != nil {
				return err
			}
		case fEmigInsertID:
			if m.EmigInsertID, err = mr.ReadUint32(); err != nil {
				return err
			}
		case fNamespace:
			if m.Namespace, err = mr.ReadString(); err != nil {
				return err
			}
		case fPartition:
			if m.Partition, err = mr.ReadUint32(); err != nil {
				return err
			}
		case fClusterKey:
			if m.ClusterKey, err = mr.ReadUint64(); err != nil {
				return err
			}
		case fDigest:
			if m.Digest, err = mr.ReadBytes(nil); err != nil {
				return err
			}
		case fGeneration:
			v, err := mr.ReadUint32()
			if err != nil {
				return err
			}
			m.Generation = &v
		case fVoidTime:
			v, err := mr.ReadUint32()
			if err != nil {
				return err
			}
			m.VoidTime = &v
		case fLastUpdateTime:
			v, err := mr.ReadUint64()
			if err != nil {
				return err
			}
			m.LastUpdateTime = &v
		case fRecord:
			if m.Record, err = mr.ReadBytes(nil); err != nil {
				return err
			}
		case fRecProps:
			if m.RecProps, err = mr.ReadBytes(nil); err != nil {
				return err
			}
		case fInfo:
			v, err := mr.ReadUint32()
			if err != nil {
				return err
			}
			m.Info = &v
		case fVersion:
			v, err := mr.ReadUint64()
			if err != nil {
				return err
			}
			m.Version = &v
		case fPDigest:
			if m.PDigest, err = mr.ReadBytes(nil); err != nil {
				return err
			}
		case fEDigest:
			if m.EDigest, err = mr.ReadBytes(nil); err != nil {
				return err
			}
		case fPGeneration:
			v, err := mr.ReadUint32()
			if err != nil {
				return err
			}
			m.PGeneration = &v
		case fPVoidTime:
			v, err := mr.ReadUint32()
			if err != nil {
				return err
			}
			m.PVoidTime = &v
		case fNsID:
			v, err := mr.ReadUint32()
			if err != nil {
				return err
			}
			m.NsID = &v
		case fTID:
			v, err := mr.ReadUint32()
			if err != nil {
				return err
			}
			m.TID = &v
		case fResult:
			v, err := mr.ReadUint32()
			if err != nil {
				return err
			}
			m.Result = &v
		default:
			if err := mr.Skip(); err != nil {
				return err
			}
		}
	}
	if !haveOp {
		return errors.New("wire: MIGRATE message missing OP field")
	}
	return nil
}
