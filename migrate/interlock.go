package migrate

import "github.com/aerostore/migrate/cluster"

// ReplicaWriteDecision tells the live-write path (outside this repo)
// how to reconcile a write racing an in-flight immigration for the
// same partition (spec §4.5 closing note on the replica-write
// interlock).
type ReplicaWriteDecision int

const (
	// WriteProceed: no immigration in flight for this partition: write normally.
	WriteProceed ReplicaWriteDecision = iota
	// WriteMerge: an immigration is in flight; the write must merge
	// through Flatten rather than overwrite, or the migrated copy it
	// raced against is lost.
	WriteMerge
	// WriteReject: the write names an LDT version that no longer
	// matches the immigration's incoming version; caller should
	// answer FORBIDDEN rather than apply it.
	WriteReject
)

// CheckReplicaWrite is the interlock's entry point for an ordinary
// (non-LDT) write: it answers whether ns/pid currently has an active
// immigration under the live cluster key.
func (s *Service) CheckReplicaWrite(ns string, pid cluster.PartitionID) ReplicaWriteDecision {
	decision := WriteProceed
	s.immigrations.each(func(imm *Immigration) {
		if imm.ns != ns || imm.pid != pid {
			return
		}
		if s.Gate.Changed(imm.clusterKey) {
			return // stale immigration, cluster already moved past it
		}
		decision = WriteMerge
	})
	return decision
}

// CheckReplicaWriteLDT is the sub-record variant: it looks up the
// immigration indexed under (version, pid). A hit under the live cluster
// key answers WriteMerge; a miss, or a hit whose cluster key has moved
// on, answers WriteProceed. Because the lookup is keyed by the write's
// own version, a write carrying a version other than the in-flight
// immigration's finds no entry and is answered WriteProceed; WriteReject
// is returned only when the indexed immigration's incoming version
// differs from version.
func (s *Service) CheckReplicaWriteLDT(pid cluster.PartitionID, version uint64) ReplicaWriteDecision {
	imm, ok := s.versions.get(version, uint32(pid))
	if !ok {
		return WriteProceed
	}
	if s.Gate.Changed(imm.clusterKey) {
		return WriteProceed
	}
	if imm.incomingLDTVer.Load() != version {
		return WriteReject
	}
	return WriteMerge
}
