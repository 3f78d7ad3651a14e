package migrate

import "sync"

// versionIndex is immigration_ldt_version_hash: the auxiliary (version,
// pid) -> *Immigration index the replica-write interlock consults (spec
// §4.5 step 3). This is an authoritative index, not a cache: a write
// racing an in-flight immigration must never see a false miss, so every
// entry lives exactly as long as its owning Immigration (inserted in
// handleStart, removed in forgetImmigration) under one mutex rather than
// an admission/eviction policy that could approximate that lifetime.
type versionIndex struct {
	mu sync.Mutex
	m  map[uint64]*Immigration
}

func newVersionIndex() *versionIndex {
	return &versionIndex{m: make(map[uint64]*Immigration, 64)}
}

func versionKey(version uint64, pid uint32) uint64 {
	return version ^ (uint64(pid) << 48)
}

func (v *versionIndex) put(version uint64, pid uint32, imm *Immigration) {
	v.mu.Lock()
	v.m[versionKey(version, pid)] = imm
	v.mu.Unlock()
}

func (v *versionIndex) get(version uint64, pid uint32) (*Immigration, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	imm, ok := v.m[versionKey(version, pid)]
	return imm, ok
}

func (v *versionIndex) del(version uint64, pid uint32) {
	v.mu.Lock()
	delete(v.m, versionKey(version, pid))
	v.mu.Unlock()
}
