package migrate

import (
	"encoding/binary"
	"sync"

	"github.com/OneOfOne/xxhash"
)

const numShards = 16

// shardOf picks emigration_hash's stripe for emig_id: xxhash(emig_id) %
// numShards (spec §5), not a raw modulo of the id itself, so ids handed
// out by a monotone counter don't pile onto a handful of shards.
func shardOf(id uint32) int {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return int(xxhash.Checksum64(buf[:]) % numShards)
}

// emigRegistry is emigration_hash: a many-lock (striped), reference-
// counted map keyed by emig_id (spec §5). Readers hold a ref for the
// duration of use; Go's GC frees the Emigration once the last ref and
// the map entry both drop it, so the "destructor" is simply "nothing
// still points at it".
type emigRegistry struct {
	shards [numShards]struct {
		mu sync.RWMutex
		m  map[uint32]*Emigration
	}
}

func newEmigRegistry() *emigRegistry {
	r := &emigRegistry{}
	for i := range r.shards {
		r.shards[i].m = make(map[uint32]*Emigration, 8)
	}
	return r
}

// insertUnique stores emig under its id iff absent; returns false on a
// duplicate id (never expected in practice — ids are process-unique
// monotone).
func (r *emigRegistry) insertUnique(emig *Emigration) bool {
	s := &r.shards[shardOf(emig.id)]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.m[emig.id]; exists {
		return false
	}
	s.m[emig.id] = emig
	return true
}

func (r *emigRegistry) get(id uint32) (*Emigration, bool) {
	s := &r.shards[shardOf(id)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[id]
	return e, ok
}

func (r *emigRegistry) remove(id uint32) {
	s := &r.shards[shardOf(id)]
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func (r *emigRegistry) each(fn func(*Emigration)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		snapshot := make([]*Emigration, 0, len(s.m))
		for _, e := range s.m {
			snapshot = append(snapshot, e)
		}
		s.mu.RUnlock()
		for _, e := range snapshot {
			fn(e)
		}
	}
}

// immigKey is (src, emig_id): invariant 1, at most one immigration per
// pair at a time.
type immigKey struct {
	src    string
	emigID uint32
}

// immigRegistry is immigration_hash. Single big-lock, per spec §5
// ("single big-lock acceptable").
type immigRegistry struct {
	mu sync.RWMutex
	m  map[immigKey]*Immigration
}

func newImmigRegistry() *immigRegistry {
	return &immigRegistry{m: make(map[immigKey]*Immigration, 64)}
}

func (r *immigRegistry) insertUnique(imm *Immigration) bool {
	k := immigKey{src: imm.src, emigID: imm.emigID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[k]; exists {
		return false
	}
	r.m[k] = imm
	return true
}

func (r *immigRegistry) get(src string, emigID uint32) (*Immigration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	imm, ok := r.m[immigKey{src: src, emigID: emigID}]
	return imm, ok
}

// remove is idempotent, per spec §3 lifecycle rule.
func (r *immigRegistry) remove(src string, emigID uint32) {
	r.mu.Lock()
	delete(r.m, immigKey{src: src, emigID: emigID})
	r.mu.Unlock()
}

func (r *immigRegistry) each(fn func(*Immigration)) {
	r.mu.RLock()
	snapshot := make([]*Immigration, 0, len(r.m))
	for _, imm := range r.m {
		snapshot = append(snapshot, imm)
	}
	r.mu.RUnlock()
	for _, imm := range snapshot {
		fn(imm)
	}
}
