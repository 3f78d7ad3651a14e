package migrate

import (
	"encoding/binary"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// versionGen produces current_outgoing_ldt_version tokens: a
// process-wide monotone counter XORed with a random entropy source, so
// that invariant 5 ("unique across the partition's lifetime") holds
// even across process restarts that might otherwise replay the counter.
type versionGen struct {
	counter atomic.Uint64
}

func newVersionGen() *versionGen { return &versionGen{} }

func (g *versionGen) next() uint64 {
	n := g.counter.Inc()
	id := uuid.New()
	entropy := binary.BigEndian.Uint64(id[:8])
	return n ^ entropy
}
