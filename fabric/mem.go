package fabric

import (
	"sync"

	"github.com/aerostore/migrate/migrate/wire"
)

// envelope pool, mirroring the teacher's transport.Obj send-side pool:
// migration messages are small and short-lived, so reuse their
// wrapper rather than allocate one per Send.
var envPool = sync.Pool{New: func() interface{} { return &envelope{} }}

type envelope struct {
	to  string
	msg *wire.Message
}

func allocEnvelope() *envelope {
	e := envPool.Get().(*envelope)
	*e = envelope{}
	return e
}

func freeEnvelope(e *envelope) { envPool.Put(e) }

// LinkFault lets tests script loss/duplication deterministically
// (spec scenarios S2 "duplicate every message once", S3 "drop first send").
type LinkFault func(from, to string, msg *wire.Message) (deliverCount int)

// InMem is a reference Fabric wiring a fixed set of named nodes in one
// process. It is not a network transport: Send dispatches synchronously
// to the destination's registered handler, on the caller's goroutine,
// after consulting an optional Fault function.
type InMem struct {
	self string
	mu   sync.RWMutex
	mesh map[string]*InMem
	hnd  Handler
	// Fault, when set, overrides the default "deliver exactly once" rule.
	Fault LinkFault
}

// NewMesh builds a fully-connected in-memory fabric for the given node
// names and returns each node's Fabric handle.
func NewMesh(nodes ...string) map[string]*InMem {
	out := make(map[string]*InMem, len(nodes))
	for _, n := range nodes {
		out[n] = &InMem{self: n, mesh: out}
	}
	return out
}

func (f *InMem) RegisterHandler(h Handler) { f.hnd = h }

func (f *InMem) Send(node string, msg *wire.Message, _ Channel) SendStatus {
	f.mu.RLock()
	dst := f.mesh[node]
	f.mu.RUnlock()
	if dst == nil || dst.hnd == nil {
		return NoNode
	}
	count := 1
	if f.Fault != nil {
		count = f.Fault(f.self, node, msg)
	}
	for i := 0; i < count; i++ {
		e := allocEnvelope()
		e.to, e.msg = node, msg
		dst.hnd(f.self, e.msg)
		freeEnvelope(e)
	}
	return OK
}
