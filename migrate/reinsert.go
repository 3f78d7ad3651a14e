package migrate

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/aerostore/migrate/cmn"
	"github.com/aerostore/migrate/cmn/nlog"
	"github.com/aerostore/migrate/fabric"
	"github.com/aerostore/migrate/migrate/wire"
)

// reinsertSlot is one in-flight, unacked INSERT (spec §4.3).
type reinsertSlot struct {
	msg    *wire.Message
	size   int64
	xmitMs int64
}

// reinsertTable is the per-emigration registry of sent-but-unacked
// inserts. Guarantees at-least-once delivery of each record until ack;
// deduplication is the receiver's job. Big-lock with per-slot
// get-with-lock semantics, matching spec §5's discipline for this
// structure (unlike the heavier striped emigration_hash).
type reinsertTable struct {
	mu             sync.Mutex
	slots          map[uint32]*reinsertSlot
	bytesEmigrating *atomic.Int64
	retransmitMs   int64
}

func newReinsertTable(bytesEmigrating *atomic.Int64, retransmitMs int64) *reinsertTable {
	return &reinsertTable{
		slots:           make(map[uint32]*reinsertSlot, 256),
		bytesEmigrating: bytesEmigrating,
		retransmitMs:    retransmitMs,
	}
}

// put stores msg as pending-ack; fails only on OOM, which a Go
// implementation cannot synthesize deliberately — kept for interface
// parity with spec §4.3.
func (t *reinsertTable) put(insertID uint32, msg *wire.Message, size int64) {
	t.mu.Lock()
	t.slots[insertID] = &reinsertSlot{msg: msg, size: size, xmitMs: nowMs()}
	t.mu.Unlock()
	t.bytesEmigrating.Add(size)
}

// ack releases a slot iff source matches the configured destination.
// A mismatched source is logged and ignored (benign, spec §4.3).
func (t *reinsertTable) ack(insertID uint32, source, dest string) {
	t.mu.Lock()
	slot, ok := t.slots[insertID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if source != dest {
		t.mu.Unlock()
		nlog.Warningf("migrate: ack for insert_id=%d from unexpected source %s (want %s), ignoring", insertID, source, dest)
		return
	}
	delete(t.slots, insertID)
	t.mu.Unlock()

	// Clamp against underflow (spec §5: bytes_emigrating "guarded
	// against underflow, log and clamp").
	if t.bytesEmigrating.Sub(slot.size) < 0 {
		t.bytesEmigrating.Store(0)
		nlog.Warningf("migrate: bytes_emigrating underflow on ack of insert_id=%d, clamped to 0", insertID)
	}
}

func (t *reinsertTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// sweep resends any entry older than retransmitMs. Reduction stops on
// any fabric error other than QueueFull; the caller re-enters the sweep
// later (spec §4.3).
func (t *reinsertTable) sweep(send func(msg *wire.Message) fabric.SendStatus) (resent int, err error) {
	now := nowMs()
	t.mu.Lock()
	due := make([]uint32, 0, len(t.slots))
	for id, slot := range t.slots {
		if slot.xmitMs+t.retransmitMs < now {
			due = append(due, id)
		}
	}
	t.mu.Unlock()

	for _, id := range due {
		t.mu.Lock()
		slot, ok := t.slots[id]
		t.mu.Unlock()
		if !ok {
			continue
		}
		switch send(slot.msg) {
		case fabric.OK:
			t.mu.Lock()
			if s2, ok := t.slots[id]; ok {
				s2.xmitMs = nowMs()
			}
			t.mu.Unlock()
			resent++
		case fabric.QueueFull:
			// transient: try the next entry, caller will sweep again.
			continue
		default:
			return resent, cmn.Wrap(cmn.ClassViewChange, cmn.ErrNoNode, "reinsert sweep")
		}
	}
	return resent, nil
}

func nowMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }
