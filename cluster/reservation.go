package cluster

import (
	"sync"

	"go.uber.org/atomic"
)

// PartitionID identifies one of a namespace's fixed logical partitions.
type PartitionID uint32

// Reservation is a scoped acquisition of (namespace, partition): it pins
// the partition's two trees (main + sub-record) and increments a
// process-wide liveness counter for as long as it is held. Released on
// all exit paths of an emigration/immigration — callers must defer
// Release immediately after a successful Reserve.
type Reservation struct {
	Namespace   string
	PartitionID PartitionID
	rsvs        *Reservations
}

func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.rsvs.release(r)
}

// Reservations is the process-wide reservation table + liveness counter
// referenced by spec §5 ("Resource reservation").
type Reservations struct {
	mu    sync.Mutex
	held  map[string]int // (ns,pid) -> number of Reservations currently held on it
	count atomic.Int64
}

func NewReservations() *Reservations {
	return &Reservations{held: make(map[string]int, 64)}
}

func key(ns string, pid PartitionID) string {
	return ns + "/" + itoa(uint32(pid))
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Reserve pins (ns, pid) and returns a Reservation the caller must Release.
func (r *Reservations) Reserve(ns string, pid PartitionID) *Reservation {
	k := key(ns, pid)
	r.mu.Lock()
	r.held[k]++
	r.mu.Unlock()
	r.count.Inc()
	return &Reservation{Namespace: ns, PartitionID: pid, rsvs: r}
}

func (r *Reservations) release(rsv *Reservation) {
	k := key(rsv.Namespace, rsv.PartitionID)
	r.mu.Lock()
	r.held[k]--
	if r.held[k] <= 0 {
		delete(r.held, k)
	}
	r.mu.Unlock()
	r.count.Dec()
}

// Count is the process-wide number of currently held reservations.
func (r *Reservations) Count() int64 { return r.count.Load() }
