package cluster

// RxAllowResult is the receiver-side admission decision for a START.
type RxAllowResult int

const (
	RxAllow RxAllowResult = iota
	RxAgain
	RxFail
	RxAlreadyDone
)

func (r RxAllowResult) String() string {
	switch r {
	case RxAllow:
		return "OK"
	case RxAgain:
		return "AGAIN"
	case RxFail:
		return "FAIL"
	case RxAlreadyDone:
		return "ALREADY_DONE"
	default:
		return "UNKNOWN"
	}
}

// TxFlags is the bitfield carried on an emigration request.
type TxFlags uint32

const (
	TxNormal TxFlags = 1 << iota
	TxRequestOnly
)

func (f TxFlags) Has(bit TxFlags) bool { return f&bit != 0 }

// TxResult is the terminal status reported back to the rebalance collaborator.
type TxResult int

const (
	TxDone TxResult = iota
	TxError
)

// Rebalance is the partition-rebalance collaborator: the producer of
// emigration requests and the consumer of the engine's admission/
// completion notifications. It is implemented outside this repository
// in a real deployment (it owns quorum and the ownership map); the
// reference implementation in this package is for tests and the demo CLI.
type Rebalance interface {
	// RxAllow answers a receiver-side START: may this (ns, pid) accept
	// migrated data from src under cluster key ck right now?
	RxAllow(ns string, pid PartitionID, ck Key, src string) RxAllowResult
	// RxDone is called once, the first time a DONE is received for (ns, pid, src).
	RxDone(ns string, pid PartitionID, ck Key, src string)
	// TxDone is called once an emigration reaches a terminal state.
	TxDone(result TxResult, ns string, pid PartitionID, ck Key, flags TxFlags)
}

// MemRebalance is a reference Rebalance collaborator backed by an
// in-memory ownership table; sufficient for the scenario tests in
// spec §8 and for single-process demos driven by migratectl.
type MemRebalance struct {
	AllowFn func(ns string, pid PartitionID, ck Key, src string) RxAllowResult
	OnDone  func(ns string, pid PartitionID, ck Key, src string)
	OnTx    func(result TxResult, ns string, pid PartitionID, ck Key, flags TxFlags)
}

func NewMemRebalance() *MemRebalance {
	return &MemRebalance{
		AllowFn: func(string, PartitionID, Key, string) RxAllowResult { return RxAllow },
	}
}

func (m *MemRebalance) RxAllow(ns string, pid PartitionID, ck Key, src string) RxAllowResult {
	return m.AllowFn(ns, pid, ck, src)
}

func (m *MemRebalance) RxDone(ns string, pid PartitionID, ck Key, src string) {
	if m.OnDone != nil {
		m.OnDone(ns, pid, ck, src)
	}
}

func (m *MemRebalance) TxDone(result TxResult, ns string, pid PartitionID, ck Key, flags TxFlags) {
	if m.OnTx != nil {
		m.OnTx(result, ns, pid, ck, flags)
	}
}
