package migrate

import (
	"context"
	"sync"

	"github.com/aerostore/migrate/cluster"
	"github.com/aerostore/migrate/cmn"
)

// priority is the lane an emigration is enqueued on; HIGH preempts LOW
// at every worker's next pop (spec §4.6).
type priority int

const (
	priorityLow priority = iota
	priorityHigh
)

// scheduler is a fixed worker pool draining two priority queues. Each
// worker owns exactly one Emigration for the full duration of its run
// (spec §3, "owned by exactly one worker from dequeue to terminal
// state"). Sending a nil Emigration on the HIGH queue tells exactly one
// worker to exit, the mechanism resize uses to shrink the pool.
type scheduler struct {
	svc *Service

	highQ chan *Emigration
	lowQ  chan *Emigration

	stopCh cmn.StopCh
	wg     sync.WaitGroup
}

func newScheduler(svc *Service, n int) *scheduler {
	if n <= 0 {
		n = 1
	}
	s := &scheduler{
		svc:    svc,
		highQ:  make(chan *Emigration, 1024),
		lowQ:   make(chan *Emigration, 1024),
		stopCh: cmn.NewStopCh(),
	}
	s.grow(n)
	return s
}

func (s *scheduler) grow(n int) {
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// shrink asks n workers to exit by enqueueing nil HIGH-priority
// sentinels; it does not block for them to actually stop.
func (s *scheduler) shrink(n int) {
	for i := 0; i < n; i++ {
		s.highQ <- nil
	}
}

func (s *scheduler) worker() {
	defer s.wg.Done()
	for {
		emig, ok := s.pop()
		if !ok {
			return
		}
		if emig == nil {
			return // shrink sentinel
		}
		if emig.isAborted() {
			// cluster key already moved before this worker ever picked
			// it up: terminate without a tree sweep or a handshake.
			emig.finish(cluster.TxError, cmn.ErrClusterKeyChanged)
			s.svc.emigrations.remove(emig.id)
			continue
		}
		emig.run(context.Background())
	}
}

// pop prefers HIGH over LOW, falling back to a blocking select across
// both plus the stop signal once neither has a ready item.
func (s *scheduler) pop() (*Emigration, bool) {
	select {
	case emig := <-s.highQ:
		return emig, true
	default:
	}
	select {
	case emig := <-s.highQ:
		return emig, true
	case emig := <-s.lowQ:
		return emig, true
	case <-s.stopCh.Listen():
		return nil, false
	}
}

func (s *scheduler) enqueue(emig *Emigration, p priority) {
	if p == priorityHigh {
		s.highQ <- emig
		return
	}
	s.lowQ <- emig
}

func (s *scheduler) stop() {
	s.stopCh.Close()
	s.wg.Wait()
}
