package cmn

import "sync"

// StopCh is a closeable stop signal, safe to Close more than once.
// Mirrors the stop-channel idiom used throughout the teacher codebase's
// background jogger/dispatcher loops.
type StopCh struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopCh() StopCh {
	return StopCh{ch: make(chan struct{})}
}

func (s *StopCh) Listen() <-chan struct{} { return s.ch }

func (s *StopCh) Close() {
	s.once.Do(func() { close(s.ch) })
}
