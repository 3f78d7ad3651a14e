package migrate

import (
	"sync"
	"time"

	"github.com/aerostore/migrate/cmn"
)

// reaper is the background sweep that ages out remembered immigrations:
// entries stay around after DONE for migrate_rx_lifetime_ms purely so a
// retransmitted DONE or duplicate START gets an idempotent answer
// without re-running admission (spec §4.7).
type reaper struct {
	svc    *Service
	stopCh cmn.StopCh
	wg     sync.WaitGroup
}

func newReaper(svc *Service) *reaper {
	return &reaper{svc: svc, stopCh: cmn.NewStopCh()}
}

func (r *reaper) start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *reaper) loop() {
	defer r.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.sweep()
		case <-r.stopCh.Listen():
			return
		}
	}
}

// sweep removes any immigration whose captured cluster key has gone
// stale (invariant 6) or whose post-DONE lifetime has elapsed.
func (r *reaper) sweep() {
	now := nowMs()
	var dead []*Immigration
	r.svc.immigrations.each(func(imm *Immigration) {
		if r.svc.Gate.Changed(imm.clusterKey) {
			dead = append(dead, imm)
			return
		}
		if imm.doneRecv.Load() >= 1 && now > imm.doneRecvMs.Load()+r.svc.Config.RxLifetime().Milliseconds() {
			dead = append(dead, imm)
		}
	})
	for _, imm := range dead {
		r.svc.forgetImmigration(imm)
	}
}

func (r *reaper) stop() {
	r.stopCh.Close()
	r.wg.Wait()
}
