package proc_test

import (
	"testing"
	"time"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/proc"
)

func drainReady(sched *proc.Scheduler) int {
	n := 0
	for sched.Next() != nil {
		n++
	}
	return n
}

func TestMutexLockIsNonBlockingAndBusy(t *testing.T) {
	m := proc.NewMutex()
	a := &proc.Thread{ID: 0}
	b := &proc.Thread{ID: 1}

	if err := m.Lock(a); err != errno.None {
		t.Fatalf("first Lock: %v", err)
	}
	if err := m.Lock(b); err != errno.Busy {
		t.Fatalf("second Lock: got %v, want errno.Busy", err)
	}
}

func TestMutexWaitParksAndUnlockWakesAllWaiters(t *testing.T) {
	sched := proc.NewScheduler()
	m := proc.NewMutex()
	owner := &proc.Thread{ID: 0}
	waiters := []*proc.Thread{{ID: 1}, {ID: 2}, {ID: 3}}
	for _, w := range waiters {
		sched.AddThread(w)
	}

	if err := m.Lock(owner); !err.Ok() {
		t.Fatalf("Lock(owner): %v", err)
	}

	done := make(chan *proc.Thread, len(waiters))
	for _, w := range waiters {
		w := w
		go func() {
			m.Wait(sched, w)
			done <- w
		}()
	}

	// Give the goroutines time to park before checking they were
	// pulled off the ready queue.
	time.Sleep(20 * time.Millisecond)
	if n := drainReady(sched); n != 0 {
		t.Fatalf("expected all waiters parked off the ready queue, got %d still ready", n)
	}
	for _, w := range waiters {
		if w.Status != proc.ThreadAsleepMutex {
			t.Fatalf("thread %d status = %v, want ThreadAsleepMutex", w.ID, w.Status)
		}
	}

	m.Unlock(sched)

	woken := map[proc.TID]bool{}
	for i := 0; i < len(waiters); i++ {
		select {
		case w := <-done:
			woken[w.ID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for Unlock to wake all waiters")
		}
	}
	if len(woken) != len(waiters) {
		t.Fatalf("expected all %d waiters woken, got %d", len(waiters), len(woken))
	}

	if n := drainReady(sched); n != len(waiters) {
		t.Fatalf("expected all woken waiters back on the ready queue, got %d", n)
	}
}

func TestSbrkSerializesConcurrentGrowth(t *testing.T) {
	table, pg := newTestTable(t)
	p := table.Spawn(pg.KernelDirectory())

	const calls = 8
	const step = 0x1000
	errs := make(chan errno.Errno, calls)
	for i := 0; i < calls; i++ {
		go func() {
			_, err := table.Sbrk(p, step)
			errs <- err
		}()
	}
	for i := 0; i < calls; i++ {
		if err := <-errs; !err.Ok() {
			t.Fatalf("Sbrk: %v", err)
		}
	}
	if p.BreakAddr != calls*step {
		t.Fatalf("BreakAddr = %#x, want %#x (each concurrent call should account for exactly one page)", p.BreakAddr, calls*step)
	}
}
