package proc

import (
	"sync"

	"github.com/vhaudiquet/vkernel/errno"
)

// mutexWaiter is one entry on a Mutex's waiting list: the parked thread
// plus the channel Unlock closes to wake it, the Go-goroutine analogue
// of the (process, thread) pair mutex_wait kmallocs onto mutex->waiting.
type mutexWaiter struct {
	thread *Thread
	done   chan struct{}
}

// Mutex carries a locked-by pointer and a waiting list, exactly
// sync/mutex.c's mutex_t: lock/wait/unlock are split into three
// operations rather than folded into one blocking call, so a caller can
// busy-retry (mutex_lock) or truly park (mutex_wait) depending on
// context, the same split the original kernel exposes to its callers.
// Grounded on original_source/sync/mutex.c and sync.h.
type Mutex struct {
	mu       sync.Mutex
	lockedBy *Thread
	waiting  []*mutexWaiter
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{}
}

// Lock attempts to claim m for th atomically, the non-blocking
// mutex_lock path: it either succeeds immediately or returns
// errno.Busy, leaving the decision to retry or call Wait to the caller.
func (m *Mutex) Lock(th *Thread) errno.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockedBy != nil {
		return errno.Busy
	}
	m.lockedBy = th
	return errno.None
}

// Wait parks th on m's waiter list and reschedules, mirroring
// mutex_wait: the thread is marked ThreadAsleepMutex and removed from
// sched's ready queue, then blocks until a matching Unlock wakes it, at
// which point it is returned to the caller to retry Lock — the waiter
// list records intent to acquire, not a handoff of ownership. If m is
// already unlocked when Wait runs, it returns at once without parking,
// so a caller whose Lock failed just before an Unlock retries instead of
// waiting for a wakeup that has already happened.
func (m *Mutex) Wait(sched *Scheduler, th *Thread) {
	w := &mutexWaiter{thread: th, done: make(chan struct{})}
	m.mu.Lock()
	if m.lockedBy == nil {
		m.mu.Unlock()
		return
	}
	m.waiting = append(m.waiting, w)
	m.mu.Unlock()

	th.Status = ThreadAsleepMutex
	sched.RemoveThread(th)
	<-w.done
}

// Unlock releases m and wakes every waiter, the redesigned
// mutex_unlock_wakeup: the original wakes only the head of the waiting
// list, but this contract calls for waking the whole list, so every
// parked thread is re-added to sched's ready queue and left to race for
// Lock again.
func (m *Mutex) Unlock(sched *Scheduler) {
	m.mu.Lock()
	m.lockedBy = nil
	waiters := m.waiting
	m.waiting = nil
	m.mu.Unlock()

	for _, w := range waiters {
		sched.AddThread(w.thread)
		close(w.done)
	}
}
