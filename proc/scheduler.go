package proc

import (
	"sync"
	"time"

	"github.com/vhaudiquet/vkernel/errno"
)

// maxIRQLine bounds the IRQ wait table the way the original's
// irq_list[21] fixes the PIC's line count.
const maxIRQLine = 21

// tickPeriod is the scheduler's timer-tick granularity, matching the
// "schedule is executed ~ every 55ms" comment in
// original_source/tasking/scheduler/scheduler.c.
const tickPeriod = 55 * time.Millisecond

type sleepEntry struct {
	thread       *Thread
	remainingMs  uint32 // time remaining relative to the entry before it
}

type irqWaiter struct {
	thread *Thread
	done   chan errno.Errno
}

// Scheduler is the global FIFO ready queue plus the two wait facilities
// every blocking syscall needs: a sleep deltalist (cumulative remaining
// time per entry, so a single tick only touches the head) and a
// per-IRQ-line waiter list. Grounded on
// original_source/tasking/scheduler/scheduler.c's p_ready_queue,
// wait_list and irq_list.
type Scheduler struct {
	mu      sync.Mutex
	ready   []*Thread
	current *Thread

	sleeping []*sleepEntry
	irqWait  [maxIRQLine][]*irqWaiter

	stop chan struct{}
}

// NewScheduler returns an idle scheduler; call Run to begin draining
// timer ticks.
func NewScheduler() *Scheduler {
	return &Scheduler{stop: make(chan struct{})}
}

// AddThread appends a thread to the tail of the ready queue, mirroring
// scheduler_add_process/scheduler_add_thread's plain enqueue.
func (s *Scheduler) AddThread(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Status = ThreadReady
	s.ready = append(s.ready, t)
}

// Next pops the head of the ready queue (FIFO), or nil if none is ready.
func (s *Scheduler) Next() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil
	}
	t := s.ready[0]
	s.ready = s.ready[1:]
	s.current = t
	return t
}

// RemoveThread drops t from the ready queue without running it, the
// counterpart of scheduler_remove_process's non-self-removal branch.
func (s *Scheduler) RemoveThread(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.ready {
		if r == t {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// SleepFor inserts t into the sleep deltalist so it re-enters the ready
// queue after roughly ms milliseconds, positioned by cumulative time the
// way scheduler_wait_thread walks wait_list.
func (s *Scheduler) SleepFor(t *Thread, ms uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Status = ThreadAsleepTime

	cumulated := ms
	idx := 0
	for idx < len(s.sleeping) {
		e := s.sleeping[idx]
		if cumulated < e.remainingMs {
			e.remainingMs -= cumulated
			break
		}
		cumulated -= e.remainingMs
		idx++
	}
	entry := &sleepEntry{thread: t, remainingMs: cumulated}
	s.sleeping = append(s.sleeping[:idx], append([]*sleepEntry{entry}, s.sleeping[idx:]...)...)
}

// Tick advances the sleep deltalist by deltaMs and moves every thread
// whose remaining time has elapsed back onto the ready queue, matching
// scheduler_sleep_update's "do { } while(!element[1])" cascade of
// simultaneous wakeups.
func (s *Scheduler) Tick(deltaMs uint32) {
	s.mu.Lock()
	var woken []*Thread
	for len(s.sleeping) > 0 {
		head := s.sleeping[0]
		if deltaMs < head.remainingMs {
			head.remainingMs -= deltaMs
			break
		}
		deltaMs -= head.remainingMs
		woken = append(woken, head.thread)
		s.sleeping = s.sleeping[1:]
	}
	s.mu.Unlock()

	for _, t := range woken {
		s.AddThread(t)
	}
}

// WaitIRQ blocks the calling goroutine until irq fires via IRQWakeup or
// timeoutMs elapses, satisfying storage/block/ata.IRQWaiter. Real threads
// in this kernel don't have their own OS thread to block; callers that
// model a kernel thread as a goroutine get a direct, real wait here
// instead of a simulated one.
func (s *Scheduler) WaitIRQ(irq uint8, timeoutMs uint32) errno.Errno {
	if int(irq) >= maxIRQLine {
		return errno.InvalidPtr
	}
	w := &irqWaiter{done: make(chan errno.Errno, 1)}
	s.mu.Lock()
	s.irqWait[irq] = append(s.irqWait[irq], w)
	s.mu.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return errno.IO
	}
}

// IRQWakeup wakes every waiter registered on irq, the Go-goroutine
// counterpart of scheduler_irq_wakeup's list drain.
func (s *Scheduler) IRQWakeup(irq uint8) {
	if int(irq) >= maxIRQLine {
		return
	}
	s.mu.Lock()
	waiters := s.irqWait[irq]
	s.irqWait[irq] = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w.done <- errno.None
	}
}

// Run drains timer ticks every tickPeriod until Stop is called. Intended
// to be launched in its own goroutine by boot wiring.
func (s *Scheduler) Run() {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(uint32(tickPeriod / time.Millisecond))
		case <-s.stop:
			return
		}
	}
}

// Stop ends a goroutine started with Run.
func (s *Scheduler) Stop() { close(s.stop) }
