package proc_test

import (
	"testing"
	"time"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/proc"
)

func TestReadyQueueIsFIFO(t *testing.T) {
	s := proc.NewScheduler()
	a := &proc.Thread{ID: 1}
	b := &proc.Thread{ID: 2}
	s.AddThread(a)
	s.AddThread(b)

	if got := s.Next(); got != a {
		t.Fatalf("expected thread 1 first, got %+v", got)
	}
	if got := s.Next(); got != b {
		t.Fatalf("expected thread 2 second, got %+v", got)
	}
	if got := s.Next(); got != nil {
		t.Fatalf("expected nil once drained, got %+v", got)
	}
}

func TestSleepForWakesAfterTick(t *testing.T) {
	s := proc.NewScheduler()
	th := &proc.Thread{ID: 1}
	s.SleepFor(th, 100)

	s.Tick(50)
	if got := s.Next(); got != nil {
		t.Fatalf("thread should still be asleep after a partial tick, got %+v", got)
	}
	s.Tick(50)
	if got := s.Next(); got != th {
		t.Fatalf("expected thread to be ready after its full sleep elapsed, got %+v", got)
	}
}

func TestWaitIRQWakesOnIRQWakeup(t *testing.T) {
	s := proc.NewScheduler()
	result := make(chan errno.Errno, 1)
	go func() {
		result <- s.WaitIRQ(14, 5000)
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter register
	s.IRQWakeup(14)

	select {
	case err := <-result:
		if !err.Ok() {
			t.Fatalf("WaitIRQ: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIRQ did not return after IRQWakeup")
	}
}

func TestWaitIRQTimesOut(t *testing.T) {
	s := proc.NewScheduler()
	if err := s.WaitIRQ(5, 20); err.Ok() {
		t.Fatal("expected WaitIRQ to time out when nothing wakes it")
	}
}
