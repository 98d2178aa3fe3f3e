// Package signal implements the kernel's POSIX-like signal delivery path:
// a global pending-signal queue drained once per scheduler tick, a
// per-process handler table, and the default-disposition table every
// signal falls back to when no handler is installed. Grounded on
// original_source/tasking/processes/signal.c: send_signal enqueues,
// handle_signals drains the whole queue under one lock each tick, and
// handle_signal applies SIG_DFL/SIG_IGN/custom-handler logic from there.
package signal

import (
	"encoding/binary"
	"sync"

	"github.com/vhaudiquet/vkernel/errno"
	"github.com/vhaudiquet/vkernel/memory/paging"
	"github.com/vhaudiquet/vkernel/proc"
)

// NSig bounds the signal number space, matching the original's NSIG.
const NSig = 32

// Signals mirroring the subset the original's default_action table names
// explicitly (terminate/ignore/continue/stop are the only four dispositions
// that exist; most signal numbers share SIGTERM's "terminate" behavior).
const (
	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGILL  = 4
	SIGTRAP = 5
	SIGABRT = 6
	SIGFPE  = 8
	SIGKILL = 9
	SIGSEGV = 11
	SIGPIPE = 13
	SIGALRM = 14
	SIGTERM = 15
	SIGCHLD = 17
	SIGCONT = 18
	SIGSTOP = 19
	SIGTSTP = 20
)

// Action is one of the four dispositions a signal can fall back to when
// no handler is installed, matching default_action's {1,2,3,4} values.
type Action uint8

const (
	ActionTerminate Action = iota + 1
	ActionIgnore
	ActionContinue
	ActionStop
)

var defaultAction = map[int]Action{
	SIGCHLD: ActionIgnore,
	SIGCONT: ActionContinue,
	SIGSTOP: ActionStop,
	SIGTSTP: ActionStop,
}

func defaultActionFor(sig int) Action {
	if a, ok := defaultAction[sig]; ok {
		return a
	}
	return ActionTerminate
}

// Disposition records what a process has told the kernel to do with a
// signal: fall back to the default action, ignore it outright, or run a
// handler at EntryPoint in the process's own address space.
type Disposition uint8

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionHandle
)

type handler struct {
	disposition Disposition
	entryPoint  uint64
}

// uncatchable mirrors the invariant this kernel adds on top of the
// original: SIGKILL and SIGSTOP cannot be caught, ignored, or blocked,
// the same restriction POSIX itself imposes.
func uncatchable(sig int) bool { return sig == SIGKILL || sig == SIGSTOP }

type pending struct {
	pid proc.PID
	sig int
}

// sigRetSyscallNumber mirrors ksyscall.SigRet. Duplicated here rather than
// imported, since ksyscall already imports this package.
const sigRetSyscallNumber = 39

// trampolineCode is the short instruction sequence
// sighandler_end/sighandler_end_end copies onto the user stack in the
// original: load the sigret syscall number and trap into the kernel.
// `mov eax, imm32; int 0x80`.
var trampolineCode = func() []byte {
	b := make([]byte, 7)
	b[0] = 0xB8
	binary.LittleEndian.PutUint32(b[1:5], sigRetSyscallNumber)
	b[5] = 0xCD
	b[6] = 0x80
	return b
}()

// Dispatcher owns the pending-signal queue and every process's handler
// table. One Dispatcher serves the whole kernel, the way signal_list and
// signal_mutex are both single global instances in the original.
type Dispatcher struct {
	mu       sync.Mutex
	pending  []pending
	handlers map[proc.PID]map[int]handler
	table    *proc.Table
	sched    *proc.Scheduler
	pg       *paging.Manager
}

func NewDispatcher(table *proc.Table, sched *proc.Scheduler, pg *paging.Manager) *Dispatcher {
	return &Dispatcher{handlers: make(map[proc.PID]map[int]handler), table: table, sched: sched, pg: pg}
}

// SetHandler installs a custom handler for sig in pid's table. Passing
// entryPoint 0 sets a SIG_IGN disposition (ignore); uncatchable signals
// reject any override.
func (d *Dispatcher) SetHandler(pid proc.PID, sig int, entryPoint uint64) errno.Errno {
	if sig <= 0 || sig >= NSig {
		return errno.InvalidSignal
	}
	if uncatchable(sig) {
		return errno.Permission
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[pid] == nil {
		d.handlers[pid] = make(map[int]handler)
	}
	if entryPoint == 0 {
		d.handlers[pid][sig] = handler{disposition: DispositionIgnore}
	} else {
		d.handlers[pid][sig] = handler{disposition: DispositionHandle, entryPoint: entryPoint}
	}
	return errno.None
}

// Send enqueues sig for pid; delivery happens on the next Drain, matching
// send_signal's "only registers the signal, handled later" contract.
func (d *Dispatcher) Send(pid proc.PID, sig int) errno.Errno {
	if sig <= 0 || sig >= NSig {
		return errno.InvalidSignal
	}
	if d.table.Lookup(pid) == nil {
		return errno.InvalidPID
	}
	d.mu.Lock()
	d.pending = append(d.pending, pending{pid: pid, sig: sig})
	d.mu.Unlock()
	return errno.None
}

// SendToGroup enqueues sig for every process sharing pgid.
func (d *Dispatcher) SendToGroup(pgid proc.PID, sig int, members []proc.PID) errno.Errno {
	if sig <= 0 || sig >= NSig {
		return errno.InvalidSignal
	}
	for _, pid := range members {
		d.Send(pid, sig)
	}
	return errno.None
}

// Drain delivers every pending signal, applying SIGKILL/SIGSTOP's
// uncatchable semantics before consulting a process's handler table.
// Intended to be called once per scheduler tick, as handle_signals is.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, p := range batch {
		d.deliver(p.pid, p.sig)
	}
}

func (d *Dispatcher) deliver(pid proc.PID, sig int) {
	p := d.table.Lookup(pid)
	if p == nil {
		return
	}

	if uncatchable(sig) {
		d.applyDefault(p.PID, sig)
		return
	}

	d.mu.Lock()
	h, ok := d.handlers[pid][sig]
	d.mu.Unlock()

	if !ok || h.disposition == DispositionDefault {
		d.applyDefault(pid, sig)
		return
	}
	if h.disposition == DispositionIgnore {
		return
	}
	d.handOff(p, sig, h.entryPoint)
}

// handOff constructs the minimal trampoline frame handle_signal builds
// before dispatching into a custom handler: the trampoline bytes land on
// the user stack just below the thread's current esp, with the signal
// number below them and, at the new esp, a return address pointing at
// them: the same [retaddr][sig] cdecl shape MapUserStack lays [retaddr][argc][argv] in
// for main. The thread's pre-signal eip/esp are stashed in p.SigSave so
// SigRet can restore them once the handler returns through the
// trampoline.
func (d *Dispatcher) handOff(p *proc.Process, sig int, entryPoint uint64) {
	if p.SigSave != nil {
		// Already inside a handler; the original has no nested-signal
		// story either (sighandler is a single slot per process), so the
		// signal is dropped rather than clobbering the saved context.
		return
	}
	if len(p.Threads) == 0 {
		return
	}
	th := p.Threads[0]

	trampolineAddr := th.ESP - uint32(len(trampolineCode))
	sigSlot := trampolineAddr - 4
	retSlot := sigSlot - 4

	if err := d.pg.WriteVirtual(p.PageDir, uint64(trampolineAddr), trampolineCode); !err.Ok() {
		return
	}
	if err := writeUint32(d.pg, p.PageDir, retSlot, trampolineAddr); !err.Ok() {
		return
	}
	if err := writeUint32(d.pg, p.PageDir, sigSlot, uint32(int32(sig))); !err.Ok() {
		return
	}

	p.SigSave = &proc.SigContext{EIP: th.EIP, ESP: th.ESP}
	th.EIP = uint32(entryPoint)
	th.ESP = retSlot
}

func writeUint32(pg *paging.Manager, pd *paging.Directory, vaddr, v uint32) errno.Errno {
	buf := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	return pg.WriteVirtual(pd, uint64(vaddr), buf)
}

// Restore undoes a DispositionHandle hand-off, the work SigRet triggers:
// the thread's eip/esp are reset to what they were before the signal was
// delivered, and p.SigSave is cleared so the next signal can hand off
// again. Reports false if no handler hand-off was in progress.
func (d *Dispatcher) Restore(p *proc.Process) bool {
	if p.SigSave == nil || len(p.Threads) == 0 {
		return false
	}
	th := p.Threads[0]
	th.EIP = p.SigSave.EIP
	th.ESP = p.SigSave.ESP
	p.SigSave = nil
	return true
}

func (d *Dispatcher) applyDefault(pid proc.PID, sig int) {
	p := d.table.Lookup(pid)
	if p == nil {
		return
	}
	switch defaultActionFor(sig) {
	case ActionTerminate:
		d.table.Exit(p, 0x80|sig)
	case ActionIgnore:
	case ActionContinue:
		for _, th := range p.Threads {
			if th.Status == proc.ThreadAsleepTime || th.Status == proc.ThreadAsleepIRQ {
				th.Status = proc.ThreadReady
				d.sched.AddThread(th)
			}
		}
	case ActionStop:
		for _, th := range p.Threads {
			d.sched.RemoveThread(th)
		}
	}
}
