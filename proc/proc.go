// Package proc implements the process table, fork/exec/exit/wait, the
// round-robin scheduler, sleep/wakeup channels, and the page-fault
// dispatch that ties the vm and mem layers together.
package proc

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/jacobsa/timeutil"

	"xk/defs"
	"xk/fd"
	"xk/fs"
	"xk/mem"
	"xk/util"
	"xk/vm"
)

/// Pstate_t is a process slot's scheduling state.
type Pstate_t int

const (
	UNUSED Pstate_t = iota
	EMBRYO
	SLEEPING
	RUNNABLE
	RUNNING
	ZOMBIE
)

func (s Pstate_t) String() string {
	switch s {
	case UNUSED:
		return "unused"
	case EMBRYO:
		return "embryo"
	case SLEEPING:
		return "sleep"
	case RUNNABLE:
		return "runble"
	case RUNNING:
		return "run"
	case ZOMBIE:
		return "zombie"
	}
	return "???"
}

/// Trapframe_t is the simulated register file restored on return to
/// user mode.
type Trapframe_t struct {
	Rip uintptr
	Rsp uintptr
	Rdi uintptr
	Rsi uintptr
	Rax uintptr
}

/// Proc_t is one process. Its user code runs as a goroutine that the
/// scheduler gates: the goroutine executes only while the slot is
/// RUNNING.
type Proc_t struct {
	pt *Ptable_t

	Pid    int
	state  Pstate_t
	parent *Proc_t
	chanid any
	killed bool
	Name   string

	Vs  vm.Vspace_t
	Fdt fd.Fdtable_t
	Tf  Trapframe_t

	cond *sync.Cond /// on ptable.mu; signaled when this slot may run
	main func(*Proc_t)
	goid int64

	faults int64
}

/// Loader_i is the contract of the program loader exec relies on: it
/// populates the code and heap regions of a fresh vspace from the
/// image at path and returns the entry point. Frames come from alloc.
type Loader_i interface {
	Load(vs *vm.Vspace_t, path []uint8, alloc func() (mem.Pa_t, bool)) (uintptr, defs.Err_t)
}

/// Ptable_t is the process table and the single simulated CPU.
type Ptable_t struct {
	mu        sync.Mutex
	schedcond *sync.Cond /// scheduler's side of the CPU handoff

	procs    [defs.NPROC]Proc_t
	nextpid  int
	initproc *Proc_t
	curproc  *Proc_t
	halted   bool

	// vml serializes every access to any process's vspace pages: the
	// eviction walker, fork's copy, fault handling, and user memory
	// access. Frame allocation can evict and must therefore never run
	// under it.
	vml sync.Mutex

	// kernel-context sleepers, keyed by channel token
	kchans map[any]*kchan_t

	phys   *mem.Physmem_t
	ft     *fd.Ftable_t
	fsys   *fs.Fs_t
	mmu    *vm.Mmu_t
	loader Loader_i
	clock  timeutil.Clock
	boot   int64 /// boot time in unix nanoseconds
}

type kchan_t struct {
	cond *sync.Cond
	seq  uint64
}

/// MkPtable builds the process table. The file table arrives later
/// through SetFtable, since it needs the ptable as its sleeper, and
/// the scheduler is started by the boot harness in its own goroutine.
func MkPtable(phys *mem.Physmem_t, fsys *fs.Fs_t, mmu *vm.Mmu_t,
	loader Loader_i, clock timeutil.Clock) *Ptable_t {
	pt := &Ptable_t{}
	pt.nextpid = 1
	pt.kchans = make(map[any]*kchan_t)
	pt.phys = phys
	pt.fsys = fsys
	pt.mmu = mmu
	pt.loader = loader
	pt.clock = clock
	pt.boot = clock.Now().UnixNano()
	pt.schedcond = sync.NewCond(&pt.mu)
	for i := range pt.procs {
		pt.procs[i].pt = pt
		pt.procs[i].cond = sync.NewCond(&pt.mu)
	}
	return pt
}

/// SetFtable installs the file table the processes share.
func (pt *Ptable_t) SetFtable(ft *fd.Ftable_t) {
	pt.ft = ft
}

/// Ftable returns the file table the processes share.
func (pt *Ptable_t) Ftable() *fd.Ftable_t {
	return pt.ft
}

/// Halted reports whether the scheduler has been stopped.
func (pt *Ptable_t) Halted() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.halted
}

/// Mmu returns the simulated CPU's MMU.
func (pt *Ptable_t) Mmu() *vm.Mmu_t {
	return pt.mmu
}

/// Phys returns the physical page allocator.
func (pt *Ptable_t) Phys() *mem.Physmem_t {
	return pt.phys
}

/// Myproc returns the process whose goroutine is calling, or nil from
/// kernel context.
func (pt *Ptable_t) Myproc() *Proc_t {
	me := util.Goid()
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := range pt.procs {
		p := &pt.procs[i]
		if p.state != UNUSED && p.goid == me {
			return p
		}
	}
	return nil
}

// allocproc claims an UNUSED slot and prepares it to run main.
func (pt *Ptable_t) allocproc(name string, main func(*Proc_t)) *Proc_t {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := range pt.procs {
		p := &pt.procs[i]
		if p.state != UNUSED {
			continue
		}
		p.state = EMBRYO
		p.Pid = pt.nextpid
		pt.nextpid++
		p.killed = false
		p.chanid = nil
		p.parent = nil
		p.Name = name
		p.main = main
		p.goid = 0
		p.Tf = Trapframe_t{}
		p.Fdt = fd.Fdtable_t{}
		p.faults = 0
		return p
	}
	return nil
}

// run is the body of a process goroutine: wait to be scheduled the
// first time (forkret), execute the user main, and exit if it forgot
// to.
func (p *Proc_t) run() {
	pt := p.pt
	pt.mu.Lock()
	p.goid = util.Goid()
	p.waitrun()
	if pt.halted {
		p.state = ZOMBIE
		pt.schedcond.Broadcast()
		pt.mu.Unlock()
		return
	}
	pt.mu.Unlock()
	p.main(p)
	p.Exit()
}

// waitrun blocks until the scheduler grants the CPU. Caller holds
// pt.mu.
func (p *Proc_t) waitrun() {
	for p.state != RUNNING && !p.pt.halted {
		p.cond.Wait()
	}
}

// yield1 gives the CPU back with the given state and blocks until
// rescheduled. Caller holds pt.mu.
func (p *Proc_t) yield1(ns Pstate_t) {
	p.state = ns
	p.pt.schedcond.Broadcast()
	p.waitrun()
}

/// Spawn starts a fresh process with an empty address space; the boot
/// harness uses it for init and tests use it to plant programs.
func (pt *Ptable_t) Spawn(name string, main func(*Proc_t)) (*Proc_t, defs.Err_t) {
	p := pt.allocproc(name, main)
	if p == nil {
		return nil, -defs.ENOMEM
	}
	pt.vml.Lock()
	p.Vs.Vspaceinit(pt.phys, pt.mmu)
	pt.vml.Unlock()
	pt.mu.Lock()
	p.parent = pt.initproc
	p.state = RUNNABLE
	pt.schedcond.Broadcast()
	pt.mu.Unlock()
	go p.run()
	return p, 0
}

/// SetInit designates p as the reaper that inherits orphans.
func (pt *Ptable_t) SetInit(p *Proc_t) {
	pt.mu.Lock()
	pt.initproc = p
	pt.mu.Unlock()
}

/// Fork creates a child sharing the parent's address space
/// copy-on-write and its open descriptors. The child's goroutine
/// starts at childmain with Tf.Rax zero; the parent gets the child's
/// pid.
func (p *Proc_t) Fork(childmain func(*Proc_t)) (int, defs.Err_t) {
	pt := p.pt
	child := pt.allocproc(p.Name, childmain)
	if child == nil {
		return 0, -defs.ENOMEM
	}

	pt.mu.Lock()
	child.parent = p
	pt.mu.Unlock()

	pt.vml.Lock()
	child.Vs.Vspaceinit(pt.phys, pt.mmu)
	child.Vs.Vspacecopy(&p.Vs)
	pt.vml.Unlock()

	child.Tf = p.Tf
	child.Tf.Rax = 0
	pt.ft.ForkCopy(&p.Fdt, &child.Fdt)

	pt.mu.Lock()
	child.state = RUNNABLE
	pt.schedcond.Broadcast()
	pt.mu.Unlock()
	go child.run()
	return child.Pid, 0
}

/// Exit terminates the calling process: orphans are reparented to
/// init, descriptors close, the slot turns ZOMBIE for the parent to
/// reap, and the goroutine ends. Exit does not return.
func (p *Proc_t) Exit() {
	pt := p.pt
	pt.ft.CloseAll(&p.Fdt)

	pt.mu.Lock()
	for i := range pt.procs {
		q := &pt.procs[i]
		if q.state != UNUSED && q != p && q.parent == p {
			q.parent = pt.initproc
			if q.state == ZOMBIE && pt.initproc != nil {
				// let init reap it
				pt.wakeup1(pt.initproc)
			}
		}
	}
	p.state = ZOMBIE
	p.killed = false
	p.chanid = nil
	if p.parent != nil {
		pt.wakeup1(p.parent)
	}
	pt.schedcond.Broadcast()
	pt.mu.Unlock()
	runtime.Goexit()
}

/// Wait blocks until one of the caller's children exits, frees the
/// child's remains, and returns its pid. With no children it fails
/// immediately.
func (p *Proc_t) Wait() (int, defs.Err_t) {
	pt := p.pt
	pt.mu.Lock()
	for {
		havekids := false
		var zombie *Proc_t
		for i := range pt.procs {
			q := &pt.procs[i]
			if q.state == UNUSED || q.parent != p {
				continue
			}
			havekids = true
			if q.state == ZOMBIE {
				zombie = q
				break
			}
		}
		if !havekids {
			pt.mu.Unlock()
			return 0, -defs.ECHILD
		}
		if zombie != nil {
			zpid := zombie.Pid
			pt.mu.Unlock()
			pt.vml.Lock()
			zombie.Vs.Vspacefree()
			pt.vml.Unlock()
			pt.mu.Lock()
			zombie.state = UNUSED
			zombie.parent = nil
			pt.mu.Unlock()
			return zpid, 0
		}
		p.sleep1(p)
		if p.killed || pt.halted {
			pt.mu.Unlock()
			return 0, -defs.EINTR
		}
	}
}

// sleep1 sleeps on channel ch. Caller holds pt.mu, which stays held
// on return.
func (p *Proc_t) sleep1(ch any) {
	p.chanid = ch
	p.yield1(SLEEPING)
	p.chanid = nil
}

/// Sleep atomically releases lk and blocks the caller on channel ch;
/// it reacquires lk before returning. Process goroutines are gated
/// through the scheduler; kernel-context callers park on a condition
/// variable keyed by the token. A sleeper woken by kill or shutdown
/// instead of Wakeup gets EINTR.
func (pt *Ptable_t) Sleep(ch any, lk sync.Locker) defs.Err_t {
	me := util.Goid()
	pt.mu.Lock()
	var p *Proc_t
	if pt.curproc != nil && pt.curproc.goid == me {
		p = pt.curproc
	}
	lk.Unlock()
	var ret defs.Err_t
	if p != nil {
		// a pending kill must not be lost to a park
		if p.killed {
			pt.mu.Unlock()
			lk.Lock()
			return -defs.EINTR
		}
		p.sleep1(ch)
		if p.killed || pt.halted {
			ret = -defs.EINTR
		}
	} else {
		kc, ok := pt.kchans[ch]
		if !ok {
			kc = &kchan_t{cond: sync.NewCond(&pt.mu)}
			pt.kchans[ch] = kc
		}
		seq := kc.seq
		for kc.seq == seq && !pt.halted {
			kc.cond.Wait()
		}
		if pt.halted {
			ret = -defs.EINTR
		}
	}
	pt.mu.Unlock()
	lk.Lock()
	return ret
}

/// Wakeup makes every process sleeping on ch runnable.
func (pt *Ptable_t) Wakeup(ch any) {
	pt.mu.Lock()
	pt.wakeup1(ch)
	pt.mu.Unlock()
}

// wakeup1 flips matching sleepers to RUNNABLE and pokes kernel
// waiters. Caller holds pt.mu.
func (pt *Ptable_t) wakeup1(ch any) {
	for i := range pt.procs {
		q := &pt.procs[i]
		if q.state == SLEEPING && q.chanid == ch {
			q.state = RUNNABLE
		}
	}
	if kc, ok := pt.kchans[ch]; ok {
		kc.seq++
		kc.cond.Broadcast()
	}
	pt.schedcond.Broadcast()
}

/// Kill marks pid for termination. A sleeping victim becomes runnable
/// so it can observe the flag at its next kernel boundary.
func (pt *Ptable_t) Kill(pid int) defs.Err_t {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := range pt.procs {
		q := &pt.procs[i]
		if q.state != UNUSED && q.Pid == pid {
			q.killed = true
			if q.state == SLEEPING {
				q.state = RUNNABLE
			}
			pt.schedcond.Broadcast()
			return 0
		}
	}
	return -defs.ESRCH
}

/// Killed reports whether the process has a pending kill.
func (p *Proc_t) Killed() bool {
	p.pt.mu.Lock()
	defer p.pt.mu.Unlock()
	return p.killed
}

/// Chkkilled exits the process when a kill is pending; syscall entry
/// and exit points call it.
func (p *Proc_t) Chkkilled() {
	if p.Killed() {
		p.Exit()
	}
}

/// Yield gives up the CPU for one scheduling round, as the timer
/// interrupt would force.
func (p *Proc_t) Yield() {
	p.Chkkilled()
	pt := p.pt
	pt.mu.Lock()
	p.yield1(RUNNABLE)
	pt.mu.Unlock()
	p.Chkkilled()
}

/// Scheduler runs the single simulated CPU: scan for RUNNABLE slots
/// round-robin, install the vspace, grant the CPU, and take it back
/// when the process yields, sleeps, or dies. It returns only after
/// Halt.
func (pt *Ptable_t) Scheduler() {
	pt.mu.Lock()
	for !pt.halted {
		ran := false
		for i := range pt.procs {
			if pt.halted {
				break
			}
			p := &pt.procs[i]
			if p.state != RUNNABLE {
				continue
			}
			ran = true
			pt.curproc = p
			pt.vml.Lock()
			pt.mmu.Install(&p.Vs)
			pt.vml.Unlock()
			p.state = RUNNING
			p.cond.Broadcast()
			for p.state == RUNNING && !pt.halted {
				pt.schedcond.Wait()
			}
			pt.mmu.Installkern()
			pt.curproc = nil
		}
		if !ran && !pt.halted {
			pt.schedcond.Wait()
		}
	}
	// let every parked goroutine drain
	for i := range pt.procs {
		pt.procs[i].cond.Broadcast()
	}
	for _, kc := range pt.kchans {
		kc.cond.Broadcast()
	}
	pt.mu.Unlock()
}

/// Halt stops the scheduler and releases parked process goroutines.
func (pt *Ptable_t) Halt() {
	pt.mu.Lock()
	pt.halted = true
	pt.schedcond.Broadcast()
	for i := range pt.procs {
		pt.procs[i].cond.Broadcast()
	}
	for _, kc := range pt.kchans {
		kc.cond.Broadcast()
	}
	pt.mu.Unlock()
}

/// Uptime returns nanoseconds since boot by the injected clock.
func (pt *Ptable_t) Uptime() int64 {
	return pt.clock.Now().UnixNano() - pt.boot
}

/// Nfaults returns the total page fault count.
func (pt *Ptable_t) Nfaults() int {
	n := int64(0)
	for i := range pt.procs {
		n += atomic.LoadInt64(&pt.procs[i].faults)
	}
	return int(n)
}

/// Dump prints a process listing; for debugging.
func (pt *Ptable_t) Dump() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := range pt.procs {
		p := &pt.procs[i]
		if p.state == UNUSED {
			continue
		}
		fmt.Printf("%v %v %v\n", p.Pid, p.state, p.Name)
	}
}
