package proc

import (
	"sync/atomic"

	"xk/defs"
	"xk/mem"
	"xk/util"
	"xk/vm"
)

// User memory access and the page-fault dispatch. A process touches
// its memory through the installed MMU; a missing or write-protected
// translation raises a fault, which is resolved in order: swap-in,
// copy-on-write, on-demand stack growth. Anything else kills the
// process.

// useraccess moves bytes between buf and user memory at va,
// faulting pages in as needed. Chunks copy under the vspace lock so
// the eviction walker cannot pull a frame mid-copy.
func (p *Proc_t) useraccess(va uintptr, buf []uint8, write bool) defs.Err_t {
	pt := p.pt
	for len(buf) > 0 {
		faults := 0
		for {
			pt.vml.Lock()
			pa, ok := pt.mmu.Translate(va, write)
			if ok {
				off := int(va & uintptr(defs.PGSIZE-1))
				n := util.Min(len(buf), defs.PGSIZE-off)
				pg := pt.phys.Page(pa &^ mem.Pa_t(defs.PGSIZE-1))
				if write {
					copy(pg[off:off+n], buf[:n])
				} else {
					copy(buf[:n], pg[off:off+n])
				}
				pt.vml.Unlock()
				buf = buf[n:]
				va += uintptr(n)
				break
			}
			pt.vml.Unlock()
			faults++
			if faults > 8 {
				return -defs.EFAULT
			}
			if err := p.Pgfault(va, write); err != 0 {
				return err
			}
		}
	}
	return 0
}

/// Copyout writes src into the process's memory at va.
func (p *Proc_t) Copyout(va uintptr, src []uint8) defs.Err_t {
	return p.useraccess(va, src, true)
}

/// Copyin reads len(dst) bytes of the process's memory at va.
func (p *Proc_t) Copyin(dst []uint8, va uintptr) defs.Err_t {
	return p.useraccess(va, dst, false)
}

/// Userwriten stores val as an n-byte little-endian value at va.
func (p *Proc_t) Userwriten(va uintptr, n int, val int) defs.Err_t {
	var buf [8]uint8
	util.Writen(buf[:], n, 0, val)
	return p.Copyout(va, buf[:n])
}

/// Userreadn loads an n-byte little-endian value from va.
func (p *Proc_t) Userreadn(va uintptr, n int) (int, defs.Err_t) {
	var buf [8]uint8
	if err := p.Copyin(buf[:n], va); err != 0 {
		return 0, err
	}
	return util.Readn(buf[:], n, 0), 0
}

/// Pgfault resolves a page fault at addr, trying swap-in, then
/// copy-on-write, then stack growth. An unresolvable fault marks the
/// process killed and reports EFAULT.
func (p *Proc_t) Pgfault(addr uintptr, iswrite bool) defs.Err_t {
	pt := p.pt
	atomic.AddInt64(&p.faults, 1)
	pgva := addr &^ uintptr(defs.PGSIZE-1)

	pt.vml.Lock()
	var vpi vm.Vpageinfo_t
	havepage := false
	if vr := p.Vs.Va2vregion(addr); vr != nil {
		if pv := vr.Vpage(addr); pv != nil && pv.Used {
			vpi = *pv
			havepage = true
		}
	}
	stackgap := p.Vs.StackGrowth(addr) != 0
	pt.vml.Unlock()

	// swapped-out page
	if havepage && !vpi.Present && vpi.OnDisk != 0 {
		if err := pt.phys.SwapIn(vpi.OnDisk-1, pgva); err != 0 {
			panic("swap in failed")
		}
		pt.vml.Lock()
		pt.mmu.Invalidate(&p.Vs)
		pt.vml.Unlock()
		return 0
	}

	// copy-on-write
	if havepage && vpi.Present && vpi.Cow && iswrite {
		spare, ok := pt.phys.Kalloc()
		if !ok {
			p.setkilled()
			return -defs.ENOMEM
		}
		pt.vml.Lock()
		used, err := p.Vs.CopyOnWrite(addr, spare)
		pt.vml.Unlock()
		if !used {
			pt.phys.Kfree(spare)
		}
		// allocating the spare can evict the very page being
		// resolved; a state mismatch just means fault again
		_ = err
		return 0
	}

	// a stale translation; the page is fine
	if havepage && vpi.Present && (!iswrite || vpi.Writable) {
		pt.vml.Lock()
		pt.mmu.Invalidate(&p.Vs)
		pt.vml.Unlock()
		return 0
	}

	// on-demand stack growth
	if stackgap {
		pt.vml.Lock()
		need := int(p.Vs.StackGrowth(addr)) / defs.PGSIZE
		pt.vml.Unlock()
		frames, ok := p.allocframes(need)
		if !ok {
			p.setkilled()
			return -defs.ENOMEM
		}
		pt.vml.Lock()
		err := p.Vs.GrowStackOnDemand(addr, framepop(&frames))
		pt.vml.Unlock()
		p.freeframes(frames)
		if err != 0 {
			p.setkilled()
			return -defs.EFAULT
		}
		return 0
	}

	// assume the process misbehaved
	p.setkilled()
	return -defs.EFAULT
}

func (p *Proc_t) setkilled() {
	p.pt.mu.Lock()
	p.killed = true
	p.pt.mu.Unlock()
}

// allocframes reserves n frames outside the vspace lock; allocation
// may evict.
func (p *Proc_t) allocframes(n int) ([]mem.Pa_t, bool) {
	frames := make([]mem.Pa_t, 0, n)
	for i := 0; i < n; i++ {
		pa, ok := p.pt.phys.Kalloc()
		if !ok {
			p.freeframes(frames)
			return nil, false
		}
		frames = append(frames, pa)
	}
	return frames, true
}

func (p *Proc_t) freeframes(frames []mem.Pa_t) {
	for _, pa := range frames {
		p.pt.phys.Kfree(pa)
	}
}

// framepop hands out reserved frames one at a time.
func framepop(frames *[]mem.Pa_t) func() (mem.Pa_t, bool) {
	return func() (mem.Pa_t, bool) {
		if len(*frames) == 0 {
			return 0, false
		}
		pa := (*frames)[0]
		*frames = (*frames)[1:]
		return pa, true
	}
}

/// Sbrk grows the heap by n bytes and returns the previous break;
/// sbrk(0) just reads it.
func (p *Proc_t) Sbrk(n int) (uintptr, defs.Err_t) {
	pt := p.pt
	heap := &p.Vs.Regions[vm.VR_HEAP]

	pt.vml.Lock()
	prevbrk := heap.Vabase + heap.Size
	if n <= 0 {
		pt.vml.Unlock()
		if n < 0 {
			return 0, -defs.EINVAL
		}
		return prevbrk, 0
	}
	need := p.Vs.Countneeded(heap, prevbrk, n)
	pt.vml.Unlock()

	frames, ok := p.allocframes(need)
	if !ok {
		return 0, -defs.ENOMEM
	}

	pt.vml.Lock()
	size := p.Vs.Vregionaddmap(heap, prevbrk, n, true, true, framepop(&frames))
	if size < 0 {
		pt.vml.Unlock()
		p.freeframes(frames)
		return 0, -defs.ENOMEM
	}
	heap.Size += uintptr(size)
	pt.mmu.Invalidate(&p.Vs)
	pt.vml.Unlock()
	p.freeframes(frames)
	return prevbrk, 0
}
