// Package vm implements per-process virtual address spaces: ordered
// regions of pages, copy-on-write duplication for fork, on-demand
// stack growth, and the simulated MMU the scheduler installs spaces
// into.
package vm

import (
	"fmt"

	"xk/defs"
	"xk/mem"
	"xk/util"
)

/// Region indices of a vspace.
const (
	VR_CODE   = 0
	VR_HEAP   = 1
	VR_USTACK = 2
	NREGIONS  = 3
)

/// Vdir_t is the direction a region grows.
type Vdir_t int

const (
	VRDIR_UP   Vdir_t = iota /// grows to higher addresses (code, heap)
	VRDIR_DOWN               /// grows to lower addresses (stack)
)

/// Vpageinfo_t tracks one user page. When Used, exactly one of
/// Present or OnDisk != 0 holds: the page is in a physical frame or
/// in a swap slot.
type Vpageinfo_t struct {
	Used     bool
	Present  bool
	Writable bool
	Cow      bool
	/// OnDisk is the 1-based swap slot handle; 0 means not swapped.
	OnDisk int
	Ppn    uint
}

/// Vregion_t is one contiguous region of a vspace. For VRDIR_UP the
/// mapped range is [Vabase, Vabase+Size); for VRDIR_DOWN it is
/// [Vabase-Size, Vabase).
type Vregion_t struct {
	Vabase uintptr
	Size   uintptr
	Dir    Vdir_t
	pages  map[uintptr]*Vpageinfo_t
}

// Contains reports whether va falls inside the region's mapped range.
func (vr *Vregion_t) Contains(va uintptr) bool {
	if vr.Dir == VRDIR_UP {
		return va >= vr.Vabase && va < vr.Vabase+vr.Size
	}
	return va >= vr.Vabase-vr.Size && va < vr.Vabase
}

/// Vpage returns the page record covering va, or nil.
func (vr *Vregion_t) Vpage(va uintptr) *Vpageinfo_t {
	return vr.pages[va&^uintptr(defs.PGSIZE-1)]
}

/// Pages exposes the region's page map for walkers and tests.
func (vr *Vregion_t) Pages() map[uintptr]*Vpageinfo_t {
	return vr.pages
}

/// Vspace_t is a process's address space.
type Vspace_t struct {
	phys    *mem.Physmem_t
	pgr     Pager_i
	Regions [NREGIONS]Vregion_t
}

/// Vspaceinit prepares an empty address space: code above USERMIN,
/// heap placed by the loader, stack topped at SZ_2G.
func (vs *Vspace_t) Vspaceinit(phys *mem.Physmem_t, pgr Pager_i) {
	vs.phys = phys
	vs.pgr = pgr
	vs.Regions[VR_CODE] = Vregion_t{Vabase: defs.USERMIN, Dir: VRDIR_UP,
		pages: make(map[uintptr]*Vpageinfo_t)}
	vs.Regions[VR_HEAP] = Vregion_t{Vabase: defs.USERMIN, Dir: VRDIR_UP,
		pages: make(map[uintptr]*Vpageinfo_t)}
	vs.Regions[VR_USTACK] = Vregion_t{Vabase: defs.SZ_2G, Dir: VRDIR_DOWN,
		pages: make(map[uintptr]*Vpageinfo_t)}
}

/// Va2vregion returns the region covering va, or nil.
func (vs *Vspace_t) Va2vregion(va uintptr) *Vregion_t {
	for i := range vs.Regions {
		if vs.Regions[i].pages != nil && vs.Regions[i].Contains(va) {
			return &vs.Regions[i]
		}
	}
	return nil
}

/// Countneeded returns how many fresh frames mapping n bytes at va
/// into vr would take, skipping pages that already exist.
func (vs *Vspace_t) Countneeded(vr *Vregion_t, va uintptr, n int) int {
	if n <= 0 {
		return 0
	}
	start := util.Rounddown(va, uintptr(defs.PGSIZE))
	end := util.Roundup(va+uintptr(n), uintptr(defs.PGSIZE))
	need := 0
	for a := start; a < end; a += uintptr(defs.PGSIZE) {
		if vpi := vr.Vpage(a); vpi != nil && vpi.Used {
			continue
		}
		need++
	}
	return need
}

/// Vregionaddmap maps n bytes of fresh zeroed pages at va into vr,
/// drawing frames from alloc. It returns the number of bytes added,
/// or -1 when alloc runs dry. Allocation may evict and therefore walk
/// other vspaces, so callers that serialize vspace access must
/// preallocate and hand in a closure over the reserved frames.
func (vs *Vspace_t) Vregionaddmap(vr *Vregion_t, va uintptr, n int, present, writable bool,
	alloc func() (mem.Pa_t, bool)) int {
	if n <= 0 {
		return 0
	}
	start := util.Rounddown(va, uintptr(defs.PGSIZE))
	end := util.Roundup(va+uintptr(n), uintptr(defs.PGSIZE))
	added := 0
	for a := start; a < end; a += uintptr(defs.PGSIZE) {
		if vpi := vr.Vpage(a); vpi != nil && vpi.Used {
			continue
		}
		pa, ok := alloc()
		if !ok {
			return -1
		}
		pg := vs.phys.Page(pa)
		for i := range pg {
			pg[i] = 0
		}
		vs.phys.MarkUserMem(pa, a)
		vr.pages[a] = &Vpageinfo_t{
			Used:     true,
			Present:  present,
			Writable: writable,
			Ppn:      vs.phys.Pa2ppn(pa),
		}
		added += defs.PGSIZE
	}
	return added
}

/// Vspacecopy duplicates src into dst for fork using copy-on-write:
/// present pages are shared and write-protected on both sides, and
/// swapped pages share their slot.
func (vs *Vspace_t) Vspacecopy(src *Vspace_t) defs.Err_t {
	for ri := range src.Regions {
		svr := &src.Regions[ri]
		dvr := &vs.Regions[ri]
		dvr.Vabase = svr.Vabase
		dvr.Size = svr.Size
		dvr.Dir = svr.Dir
		dvr.pages = make(map[uintptr]*Vpageinfo_t)
		for va, svpi := range svr.pages {
			if !svpi.Used {
				continue
			}
			d := *svpi
			if svpi.Present {
				if svpi.Writable || svpi.Cow {
					svpi.Writable = false
					svpi.Cow = true
					d.Writable = false
					d.Cow = true
				}
				vs.phys.Refup(vs.phys.Ppn2pa(svpi.Ppn))
			} else if svpi.OnDisk != 0 {
				vs.phys.SwapRefup(svpi.OnDisk - 1)
			}
			dvr.pages[va] = &d
		}
	}
	src.pgr.Invalidate(src)
	vs.pgr.Invalidate(vs)
	return 0
}

/// CopyOnWrite resolves a write fault on the COW page at va. A frame
/// still shared with another space is cloned into spare, which the
/// caller allocated up front; an exclusively held frame simply
/// becomes writable again. The first result reports whether spare
/// was consumed.
func (vs *Vspace_t) CopyOnWrite(va uintptr, spare mem.Pa_t) (bool, defs.Err_t) {
	vr := vs.Va2vregion(va)
	if vr == nil {
		return false, -defs.EFAULT
	}
	vpi := vr.Vpage(va)
	if vpi == nil || !vpi.Used || !vpi.Present || !vpi.Cow {
		return false, -defs.EFAULT
	}
	used := false
	pa := vs.phys.Ppn2pa(vpi.Ppn)
	if vs.phys.CowShared(pa) {
		copy(vs.phys.Page(spare), vs.phys.Page(pa))
		vs.phys.MarkUserMem(spare, va&^uintptr(defs.PGSIZE-1))
		vpi.Ppn = vs.phys.Pa2ppn(spare)
		used = true
	}
	vpi.Writable = true
	vpi.Cow = false
	vs.pgr.Invalidate(vs)
	return used, 0
}

/// StackGrowth returns how many bytes of new stack a fault at addr
/// asks for, or 0 when addr is not a growth candidate. The stack
/// never exceeds STACKPAGES pages.
func (vs *Vspace_t) StackGrowth(addr uintptr) uintptr {
	vr := &vs.Regions[VR_USTACK]
	prevlimit := vr.Vabase - vr.Size
	if addr >= prevlimit || addr < vr.Vabase-defs.STACKPAGES*uintptr(defs.PGSIZE) {
		return 0
	}
	n := util.Roundup(prevlimit-addr, uintptr(defs.PGSIZE))
	if vr.Size+n > defs.STACKPAGES*uintptr(defs.PGSIZE) {
		return 0
	}
	return n
}

/// GrowStackOnDemand maps the pages between the faulting address and
/// the current stack bottom, drawing frames from alloc.
func (vs *Vspace_t) GrowStackOnDemand(addr uintptr, alloc func() (mem.Pa_t, bool)) defs.Err_t {
	n := vs.StackGrowth(addr)
	if n == 0 {
		return -defs.EFAULT
	}
	vr := &vs.Regions[VR_USTACK]
	prevlimit := vr.Vabase - vr.Size
	sz := vs.Vregionaddmap(vr, prevlimit-n, int(n), true, true, alloc)
	if sz < 0 {
		return -defs.ENOMEM
	}
	vr.Size += uintptr(sz)
	vs.pgr.Invalidate(vs)
	return 0
}

/// Vspaceinitstack maps the initial stack page topped at va.
func (vs *Vspace_t) Vspaceinitstack(va uintptr, alloc func() (mem.Pa_t, bool)) defs.Err_t {
	vr := &vs.Regions[VR_USTACK]
	vr.Vabase = va
	sz := vs.Vregionaddmap(vr, va-uintptr(defs.PGSIZE), defs.PGSIZE, true, true, alloc)
	if sz < 0 {
		return -defs.ENOMEM
	}
	vr.Size = uintptr(sz)
	return 0
}

/// Writetova copies data into the space at va regardless of write
/// protection; exec uses it to marshal arguments into pages it just
/// created.
func (vs *Vspace_t) Writetova(va uintptr, data []uint8) defs.Err_t {
	for len(data) > 0 {
		vr := vs.Va2vregion(va)
		if vr == nil {
			return -defs.EFAULT
		}
		vpi := vr.Vpage(va)
		if vpi == nil || !vpi.Used || !vpi.Present {
			return -defs.EFAULT
		}
		off := int(va & uintptr(defs.PGSIZE-1))
		n := util.Min(len(data), defs.PGSIZE-off)
		pg := vs.phys.Page(vs.phys.Ppn2pa(vpi.Ppn))
		copy(pg[off:off+n], data[:n])
		data = data[n:]
		va += uintptr(n)
	}
	return 0
}

/// Vspacefree returns every frame and swap slot the space references.
func (vs *Vspace_t) Vspacefree() {
	for ri := range vs.Regions {
		vr := &vs.Regions[ri]
		for _, vpi := range vr.pages {
			if !vpi.Used {
				continue
			}
			if vpi.Present {
				vs.phys.Kfree(vs.phys.Ppn2pa(vpi.Ppn))
			} else if vpi.OnDisk != 0 {
				vs.phys.SwapRefdown(vpi.OnDisk - 1)
			}
		}
		vr.pages = make(map[uintptr]*Vpageinfo_t)
		vr.Size = 0
	}
	if vs.pgr != nil {
		vs.pgr.Invalidate(vs)
	}
}

/// Dump prints the space's regions; for debugging.
func (vs *Vspace_t) Dump() {
	names := [NREGIONS]string{"code", "heap", "ustack"}
	for ri := range vs.Regions {
		vr := &vs.Regions[ri]
		fmt.Printf("%v: base %#x size %#x pages %v\n",
			names[ri], vr.Vabase, vr.Size, len(vr.pages))
	}
}
