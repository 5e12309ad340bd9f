// Package mem manages simulated physical memory: a page-granular
// arena fronted by a coremap of per-page metadata, plus the swap
// engine that evicts user pages to the disk swap region when the
// arena is exhausted.
package mem

import (
	"fmt"
	"sync"

	"github.com/jacobsa/syncutil"

	"xk/defs"
)

/// PGSIZE is the page size in bytes.
const PGSIZE = defs.PGSIZE

/// Pa_t is a simulated physical address: a page-aligned byte offset
/// into the arena.
type Pa_t uintptr

/// Coremapent_t records the state of one physical page. Refct counts
/// mappings (greater than one means the page is shared via COW or
/// dup); Available implies Refct == 0. A pinned page is exempt from
/// eviction while the swap engine fills it.
type Coremapent_t struct {
	Available bool
	User      bool
	Pinned    bool
	Refct     int
	Va        uintptr
}

/// Vspaceupd_i is implemented by the process layer. Update walks
/// every process's vspace and repoints the page at va: for in=false
/// each vpage currently (present, ppn) moves to the swap slot; for
/// in=true each vpage referencing slot moves back to ppn. It returns
/// the number of vpage records changed.
type Vspaceupd_i interface {
	Update(va uintptr, slot int, in bool, ppn uint) int
}

/// Physmem_t is the physical page allocator.
type Physmem_t struct {
	mu     syncutil.InvariantMutex
	arena  []uint8
	cmap   []Coremapent_t
	npages int

	pagesInUse  int
	freePages   int
	pagesInSwap int

	rng      uint64
	swap     swapper_t
	swapcond *sync.Cond
	vupd     Vspaceupd_i
}

/// Phys_init reserves npages of simulated physical memory, all free.
func Phys_init(npages int) *Physmem_t {
	phys := &Physmem_t{}
	phys.npages = npages
	phys.arena = make([]uint8, npages*PGSIZE)
	phys.cmap = make([]Coremapent_t, npages)
	for i := range phys.cmap {
		phys.cmap[i].Available = true
	}
	phys.freePages = npages
	phys.setrand(1)
	phys.mu = syncutil.NewInvariantMutex(phys.checkInvariants)
	phys.swapcond = sync.NewCond(&phys.mu)
	return phys
}

// Available pages carry no references; counters add up.
func (phys *Physmem_t) checkInvariants() {
	free := 0
	for i := range phys.cmap {
		e := &phys.cmap[i]
		if e.Refct < 0 {
			panic(fmt.Sprintf("page %v negative refct", i))
		}
		if e.Available {
			if e.Refct != 0 {
				panic(fmt.Sprintf("free page %v has refct %v", i, e.Refct))
			}
			free++
		}
	}
	if free != phys.freePages {
		panic(fmt.Sprintf("free count %v != %v", free, phys.freePages))
	}
}

/// SetVspaceupd registers the process layer's vspace walker. Must be
/// called before any eviction can happen.
func (phys *Physmem_t) SetVspaceupd(u Vspaceupd_i) {
	phys.vupd = u
}

// the linear congruential generator behind random eviction;
// deliberately simple.
func (phys *Physmem_t) setrand(seed uint64) {
	phys.rng = seed
}

func (phys *Physmem_t) rand(limit int) int {
	phys.rng = phys.rng*1103515245 + 12345
	return int((phys.rng / 65536) % uint64(limit))
}

/// Npages returns the configured number of physical pages.
func (phys *Physmem_t) Npages() int {
	return phys.npages
}

/// Pa2ppn converts a physical address to its page number.
func (phys *Physmem_t) Pa2ppn(pa Pa_t) uint {
	return uint(pa >> defs.PGSHIFT)
}

/// Ppn2pa converts a page number to its physical address.
func (phys *Physmem_t) Ppn2pa(ppn uint) Pa_t {
	return Pa_t(ppn << defs.PGSHIFT)
}

/// Page returns the arena bytes backing pa, the direct-map analog.
func (phys *Physmem_t) Page(pa Pa_t) []uint8 {
	if pa%PGSIZE != 0 || int(pa) >= len(phys.arena) {
		panic("page: bad pa")
	}
	return phys.arena[pa : pa+PGSIZE : pa+PGSIZE]
}

/// Coremap exposes the coremap entry for pa; for invariant checks.
func (phys *Physmem_t) Coremap(pa Pa_t) Coremapent_t {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return phys.cmap[phys.Pa2ppn(pa)]
}

/// Kalloc returns a free physical page with refct 1. When the arena
/// is exhausted it evicts a user page to swap and retries; it fails
/// only when eviction is impossible.
func (phys *Physmem_t) Kalloc() (Pa_t, bool) {
	for {
		phys.mu.Lock()
		for i := range phys.cmap {
			if phys.cmap[i].Available {
				phys.cmap[i].Available = false
				phys.cmap[i].Refct = 1
				phys.pagesInUse++
				phys.freePages--
				phys.mu.Unlock()
				return phys.Ppn2pa(uint(i)), true
			}
		}
		phys.mu.Unlock()
		if !phys.swap_out() {
			return 0, false
		}
	}
}

/// Kfree drops one reference to pa. The page returns to the free list
/// when the count reaches zero; its bytes are poisoned to catch
/// dangling references.
func (phys *Physmem_t) Kfree(pa Pa_t) {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	phys.kfree1(pa)
}

func (phys *Physmem_t) kfree1(pa Pa_t) {
	e := &phys.cmap[phys.Pa2ppn(pa)]
	if e.Available || e.Refct <= 0 {
		panic("kfree")
	}
	if e.Refct > 1 {
		e.Refct--
		return
	}
	e.Refct = 0
	pg := phys.Page(pa)
	for i := range pg {
		pg[i] = 2
	}
	e.Available = true
	e.User = false
	e.Pinned = false
	e.Va = 0
	phys.pagesInUse--
	phys.freePages++
}

/// MarkUserMem records that pa is user-owned and which user virtual
/// address maps it; the evictor consults this.
func (phys *Physmem_t) MarkUserMem(pa Pa_t, va uintptr) {
	phys.mu.Lock()
	e := &phys.cmap[phys.Pa2ppn(pa)]
	e.User = true
	e.Va = va
	phys.mu.Unlock()
}

/// MarkKernelMem clears the user marking of pa.
func (phys *Physmem_t) MarkKernelMem(pa Pa_t) {
	phys.mu.Lock()
	e := &phys.cmap[phys.Pa2ppn(pa)]
	e.User = false
	e.Va = 0
	phys.mu.Unlock()
}

/// Refup bumps pa's reference count; used when fork shares a page
/// copy-on-write.
func (phys *Physmem_t) Refup(pa Pa_t) {
	phys.mu.Lock()
	e := &phys.cmap[phys.Pa2ppn(pa)]
	if e.Available || e.Refct <= 0 {
		panic("refup of free page")
	}
	e.Refct++
	phys.mu.Unlock()
}

/// Refcnt returns pa's current reference count.
func (phys *Physmem_t) Refcnt(pa Pa_t) int {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return phys.cmap[phys.Pa2ppn(pa)].Refct
}

/// CowShared resolves a write fault on a COW page: if pa is still
/// shared its count drops by one and the caller must copy into a
/// fresh page; otherwise the caller owns pa exclusively and may write
/// in place.
func (phys *Physmem_t) CowShared(pa Pa_t) bool {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	e := &phys.cmap[phys.Pa2ppn(pa)]
	if e.Refct > 1 {
		e.Refct--
		return true
	}
	return false
}

/// Meminfo returns (pages in use, free pages, pages in swap).
func (phys *Physmem_t) Meminfo() (int, int, int) {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return phys.pagesInUse, phys.freePages, phys.pagesInSwap
}
