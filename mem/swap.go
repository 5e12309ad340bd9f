package mem

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"xk/defs"
)

const swap_debug = false

// The swap engine. When Kalloc finds no free page it picks a random
// user page (an LCG, deliberately simple; precision is not the point),
// repoints every vspace mapping of that page at a disk slot, and
// writes the bytes out. A page fault on a swapped page brings it back
// through SwapIn. Slots are one page; their refcounts track how many
// vpage records reference them, which exceeds one when a COW-shared
// page is evicted.
//
// Pages are zstd-compressed on the way out when the result fits; the
// compressed length lives in the in-memory slot metadata, which is
// fine because swap does not survive a reboot.

/// Swapstat_t is the in-memory metadata of one swap slot.
type Swapstat_t struct {
	Used  bool
	Refct int
	clen  int  /// compressed byte count; 0 means stored raw
	busy  bool /// the evictor has not finished writing the slot
}

type swapper_t struct {
	dev    Swapdev_i
	status []Swapstat_t
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

/// Swapdev_i is the page-slot view of the disk swap region.
type Swapdev_i interface {
	Pagewrite(slot int, src []uint8)
	Pageread(slot int, dst []uint8)
	Slots() int
}

/// SetSwapdev connects the swap region. Until this is called the
/// allocator cannot evict.
func (phys *Physmem_t) SetSwapdev(dev Swapdev_i) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	phys.swap = swapper_t{
		dev:    dev,
		status: make([]Swapstat_t, dev.Slots()),
		enc:    enc,
		dec:    dec,
	}
}

/// SwapRefup adds a reference to slot; fork uses it when sharing a
/// swapped-out page copy-on-write.
func (phys *Physmem_t) SwapRefup(slot int) {
	phys.mu.Lock()
	st := &phys.swap.status[slot]
	if !st.Used || st.Refct <= 0 {
		panic("swaprefup of free slot")
	}
	st.Refct++
	phys.mu.Unlock()
}

/// SwapRefdown drops a reference to slot, releasing it at zero; exit
/// uses it for pages that died while swapped out.
func (phys *Physmem_t) SwapRefdown(slot int) {
	phys.mu.Lock()
	st := &phys.swap.status[slot]
	if !st.Used || st.Refct <= 0 {
		panic("swaprefdown of free slot")
	}
	st.Refct--
	if st.Refct == 0 {
		st.Used = false
		st.clen = 0
		phys.pagesInSwap--
	}
	phys.mu.Unlock()
}

/// Swapstat returns slot's metadata; for invariant checks.
func (phys *Physmem_t) Swapstat(slot int) Swapstat_t {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return phys.swap.status[slot]
}

// swap_out evicts one random user page to a free swap slot. Called
// without phys.mu held: the vspace walk takes the process table lock
// and the page write suspends, so neither may happen under a
// spinlock-class mutex. Returns false when eviction is impossible (no
// swap device or no walker registered, or no victim's references all
// moved to the slot within 100 tries).
func (phys *Physmem_t) swap_out() bool {
	if phys.swap.dev == nil || phys.vupd == nil {
		return false
	}

	phys.mu.Lock()
	slot := -1
	for i := range phys.swap.status {
		if !phys.swap.status[i].Used {
			slot = i
			break
		}
	}
	if slot == -1 {
		panic("swap region full")
	}
	phys.swap.status[slot].Used = true
	phys.swap.status[slot].busy = true
	phys.pagesInSwap++

	ppn := -1
	for tries := 0; ; tries++ {
		if tries == 100 {
			// nothing evictable settled; hand the slot back (unless
			// a partial walk already parked mappings in it) and
			// report the allocation as hopeless
			if phys.swap.status[slot].Refct == 0 {
				phys.swap.status[slot].Used = false
				phys.pagesInSwap--
			}
			phys.swap.status[slot].busy = false
			phys.swapcond.Broadcast()
			phys.mu.Unlock()
			return false
		}
		ppn = phys.rand_user_page()
		va := phys.cmap[ppn].Va
		phys.mu.Unlock()
		n := phys.vupd.Update(va, slot, false, uint(ppn))
		phys.mu.Lock()
		e := &phys.cmap[ppn]
		e.Refct -= n
		phys.swap.status[slot].Refct += n
		if e.Refct == 0 {
			break
		}
		// something still references the frame; try another victim
	}
	if swap_debug {
		fmt.Printf("swap_out ppn %v slot %v\n", ppn, slot)
	}
	phys.mu.Unlock()

	// write the bytes with the lock dropped; the page is no longer
	// mapped anywhere so nothing can dirty it underneath us
	pa := phys.Ppn2pa(uint(ppn))
	pg := phys.Page(pa)
	comp := phys.swap.enc.EncodeAll(pg, nil)
	clen := len(comp)
	if clen < PGSIZE {
		phys.swap.dev.Pagewrite(slot, comp)
	} else {
		phys.swap.dev.Pagewrite(slot, pg)
		clen = 0
	}

	phys.mu.Lock()
	phys.swap.status[slot].clen = clen
	phys.swap.status[slot].busy = false
	phys.swapcond.Broadcast()
	e := &phys.cmap[ppn]
	e.Available = true
	e.User = false
	e.Va = 0
	phys.pagesInUse--
	phys.freePages++
	phys.mu.Unlock()
	return true
}

// rand_user_page picks a random evictable user page, trying up to 100
// random indices. Called with phys.mu held.
func (phys *Physmem_t) rand_user_page() int {
	for try := 0; try < 100; try++ {
		i := phys.rand(phys.npages)
		e := &phys.cmap[i]
		if e.User && !e.Pinned && e.Refct > 0 && e.Va != 0 {
			return i
		}
	}
	panic("tried 100 random indices for a user page, all failed")
}

/// SwapIn loads the page stored in slot back into a fresh physical
/// page and repoints every vspace record that references the slot.
/// va is the faulting user address. The slot is released once nothing
/// references it.
func (phys *Physmem_t) SwapIn(slot int, va uintptr) defs.Err_t {
	pa, ok := phys.Kalloc()
	if !ok {
		return -defs.ENOMEM
	}

	phys.mu.Lock()
	ppn := phys.Pa2ppn(pa)
	e := &phys.cmap[ppn]
	// mappings re-added by the walk below; pinned until the bytes
	// have actually arrived
	e.Refct = 0
	e.User = true
	e.Pinned = true
	e.Va = va
	phys.pagesInSwap--
	phys.mu.Unlock()

	n := phys.vupd.Update(va, slot, true, ppn)
	if n == 0 {
		// somebody else brought the page in first; put the frame
		// back and let the faulter retry
		phys.mu.Lock()
		e = &phys.cmap[ppn]
		e.Refct = 1
		e.User = false
		e.Pinned = false
		e.Va = 0
		phys.pagesInSwap++
		phys.mu.Unlock()
		phys.Kfree(pa)
		return 0
	}

	phys.mu.Lock()
	e = &phys.cmap[ppn]
	e.Refct += n
	phys.swap.status[slot].Refct -= n
	if phys.swap.status[slot].Refct < 0 {
		panic("swap slot over-released")
	}
	// the evictor may still be writing the slot out
	for phys.swap.status[slot].busy {
		phys.swapcond.Wait()
	}
	clen := phys.swap.status[slot].clen
	phys.mu.Unlock()

	pg := phys.Page(pa)
	if clen == 0 {
		phys.swap.dev.Pageread(slot, pg)
	} else {
		comp := make([]uint8, clen)
		phys.swap.dev.Pageread(slot, comp)
		out, err := phys.swap.dec.DecodeAll(comp, pg[:0])
		if err != nil || len(out) != PGSIZE {
			panic(fmt.Sprintf("swap decompress slot %v: %v", slot, err))
		}
	}

	phys.mu.Lock()
	phys.cmap[ppn].Pinned = false
	if phys.swap.status[slot].Refct == 0 {
		phys.swap.status[slot].Used = false
		phys.swap.status[slot].clen = 0
	}
	phys.mu.Unlock()
	if swap_debug {
		fmt.Printf("swap_in slot %v -> ppn %v\n", slot, ppn)
	}
	return 0
}
