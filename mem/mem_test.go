package mem_test

import (
	"math/rand"
	"sync"
	"testing"

	"xk/defs"
	"xk/mem"
)

// fakeswap is an in-memory swap device.
type fakeswap struct {
	mu    sync.Mutex
	slots [][]uint8
}

func mkfakeswap(n int) *fakeswap {
	fsw := &fakeswap{slots: make([][]uint8, n)}
	for i := range fsw.slots {
		fsw.slots[i] = make([]uint8, defs.PGSIZE)
	}
	return fsw
}

func (f *fakeswap) Pagewrite(slot int, src []uint8) {
	f.mu.Lock()
	copy(f.slots[slot], src)
	f.mu.Unlock()
}

func (f *fakeswap) Pageread(slot int, dst []uint8) {
	f.mu.Lock()
	copy(dst, f.slots[slot])
	f.mu.Unlock()
}

func (f *fakeswap) Slots() int {
	return len(f.slots)
}

// fakewalker is a one-process stand-in for the ptable's vspace walk.
type fakewalker struct {
	mu    sync.Mutex
	pages map[uintptr]*fakepage
}

type fakepage struct {
	present bool
	ppn     uint
	ondisk  int // 1-based handle, 0 = none
}

func (w *fakewalker) Update(va uintptr, slot int, in bool, ppn uint) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	pg, ok := w.pages[va]
	if !ok {
		return 0
	}
	handle := slot + 1
	if in {
		if pg.present || pg.ondisk != handle {
			return 0
		}
		pg.present = true
		pg.ondisk = 0
		pg.ppn = ppn
	} else {
		if !pg.present || pg.ppn != ppn {
			return 0
		}
		pg.present = false
		pg.ondisk = handle
		pg.ppn = 0
	}
	return 1
}

func TestKallocKfree(t *testing.T) {
	phys := mem.Phys_init(4)
	var pas []mem.Pa_t
	for i := 0; i < 4; i++ {
		pa, ok := phys.Kalloc()
		if !ok {
			t.Fatalf("kalloc %v failed", i)
		}
		pas = append(pas, pa)
	}
	if _, ok := phys.Kalloc(); ok {
		t.Fatalf("kalloc succeeded with no free pages and no swap")
	}
	inuse, free, _ := phys.Meminfo()
	if inuse != 4 || free != 0 {
		t.Fatalf("inuse %v free %v", inuse, free)
	}

	pg := phys.Page(pas[0])
	pg[0] = 0xaa
	phys.Kfree(pas[0])
	if pg[0] != 2 {
		t.Fatalf("freed page not poisoned: %#x", pg[0])
	}
	e := phys.Coremap(pas[0])
	if !e.Available || e.Refct != 0 {
		t.Fatalf("freed coremap entry: %+v", e)
	}

	if _, ok := phys.Kalloc(); !ok {
		t.Fatalf("kalloc after free failed")
	}
}

func TestRefcountSharing(t *testing.T) {
	phys := mem.Phys_init(2)
	pa, _ := phys.Kalloc()
	phys.Refup(pa)
	if got := phys.Refcnt(pa); got != 2 {
		t.Fatalf("refcnt %v", got)
	}

	// first writer must copy, second owns the page
	if !phys.CowShared(pa) {
		t.Fatalf("shared page reported exclusive")
	}
	if phys.CowShared(pa) {
		t.Fatalf("exclusive page reported shared")
	}

	phys.Kfree(pa)
	if e := phys.Coremap(pa); !e.Available {
		t.Fatalf("page not freed: %+v", e)
	}
}

func testSwapRoundtrip(t *testing.T, fill func(i int, pg []uint8)) {
	const npages = 4
	const extra = 6
	phys := mem.Phys_init(npages)
	phys.SetSwapdev(mkfakeswap(32))
	w := &fakewalker{pages: make(map[uintptr]*fakepage)}
	phys.SetVspaceupd(w)

	// fill all of memory with user pages, then keep allocating; the
	// allocator must evict to make room
	var vas []uintptr
	content := make(map[uintptr]uint8)
	for i := 0; i < npages+extra; i++ {
		pa, ok := phys.Kalloc()
		if !ok {
			t.Fatalf("kalloc %v failed", i)
		}
		va := uintptr((i + 1) * defs.PGSIZE)
		phys.MarkUserMem(pa, va)
		w.mu.Lock()
		w.pages[va] = &fakepage{present: true, ppn: phys.Pa2ppn(pa)}
		w.mu.Unlock()
		fill(i, phys.Page(pa))
		content[va] = phys.Page(pa)[1]
		vas = append(vas, va)
	}

	_, _, inswap := phys.Meminfo()
	if inswap < extra {
		t.Fatalf("expected at least %v pages in swap, got %v", extra, inswap)
	}

	// bring every evicted page back and check its bytes
	for _, va := range vas {
		w.mu.Lock()
		pg := *w.pages[va]
		w.mu.Unlock()
		if pg.present {
			continue
		}
		if err := phys.SwapIn(pg.ondisk-1, va); err != 0 {
			t.Fatalf("swapin %v: %v", va, err)
		}
		w.mu.Lock()
		pg = *w.pages[va]
		w.mu.Unlock()
		if !pg.present {
			t.Fatalf("page %v still not present", va)
		}
		got := phys.Page(phys.Ppn2pa(pg.ppn))
		if got[1] != content[va] {
			t.Fatalf("page %v corrupted: %#x != %#x", va, got[1], content[va])
		}
		// make room for the next swap-in by dropping this page
		w.mu.Lock()
		w.pages[va].present = false
		w.pages[va].ondisk = 0
		w.mu.Unlock()
		phys.MarkKernelMem(phys.Ppn2pa(pg.ppn))
		phys.Kfree(phys.Ppn2pa(pg.ppn))
	}
}

func TestSwapRoundtripCompressible(t *testing.T) {
	testSwapRoundtrip(t, func(i int, pg []uint8) {
		for j := range pg {
			pg[j] = uint8(i)
		}
	})
}

func TestSwapRoundtripIncompressible(t *testing.T) {
	rng := rand.New(rand.NewSource(451))
	testSwapRoundtrip(t, func(i int, pg []uint8) {
		rng.Read(pg)
		pg[1] = uint8(i) // the probe byte must still identify the page
	})
}

func TestSwapSlotRefcounts(t *testing.T) {
	phys := mem.Phys_init(1)
	phys.SetSwapdev(mkfakeswap(8))
	w := &fakewalker{pages: make(map[uintptr]*fakepage)}
	phys.SetVspaceupd(w)

	pa, _ := phys.Kalloc()
	va := uintptr(defs.PGSIZE)
	phys.MarkUserMem(pa, va)
	w.pages[va] = &fakepage{present: true, ppn: phys.Pa2ppn(pa)}

	// force the eviction of the only user page
	pa2, ok := phys.Kalloc()
	if !ok {
		t.Fatalf("kalloc with evictable page failed")
	}
	_ = pa2
	pg := w.pages[va]
	if pg.present || pg.ondisk == 0 {
		t.Fatalf("page not evicted: %+v", pg)
	}
	st := phys.Swapstat(pg.ondisk - 1)
	if !st.Used || st.Refct != 1 {
		t.Fatalf("slot state %+v", st)
	}

	// a COW fork would share the slot
	phys.SwapRefup(pg.ondisk - 1)
	st = phys.Swapstat(pg.ondisk - 1)
	if st.Refct != 2 {
		t.Fatalf("slot refct %v", st.Refct)
	}
	phys.SwapRefdown(pg.ondisk - 1)
	phys.SwapRefdown(pg.ondisk - 1)
	st = phys.Swapstat(pg.ondisk - 1)
	if st.Used {
		t.Fatalf("slot still used after last release")
	}
}
