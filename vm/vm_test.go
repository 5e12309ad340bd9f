package vm_test

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"xk/defs"
	"xk/mem"
	"xk/vm"
)

func mkvs(t *testing.T, npages int) (*vm.Vspace_t, *mem.Physmem_t, *vm.Mmu_t) {
	t.Helper()
	phys := mem.Phys_init(npages)
	mmu := vm.MkMmu()
	vs := &vm.Vspace_t{}
	vs.Vspaceinit(phys, mmu)
	return vs, phys, mmu
}

func TestAddmapAndTranslate(t *testing.T) {
	vs, phys, mmu := mkvs(t, 8)
	heap := &vs.Regions[vm.VR_HEAP]
	sz := vs.Vregionaddmap(heap, heap.Vabase, 2*defs.PGSIZE, true, true, phys.Kalloc)
	if sz != 2*defs.PGSIZE {
		t.Fatalf("addmap: %v", sz)
	}
	heap.Size = uintptr(sz)
	mmu.Install(vs)

	pa, ok := mmu.Translate(heap.Vabase+100, true)
	if !ok {
		t.Fatalf("translate failed")
	}
	phys.Page(pa &^ mem.Pa_t(defs.PGSIZE-1))[100] = 7
	pa2, ok := mmu.Translate(heap.Vabase+100, false)
	if !ok || pa2 != pa {
		t.Fatalf("read translation differs: %v %v", pa, pa2)
	}

	if _, ok := mmu.Translate(heap.Vabase+2*defs.PGSIZE, false); ok {
		t.Fatalf("translated an unmapped page")
	}
}

func TestMarknotpresentStalenessIsReal(t *testing.T) {
	vs, phys, mmu := mkvs(t, 8)
	heap := &vs.Regions[vm.VR_HEAP]
	heap.Size = uintptr(vs.Vregionaddmap(heap, heap.Vabase, defs.PGSIZE, true, true, phys.Kalloc))
	mmu.Install(vs)

	if _, ok := mmu.Translate(heap.Vabase, false); !ok {
		t.Fatalf("translate failed")
	}
	mmu.Marknotpresent(vs, heap.Vabase)
	if _, ok := mmu.Translate(heap.Vabase, false); ok {
		t.Fatalf("translation survived marknotpresent")
	}
	mmu.Invalidate(vs)
	if _, ok := mmu.Translate(heap.Vabase, false); !ok {
		t.Fatalf("invalidate did not reload the mapping")
	}
}

func TestCopyOnWriteForkSemantics(t *testing.T) {
	parent, phys, mmu := mkvs(t, 8)
	heap := &parent.Regions[vm.VR_HEAP]
	heap.Size = uintptr(vs0addmap(t, parent, phys))
	va := heap.Vabase

	// parent writes through its own frame
	ppn := heap.Vpage(va).Ppn
	phys.Page(phys.Ppn2pa(ppn))[0] = 'x'

	child := &vm.Vspace_t{}
	child.Vspaceinit(phys, mmu)
	child.Vspacecopy(parent)

	pvpi := parent.Regions[vm.VR_HEAP].Vpage(va)
	cvpi := child.Regions[vm.VR_HEAP].Vpage(va)
	if diff := pretty.Compare(pvpi, cvpi); diff != "" {
		t.Fatalf("fork pages differ:\n%v", diff)
	}
	if pvpi.Writable || !pvpi.Cow {
		t.Fatalf("shared page still writable: %+v", pvpi)
	}
	if got := phys.Refcnt(phys.Ppn2pa(pvpi.Ppn)); got != 2 {
		t.Fatalf("shared frame refcnt %v", got)
	}

	// child writes: gets a private copy with the same bytes
	spare, _ := phys.Kalloc()
	used, err := child.CopyOnWrite(va, spare)
	if err != 0 || !used {
		t.Fatalf("cow: used %v err %v", used, err)
	}
	if cvpi.Ppn == pvpi.Ppn {
		t.Fatalf("child still shares the frame")
	}
	if phys.Page(phys.Ppn2pa(cvpi.Ppn))[0] != 'x' {
		t.Fatalf("copy lost the bytes")
	}
	phys.Page(phys.Ppn2pa(cvpi.Ppn))[0] = 'y'
	if phys.Page(phys.Ppn2pa(pvpi.Ppn))[0] != 'x' {
		t.Fatalf("child write leaked into the parent")
	}

	// parent writes: sole owner now, flips in place
	spare2, _ := phys.Kalloc()
	used, err = parent.CopyOnWrite(va, spare2)
	if err != 0 || used {
		t.Fatalf("exclusive cow: used %v err %v", used, err)
	}
	phys.Kfree(spare2)
	if !pvpi.Writable || pvpi.Cow {
		t.Fatalf("parent page not reclaimed: %+v", pvpi)
	}
}

func vs0addmap(t *testing.T, vs *vm.Vspace_t, phys *mem.Physmem_t) int {
	t.Helper()
	heap := &vs.Regions[vm.VR_HEAP]
	sz := vs.Vregionaddmap(heap, heap.Vabase, defs.PGSIZE, true, true, phys.Kalloc)
	if sz < 0 {
		t.Fatalf("addmap failed")
	}
	return sz
}

func TestStackGrowthBounds(t *testing.T) {
	vs, phys, _ := mkvs(t, 16)
	if err := vs.Vspaceinitstack(defs.SZ_2G, phys.Kalloc); err != 0 {
		t.Fatalf("initstack: %v", err)
	}
	stack := &vs.Regions[vm.VR_USTACK]
	if stack.Size != uintptr(defs.PGSIZE) {
		t.Fatalf("initial stack %v", stack.Size)
	}

	// one page below the mapped stack is a growth candidate
	addr := defs.SZ_2G - 2*uintptr(defs.PGSIZE) + 8
	if n := vs.StackGrowth(addr); n != uintptr(defs.PGSIZE) {
		t.Fatalf("growth %v", n)
	}
	if err := vs.GrowStackOnDemand(addr, phys.Kalloc); err != 0 {
		t.Fatalf("grow: %v", err)
	}
	if stack.Size != 2*uintptr(defs.PGSIZE) {
		t.Fatalf("stack after growth %v", stack.Size)
	}

	// below the ten page cap is not
	far := defs.SZ_2G - (defs.STACKPAGES+1)*uintptr(defs.PGSIZE)
	if n := vs.StackGrowth(far); n != 0 {
		t.Fatalf("growth past the cap: %v", n)
	}

	// growing to exactly the cap works, one page more does not
	edge := defs.SZ_2G - defs.STACKPAGES*uintptr(defs.PGSIZE)
	if n := vs.StackGrowth(edge); n == 0 {
		t.Fatalf("cannot grow to the cap")
	}
	if err := vs.GrowStackOnDemand(edge, phys.Kalloc); err != 0 {
		t.Fatalf("grow to cap: %v", err)
	}
	if n := vs.StackGrowth(edge - 1); n != 0 {
		t.Fatalf("grew past the cap")
	}
}

func TestWritetovaSpansPages(t *testing.T) {
	vs, phys, _ := mkvs(t, 8)
	heap := &vs.Regions[vm.VR_HEAP]
	heap.Size = uintptr(vs.Vregionaddmap(heap, heap.Vabase, 2*defs.PGSIZE, true, true, phys.Kalloc))

	data := make([]uint8, defs.PGSIZE)
	for i := range data {
		data[i] = uint8(i % 97)
	}
	va := heap.Vabase + uintptr(defs.PGSIZE) - 100
	if err := vs.Writetova(va, data); err != 0 {
		t.Fatalf("writetova: %v", err)
	}

	pg0 := phys.Page(phys.Ppn2pa(heap.Vpage(heap.Vabase).Ppn))
	pg1 := phys.Page(phys.Ppn2pa(heap.Vpage(heap.Vabase + uintptr(defs.PGSIZE)).Ppn))
	if pg0[defs.PGSIZE-100] != data[0] || pg1[0] != data[100] {
		t.Fatalf("span write landed wrong")
	}
}

func TestVspacefreeReturnsFrames(t *testing.T) {
	vs, phys, _ := mkvs(t, 8)
	heap := &vs.Regions[vm.VR_HEAP]
	heap.Size = uintptr(vs.Vregionaddmap(heap, heap.Vabase, 3*defs.PGSIZE, true, true, phys.Kalloc))
	inuse, _, _ := phys.Meminfo()
	if inuse != 3 {
		t.Fatalf("inuse %v", inuse)
	}
	vs.Vspacefree()
	inuse, _, _ = phys.Meminfo()
	if inuse != 0 {
		t.Fatalf("frames leaked: %v", inuse)
	}
}
