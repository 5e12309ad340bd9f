package vm

import (
	"sync"

	"xk/defs"
	"xk/mem"
)

/// Pager_i is the page-table contract: install a space on the CPU,
/// switch back to the kernel space, and invalidate mappings after the
/// vspace changes. The exact table format is the implementation's
/// business.
type Pager_i interface {
	Install(*Vspace_t)
	Installkern()
	Invalidate(*Vspace_t)
	Marknotpresent(*Vspace_t, uintptr)
}

/// Pte_t is one translation entry of the simulated MMU.
type Pte_t struct {
	Ppn      uint
	Writable bool
}

/// Mmu_t simulates the CPU's address translation hardware: it holds
/// the translations of the installed vspace and nothing else, so a
/// missing Invalidate shows up as a stale translation exactly like a
/// missing TLB flush would.
type Mmu_t struct {
	mu      sync.Mutex
	current *Vspace_t
	entries map[uintptr]Pte_t
}

/// MkMmu builds an MMU with the kernel space installed.
func MkMmu() *Mmu_t {
	return &Mmu_t{}
}

func (m *Mmu_t) load(vs *Vspace_t) {
	m.entries = make(map[uintptr]Pte_t)
	for ri := range vs.Regions {
		vr := &vs.Regions[ri]
		for va, vpi := range vr.pages {
			if !vpi.Used || !vpi.Present {
				continue
			}
			m.entries[va] = Pte_t{
				Ppn:      vpi.Ppn,
				Writable: vpi.Writable && !vpi.Cow,
			}
		}
	}
}

/// Install makes vs the translated address space.
func (m *Mmu_t) Install(vs *Vspace_t) {
	m.mu.Lock()
	m.current = vs
	m.load(vs)
	m.mu.Unlock()
}

/// Installkern switches to the kernel address space; user translation
/// stops until the next Install.
func (m *Mmu_t) Installkern() {
	m.mu.Lock()
	m.current = nil
	m.entries = nil
	m.mu.Unlock()
}

/// Invalidate reloads the translations when vs is installed.
func (m *Mmu_t) Invalidate(vs *Vspace_t) {
	m.mu.Lock()
	if m.current == vs {
		m.load(vs)
	}
	m.mu.Unlock()
}

/// Marknotpresent drops one page's translation when vs is installed.
func (m *Mmu_t) Marknotpresent(vs *Vspace_t, va uintptr) {
	m.mu.Lock()
	if m.current == vs {
		delete(m.entries, va&^uintptr(defs.PGSIZE-1))
	}
	m.mu.Unlock()
}

/// Translate maps va to a physical address, honoring write
/// protection. ok is false when the access must fault.
func (m *Mmu_t) Translate(va uintptr, write bool) (mem.Pa_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pte, ok := m.entries[va&^uintptr(defs.PGSIZE-1)]
	if !ok {
		return 0, false
	}
	if write && !pte.Writable {
		return 0, false
	}
	return mem.Pa_t(pte.Ppn<<defs.PGSHIFT) + mem.Pa_t(va&uintptr(defs.PGSIZE-1)), true
}

/// Current returns the installed vspace, nil for the kernel space.
func (m *Mmu_t) Current() *Vspace_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
