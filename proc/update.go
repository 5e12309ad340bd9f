package proc

import "xk/vm"

// The eviction walker: mem calls Update to repoint every process's
// mapping of one page when it moves between a physical frame and a
// swap slot. The walk snapshots the live vspaces under the table
// lock, then mutates page records under the vspace lock; coremap and
// swap-slot refcount arithmetic stays in mem, driven by the returned
// count.

/// Update implements mem.Vspaceupd_i. For in=false every vpage that
/// is (present, ppn) at va moves to the swap slot and loses its
/// translation; for in=true every vpage referencing the slot at va
/// comes back to ppn. Returns the number of vpage records changed.
func (pt *Ptable_t) Update(va uintptr, slot int, in bool, ppn uint) int {
	pt.mu.Lock()
	live := make([]*vm.Vspace_t, 0, 8)
	for i := range pt.procs {
		if pt.procs[i].state != UNUSED {
			live = append(live, &pt.procs[i].Vs)
		}
	}
	pt.mu.Unlock()

	handle := slot + 1
	changed := 0
	pt.vml.Lock()
	for _, vs := range live {
		vr := vs.Va2vregion(va)
		if vr == nil {
			continue
		}
		vpi := vr.Vpage(va)
		if vpi == nil || !vpi.Used {
			continue
		}
		if in {
			if vpi.Present || vpi.OnDisk != handle {
				continue
			}
			vpi.OnDisk = 0
			vpi.Present = true
			vpi.Ppn = ppn
			pt.mmu.Invalidate(vs)
		} else {
			if !vpi.Present || vpi.Ppn != ppn {
				continue
			}
			vpi.Present = false
			vpi.OnDisk = handle
			vpi.Ppn = 0
			pt.mmu.Marknotpresent(vs, va)
		}
		changed++
	}
	pt.vml.Unlock()
	return changed
}
