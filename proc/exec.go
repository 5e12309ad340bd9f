package proc

import (
	"xk/defs"
	"xk/ustr"
	"xk/util"
	"xk/vm"
)

// exec builds the replacement image in a private vspace first; the
// caller's space is swapped out only after everything has worked, so
// a failed exec leaves the process exactly as it was.

/// Exec replaces the calling process's program with the image at
/// path. argv lands on the new stack, pointer-aligned, with
/// Rdi=argc, Rsi=argv and Rsp just below, the way the user entry
/// expects them.
func (p *Proc_t) Exec(path ustr.Ustr, argv []string) defs.Err_t {
	pt := p.pt
	if len(argv) == 0 || len(argv) > defs.MAXARG {
		return -defs.EINVAL
	}
	if argv[0] != path.String() {
		return -defs.EINVAL
	}

	var vs vm.Vspace_t
	vs.Vspaceinit(pt.phys, pt.mmu)
	abort := func() defs.Err_t {
		pt.vml.Lock()
		vs.Vspacefree()
		pt.vml.Unlock()
		return -defs.ENOEXEC
	}

	entry, err := pt.loader.Load(&vs, path, pt.phys.Kalloc)
	if err != 0 {
		return abort()
	}
	if vs.Vspaceinitstack(defs.SZ_2G, pt.phys.Kalloc) != 0 {
		return abort()
	}

	// marshal the argument strings onto the stack, high to low,
	// keeping every object pointer-aligned
	addr := defs.SZ_2G
	ptrs := make([]uintptr, len(argv)+1)
	for i := len(argv) - 1; i >= 0; i-- {
		data := append([]uint8(argv[i]), 0)
		addr -= uintptr(len(data))
		addr &^= 7
		if vs.Writetova(addr, data) != 0 {
			return abort()
		}
		ptrs[i] = addr
	}
	// then the argv array itself
	ab := make([]uint8, len(ptrs)*8)
	for i, pv := range ptrs {
		util.Writen(ab, 8, i*8, int(pv))
	}
	addr -= uintptr(len(ab))
	addr &^= 7
	if vs.Writetova(addr, ab) != 0 {
		return abort()
	}

	p.Tf.Rdi = uintptr(len(argv))
	p.Tf.Rsi = addr
	p.Tf.Rsp = addr - 8
	p.Tf.Rip = entry

	// the new image is complete; swap it in and drop the old one
	pt.vml.Lock()
	old := p.Vs
	p.Vs = vs
	pt.mmu.Invalidate(&p.Vs)
	old.Vspacefree()
	pt.vml.Unlock()
	return 0
}
