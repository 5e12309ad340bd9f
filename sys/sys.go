// Package sys is the system call surface: argument validation in
// front of the file, pipe, process, and memory layers. Buffers here
// are kernel buffers; user programs running in the simulator hand in
// slices the way real ones hand in validated user pointers.
package sys

import (
	"xk/defs"
	"xk/fd"
	"xk/proc"
	"xk/stat"
	"xk/ustr"
)

/// Diskcounts_i reports cumulative disk reads and writes for sysinfo.
type Diskcounts_i interface {
	Counts() (int, int)
}

/// Sysinfo_t is the record filled by the sysinfo system call.
type Sysinfo_t struct {
	Pagesinuse  int
	Pagesinswap int
	Freepages   int
	Ndiskreads  int
	Ndiskwrites int
	Npagefaults int
	Uptimens    int64
}

/// Sys_t dispatches system calls against one booted kernel.
type Sys_t struct {
	Pt   *proc.Ptable_t
	Disk Diskcounts_i
}

/// MkSys wires the syscall layer.
func MkSys(pt *proc.Ptable_t, disk Diskcounts_i) *Sys_t {
	return &Sys_t{Pt: pt, Disk: disk}
}

/// Open opens path for p with the given mode and returns the
/// smallest free descriptor. O_CREATE is rejected; write modes are
/// only honored for device nodes, the file system proper being
/// read-only through this interface.
func (sys *Sys_t) Open(p *proc.Proc_t, path string, mode int) (int, defs.Err_t) {
	p.Chkkilled()
	if mode&defs.O_CREATE != 0 {
		return 0, -defs.EINVAL
	}
	if mode != defs.O_RDONLY && mode != defs.O_WRONLY && mode != defs.O_RDWR {
		return 0, -defs.EINVAL
	}
	ft := sys.Pt.Ftable()
	fdnum, err := ft.Open(&p.Fdt, ustr.Ustr(path), mode)
	if err != 0 {
		return 0, err
	}
	if mode != defs.O_RDONLY {
		// the inode's type is only loaded under its sleep-lock, so
		// read it through stat rather than from the unlocked slot
		fi := p.Fdt.Lookup(fdnum)
		var st stat.Stat_t
		if fi.Ftype() != fd.FILE || ft.Stat(&p.Fdt, fdnum, &st) != 0 || st.Type() != defs.TDEV {
			ft.Close(&p.Fdt, fdnum)
			return 0, -defs.EINVAL
		}
	}
	return fdnum, 0
}

/// Close closes an open descriptor.
func (sys *Sys_t) Close(p *proc.Proc_t, fdnum int) defs.Err_t {
	p.Chkkilled()
	return sys.Pt.Ftable().Close(&p.Fdt, fdnum)
}

/// Dup duplicates a descriptor onto the smallest free slot.
func (sys *Sys_t) Dup(p *proc.Proc_t, fdnum int) (int, defs.Err_t) {
	p.Chkkilled()
	return sys.Pt.Ftable().Dup(&p.Fdt, fdnum)
}

/// Read reads up to n bytes from the descriptor into buf.
func (sys *Sys_t) Read(p *proc.Proc_t, fdnum int, buf []uint8, n int) (int, defs.Err_t) {
	p.Chkkilled()
	if n < 0 || n > len(buf) {
		return 0, -defs.EINVAL
	}
	ret, err := sys.Pt.Ftable().Read(&p.Fdt, fdnum, buf, n)
	p.Chkkilled()
	return ret, err
}

/// Write writes up to n bytes from buf to the descriptor.
func (sys *Sys_t) Write(p *proc.Proc_t, fdnum int, buf []uint8, n int) (int, defs.Err_t) {
	p.Chkkilled()
	if n < 0 || n > len(buf) {
		return 0, -defs.EINVAL
	}
	ret, err := sys.Pt.Ftable().Write(&p.Fdt, fdnum, buf, n)
	p.Chkkilled()
	return ret, err
}

/// Fstat fills st for the descriptor.
func (sys *Sys_t) Fstat(p *proc.Proc_t, fdnum int, st *stat.Stat_t) defs.Err_t {
	p.Chkkilled()
	return sys.Pt.Ftable().Stat(&p.Fdt, fdnum, st)
}

/// Pipe creates a pipe and returns its read and write descriptors.
func (sys *Sys_t) Pipe(p *proc.Proc_t) (int, int, defs.Err_t) {
	p.Chkkilled()
	return sys.Pt.Ftable().PipeOpen(&p.Fdt)
}

/// Fork clones p; the child runs childmain with a copy-on-write view
/// of the parent's memory and shares its descriptors.
func (sys *Sys_t) Fork(p *proc.Proc_t, childmain func(*proc.Proc_t)) (int, defs.Err_t) {
	p.Chkkilled()
	return p.Fork(childmain)
}

/// Exec replaces p's program with the image at path.
func (sys *Sys_t) Exec(p *proc.Proc_t, path string, argv []string) defs.Err_t {
	p.Chkkilled()
	return p.Exec(ustr.Ustr(path), argv)
}

/// Exit terminates the calling process; it does not return.
func (sys *Sys_t) Exit(p *proc.Proc_t) {
	p.Exit()
}

/// Wait reaps one exited child and returns its pid.
func (sys *Sys_t) Wait(p *proc.Proc_t) (int, defs.Err_t) {
	p.Chkkilled()
	ret, err := p.Wait()
	p.Chkkilled()
	return ret, err
}

/// Kill marks the process with the given pid for termination.
func (sys *Sys_t) Kill(p *proc.Proc_t, pid int) defs.Err_t {
	p.Chkkilled()
	return sys.Pt.Kill(pid)
}

/// Sbrk grows the heap by n bytes and returns the old break.
func (sys *Sys_t) Sbrk(p *proc.Proc_t, n int) (uintptr, defs.Err_t) {
	p.Chkkilled()
	return p.Sbrk(n)
}

/// Sysinfo reports memory, swap, disk, and fault counters.
func (sys *Sys_t) Sysinfo(p *proc.Proc_t, si *Sysinfo_t) defs.Err_t {
	p.Chkkilled()
	inuse, free, inswap := sys.Pt.Phys().Meminfo()
	si.Pagesinuse = inuse
	si.Freepages = free
	si.Pagesinswap = inswap
	if sys.Disk != nil {
		si.Ndiskreads, si.Ndiskwrites = sys.Disk.Counts()
	}
	si.Npagefaults = sys.Pt.Nfaults()
	si.Uptimens = sys.Pt.Uptime()
	return 0
}
