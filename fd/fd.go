// Package fd implements open-file bookkeeping: the global file table
// of finfo slots and the per-process descriptor table, multiplexing
// regular files, devices, and pipes behind one interface.
package fd

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"xk/defs"
	"xk/fs"
	"xk/mem"
	"xk/pipe"
	"xk/stat"
	"xk/ustr"
)

/// Ftype_t tags what a finfo refers to.
type Ftype_t int

const (
	FILE Ftype_t = 1 /// inode-backed (regular file or device)
	PIPE Ftype_t = 2 /// one end of a pipe
)

/// Finfo_t is one global open-file entry. A slot is free exactly when
/// refct is zero. Several descriptors, possibly in different
/// processes, may share one finfo; each contributes to refct.
type Finfo_t struct {
	refct  int
	ftype  Ftype_t
	ip     *fs.Inode_t
	pipe   *pipe.Pipe_t
	writer bool /// which pipe end this entry is
	// offset is the file position for FILE entries. For PIPE entries
	// the field is implementation reserved and never read.
	offset int
	access int
}

/// Ftype returns the entry's tag.
func (fi *Finfo_t) Ftype() Ftype_t {
	return fi.ftype
}

/// Inode returns the backing inode of a FILE entry.
func (fi *Finfo_t) Inode() *fs.Inode_t {
	return fi.ip
}

/// Fdtable_t is a process's descriptor table. It is confined to its
/// owning process; fork copies it while the parent is the running
/// process.
type Fdtable_t struct {
	fds [defs.NOFILE]*Finfo_t
}

// fd_available returns the smallest free descriptor or -1.
func (fdt *Fdtable_t) fd_available() int {
	for fd := 0; fd < defs.NOFILE; fd++ {
		if fdt.fds[fd] == nil {
			return fd
		}
	}
	return -1
}

/// Lookup returns the finfo behind fd, nil when closed or out of
/// range.
func (fdt *Fdtable_t) Lookup(fd int) *Finfo_t {
	if fd < 0 || fd >= defs.NOFILE {
		return nil
	}
	return fdt.fds[fd]
}

/// Ftable_t is the global file table.
type Ftable_t struct {
	mu      syncutil.InvariantMutex
	finfo   [defs.NFILE]Finfo_t
	fs      *fs.Fs_t
	phys    *mem.Physmem_t
	sleeper pipe.Sleeper_i
}

/// MkFtable builds the file table. The sleeper is handed to pipes for
/// their full/empty rendezvous.
func MkFtable(fsys *fs.Fs_t, phys *mem.Physmem_t, sleeper pipe.Sleeper_i) *Ftable_t {
	ft := &Ftable_t{}
	ft.fs = fsys
	ft.phys = phys
	ft.sleeper = sleeper
	ft.mu = syncutil.NewInvariantMutex(ft.checkInvariants)
	return ft
}

// A slot is free iff refct == 0, and free slots hold nothing.
func (ft *Ftable_t) checkInvariants() {
	for i := range ft.finfo {
		fi := &ft.finfo[i]
		if fi.refct < 0 {
			panic(fmt.Sprintf("finfo %v negative refct", i))
		}
		if fi.refct == 0 && (fi.ip != nil || fi.pipe != nil) {
			panic(fmt.Sprintf("free finfo %v still populated", i))
		}
	}
}

// alloc claims a free slot under ft.mu.
func (ft *Ftable_t) alloc() *Finfo_t {
	for i := range ft.finfo {
		if ft.finfo[i].refct == 0 {
			return &ft.finfo[i]
		}
	}
	return nil
}

/// Open resolves path and installs it at the caller's smallest free
/// descriptor.
func (ft *Ftable_t) Open(fdt *Fdtable_t, path ustr.Ustr, mode int) (int, defs.Err_t) {
	ip, err := ft.fs.Namei(path)
	if err != 0 {
		return 0, -defs.ENOENT
	}
	fd := fdt.fd_available()
	if fd == -1 {
		ft.fs.Irelease(ip)
		return 0, -defs.EMFILE
	}
	ft.mu.Lock()
	fi := ft.alloc()
	if fi == nil {
		ft.mu.Unlock()
		ft.fs.Irelease(ip)
		return 0, -defs.ENFILE
	}
	fi.refct = 1
	fi.ftype = FILE
	fi.ip = ip
	fi.pipe = nil
	fi.offset = 0
	fi.access = mode
	ft.mu.Unlock()
	fdt.fds[fd] = fi
	return fd, 0
}

/// Close detaches fd. The finfo is reclaimed once its last descriptor
/// goes away: FILE entries release their inode; a pipe end drops its
/// side's reference and the pipe frees its page when both sides are
/// gone.
func (ft *Ftable_t) Close(fdt *Fdtable_t, fd int) defs.Err_t {
	fi := fdt.Lookup(fd)
	if fi == nil {
		return -defs.EBADF
	}
	fdt.fds[fd] = nil

	ft.mu.Lock()
	fi.refct--
	last := fi.refct == 0
	ip := fi.ip
	pp := fi.pipe
	writer := fi.writer
	if last {
		fi.ip = nil
		fi.pipe = nil
		fi.offset = 0
		fi.access = 0
	}
	ft.mu.Unlock()

	if pp != nil {
		pp.Decref(writer)
	}
	if last && fi.ftype == FILE {
		ft.fs.Irelease(ip)
	}
	return 0
}

/// Dup installs a second descriptor for fd's finfo and returns it.
func (ft *Ftable_t) Dup(fdt *Fdtable_t, fd int) (int, defs.Err_t) {
	fi := fdt.Lookup(fd)
	if fi == nil {
		return 0, -defs.EBADF
	}
	nfd := fdt.fd_available()
	if nfd == -1 {
		return 0, -defs.EMFILE
	}
	ft.mu.Lock()
	fi.refct++
	ft.mu.Unlock()
	if fi.ftype == PIPE {
		fi.pipe.Incref(fi.writer)
	}
	fdt.fds[nfd] = fi
	return nfd, 0
}

/// Read transfers up to n bytes from fd into dst, advancing the file
/// offset for FILE entries.
func (ft *Ftable_t) Read(fdt *Fdtable_t, fd int, dst []uint8, n int) (int, defs.Err_t) {
	fi := fdt.Lookup(fd)
	if fi == nil || n < 0 || n > len(dst) {
		return 0, -defs.EBADF
	}
	if fi.access != defs.O_RDONLY && fi.access != defs.O_RDWR {
		return 0, -defs.EPERM
	}
	switch fi.ftype {
	case FILE:
		read, err := ft.fs.Concurrent_readi(fi.ip, dst, fi.offset, n)
		if err != 0 {
			return 0, err
		}
		ft.mu.Lock()
		fi.offset += read
		ft.mu.Unlock()
		return read, 0
	case PIPE:
		return fi.pipe.Read(dst[:n])
	}
	panic("bad ftype")
}

/// Write transfers up to n bytes from src into fd, advancing the file
/// offset for FILE entries. Pipe writes may be short when the buffer
/// fills.
func (ft *Ftable_t) Write(fdt *Fdtable_t, fd int, src []uint8, n int) (int, defs.Err_t) {
	fi := fdt.Lookup(fd)
	if fi == nil || n < 0 || n > len(src) {
		return 0, -defs.EBADF
	}
	if fi.access != defs.O_WRONLY && fi.access != defs.O_RDWR {
		return 0, -defs.EPERM
	}
	switch fi.ftype {
	case FILE:
		wrote, err := ft.fs.Concurrent_writei(fi.ip, src, fi.offset, n)
		if err != 0 {
			return 0, err
		}
		ft.mu.Lock()
		fi.offset += wrote
		ft.mu.Unlock()
		return wrote, 0
	case PIPE:
		return fi.pipe.Write(src[:n])
	}
	panic("bad ftype")
}

/// Stat fills st from fd's inode; pipes have no stat.
func (ft *Ftable_t) Stat(fdt *Fdtable_t, fd int, st *stat.Stat_t) defs.Err_t {
	fi := fdt.Lookup(fd)
	if fi == nil {
		return -defs.EBADF
	}
	if fi.ftype != FILE {
		return -defs.EINVAL
	}
	ft.fs.Concurrent_stati(fi.ip, st)
	return 0
}

/// PipeOpen allocates a pipe and installs its read and write ends at
/// the caller's two smallest free descriptors.
func (ft *Ftable_t) PipeOpen(fdt *Fdtable_t) (int, int, defs.Err_t) {
	rfd := fdt.fd_available()
	if rfd == -1 {
		return 0, 0, -defs.EMFILE
	}
	// reserve rfd while probing for the second descriptor
	var probe Finfo_t
	fdt.fds[rfd] = &probe
	wfd := fdt.fd_available()
	fdt.fds[rfd] = nil
	if wfd == -1 {
		return 0, 0, -defs.EMFILE
	}

	ft.mu.Lock()
	rfi := ft.alloc()
	if rfi != nil {
		rfi.refct = 1 // hold the slot while finding the second
	}
	wfi := ft.alloc()
	if rfi == nil || wfi == nil {
		if rfi != nil {
			rfi.refct = 0
		}
		ft.mu.Unlock()
		return 0, 0, -defs.ENFILE
	}
	wfi.refct = 1
	ft.mu.Unlock()

	pp, err := pipe.MkPipe(ft.phys, ft.sleeper)
	if err != 0 {
		ft.mu.Lock()
		rfi.refct = 0
		wfi.refct = 0
		ft.mu.Unlock()
		return 0, 0, err
	}

	ft.mu.Lock()
	rfi.ftype = PIPE
	rfi.ip = nil
	rfi.pipe = pp
	rfi.writer = false
	rfi.offset = 0
	rfi.access = defs.O_RDONLY
	wfi.ftype = PIPE
	wfi.ip = nil
	wfi.pipe = pp
	wfi.writer = true
	wfi.offset = 0
	wfi.access = defs.O_WRONLY
	ft.mu.Unlock()

	fdt.fds[rfd] = rfi
	fdt.fds[wfd] = wfi
	return rfd, wfd, 0
}

/// ForkCopy shares every open descriptor of parent with child,
/// bumping finfo and pipe-end reference counts.
func (ft *Ftable_t) ForkCopy(parent, child *Fdtable_t) {
	for fd := 0; fd < defs.NOFILE; fd++ {
		fi := parent.fds[fd]
		if fi == nil {
			continue
		}
		ft.mu.Lock()
		fi.refct++
		ft.mu.Unlock()
		if fi.ftype == PIPE {
			fi.pipe.Incref(fi.writer)
		}
		child.fds[fd] = fi
	}
}

/// CloseAll closes every open descriptor; used by exit.
func (ft *Ftable_t) CloseAll(fdt *Fdtable_t) {
	for fd := 0; fd < defs.NOFILE; fd++ {
		if fdt.fds[fd] != nil {
			ft.Close(fdt, fd)
		}
	}
}

/// Refct returns fi's current reference count; for tests.
func (ft *Ftable_t) Refct(fi *Finfo_t) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return fi.refct
}
