// Package ukern boots the whole kernel in user space: simulated
// physical memory, a disk image, the file system, the file table, and
// the process table with its scheduler. Tests and the mkfs tool drive
// the kernel through it.
package ukern

import (
	"io"
	"log"
	"sync"

	"github.com/jacobsa/timeutil"

	"xk/defs"
	"xk/fd"
	"xk/fs"
	"xk/ide"
	"xk/mem"
	"xk/proc"
	"xk/stat"
	"xk/sys"
	"xk/ustr"
	"xk/vm"
)

/// Counts_i reports disk counters; both disk flavors satisfy it.
type Counts_i interface {
	Counts() (int, int)
}

/// Ukern_t is one booted kernel instance.
type Ukern_t struct {
	Phys *mem.Physmem_t
	Fs   *fs.Fs_t
	Ft   *fd.Ftable_t
	Pt   *proc.Ptable_t
	Sys  *sys.Sys_t
	Mmu  *vm.Mmu_t

	Console *Console_t

	fdisk *ide.Disk_t
	init  *proc.Proc_t

	schedwg sync.WaitGroup
}

/// Bootopts_t tunes a boot.
type Bootopts_t struct {
	Npages int /// simulated physical pages; 0 picks a default
	Clock  timeutil.Clock
	Stdin  io.Reader
	Stdout io.Writer
}

func (o *Bootopts_t) fill() {
	if o.Npages == 0 {
		o.Npages = 64
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock()
	}
}

/// BootMem boots a kernel on an in-memory image.
func BootMem(img []uint8, opts Bootopts_t) *Ukern_t {
	d := ide.MkMemdisk(img)
	k := boot(d, d, opts)
	sb := k.Fs.Superb()
	slots := (sb.Size() - sb.Swapstart()) / defs.SWAPBLKSPP
	k.Phys.SetSwapdev(ide.MkMemswapdev(d, sb.Swapstart(), slots))
	return k
}

/// BootFS boots a kernel on the disk image at path.
func BootFS(path string, opts Bootopts_t) (*Ukern_t, error) {
	d, err := ide.MkDisk(path)
	if err != nil {
		return nil, err
	}
	log.Printf("boot %v ...", path)
	k := boot(d, d, opts)
	k.fdisk = d
	sb := k.Fs.Superb()
	slots := (sb.Size() - sb.Swapstart()) / defs.SWAPBLKSPP
	k.Phys.SetSwapdev(ide.MkSwapdev(d, sb.Swapstart(), slots))
	return k, nil
}

func boot(d fs.Disk_i, counts Counts_i, opts Bootopts_t) *Ukern_t {
	opts.fill()
	k := &Ukern_t{}
	k.Phys = mem.Phys_init(opts.Npages)
	k.Fs = fs.StartFS(d)
	k.Mmu = vm.MkMmu()
	k.Console = MkConsole(opts.Stdin, opts.Stdout)
	k.Fs.Mkdev(defs.D_CONSOLE, k.Console)

	k.Pt = proc.MkPtable(k.Phys, k.Fs, k.Mmu, MkLoader(k.Fs), opts.Clock)
	k.Ft = fd.MkFtable(k.Fs, k.Phys, k.Pt)
	k.Pt.SetFtable(k.Ft)
	k.Phys.SetVspaceupd(k.Pt)
	k.Sys = sys.MkSys(k.Pt, counts)

	k.schedwg.Add(1)
	go func() {
		defer k.schedwg.Done()
		k.Pt.Scheduler()
	}()

	// init reaps orphans until shutdown
	initp, err := k.Pt.Spawn("init", func(p *proc.Proc_t) {
		var m sync.Mutex
		m.Lock()
		for !p.Killed() && !k.Pt.Halted() {
			if _, werr := p.Wait(); werr != 0 {
				k.Pt.Sleep(p, &m)
			}
		}
	})
	if err != 0 {
		panic("cannot spawn init")
	}
	k.init = initp
	k.Pt.SetInit(initp)
	return k
}

/// Shutdown stops the scheduler and flushes the file system.
func (k *Ukern_t) Shutdown() {
	k.Pt.Halt()
	k.schedwg.Wait()
	k.Fs.StopFS()
	if k.fdisk != nil {
		if err := k.fdisk.Close(); err != nil {
			panic(err)
		}
	}
}

//
// ufs-style kernel-context helpers for tests and tools
//

/// MkFile creates path and fills it with data.
func (k *Ukern_t) MkFile(path ustr.Ustr, data []uint8) defs.Err_t {
	if err := k.Fs.FileCreate(path); err != 0 {
		return err
	}
	if len(data) == 0 {
		return 0
	}
	return k.update(path, data, 0)
}

/// Update overwrites path with data starting at offset off.
func (k *Ukern_t) Update(path ustr.Ustr, data []uint8, off int) defs.Err_t {
	return k.update(path, data, off)
}

func (k *Ukern_t) update(path ustr.Ustr, data []uint8, off int) defs.Err_t {
	ip, err := k.Fs.Namei(path)
	if err != 0 {
		return err
	}
	n, werr := k.Fs.Concurrent_writei(ip, data, off, len(data))
	k.Fs.Irelease(ip)
	if werr != 0 {
		return werr
	}
	if n != len(data) {
		return -defs.ENOSPC
	}
	return 0
}

/// Append extends path with data.
func (k *Ukern_t) Append(path ustr.Ustr, data []uint8) defs.Err_t {
	st, err := k.Stat(path)
	if err != 0 {
		return err
	}
	return k.update(path, data, int(st.Size()))
}

/// ReadFile returns path's whole contents.
func (k *Ukern_t) ReadFile(path ustr.Ustr) ([]uint8, defs.Err_t) {
	ip, err := k.Fs.Namei(path)
	if err != 0 {
		return nil, err
	}
	k.Fs.Locki(ip)
	data := make([]uint8, ip.Size)
	n, rerr := k.Fs.Readi(ip, data, 0, len(data))
	k.Fs.Unlocki(ip)
	k.Fs.Irelease(ip)
	if rerr != 0 || n != len(data) {
		return nil, rerr
	}
	return data, 0
}

/// Stat returns path's metadata.
func (k *Ukern_t) Stat(path ustr.Ustr) (*stat.Stat_t, defs.Err_t) {
	ip, err := k.Fs.Namei(path)
	if err != 0 {
		return nil, err
	}
	st := &stat.Stat_t{}
	k.Fs.Concurrent_stati(ip, st)
	k.Fs.Irelease(ip)
	return st, 0
}

/// Unlink removes the file at path.
func (k *Ukern_t) Unlink(path ustr.Ustr) defs.Err_t {
	return k.Fs.FileDelete(path)
}

/// Ls lists the root directory.
func (k *Ukern_t) Ls() (map[string]*stat.Stat_t, defs.Err_t) {
	data, err := k.ReadFile(ustr.MkUstrRoot())
	if err != 0 {
		return nil, err
	}
	res := make(map[string]*stat.Stat_t)
	for off := 0; off+fs.DIRENTSZ <= len(data); off += fs.DIRENTSZ {
		de := fs.DirentDecode(data[off : off+fs.DIRENTSZ])
		if de.Inum == 0 {
			continue
		}
		st, serr := k.Stat(ustr.MkUstrRoot().Extend(de.Name))
		if serr != 0 {
			return nil, serr
		}
		res[de.Name.String()] = st
	}
	return res, 0
}

/// Sync flushes the log and the disk.
func (k *Ukern_t) Sync() {
	k.Fs.Fs_sync()
}
