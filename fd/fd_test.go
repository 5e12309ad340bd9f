package fd_test

import (
	"sync"
	"testing"

	"xk/defs"
	"xk/fd"
	"xk/fs"
	"xk/ide"
	"xk/mem"
	"xk/stat"
	"xk/ukern"
	"xk/ustr"
)

// condsleeper is a kernel-context stand-in for the process layer's
// sleep/wakeup channels.
type condsleeper struct {
	mu    sync.Mutex
	chans map[any]*cschan
}

type cschan struct {
	cond *sync.Cond
	seq  int
}

func mksleeper() *condsleeper {
	return &condsleeper{chans: make(map[any]*cschan)}
}

func (cs *condsleeper) Sleep(ch any, lk sync.Locker) defs.Err_t {
	cs.mu.Lock()
	kc, ok := cs.chans[ch]
	if !ok {
		kc = &cschan{cond: sync.NewCond(&cs.mu)}
		cs.chans[ch] = kc
	}
	lk.Unlock()
	seq := kc.seq
	for kc.seq == seq {
		kc.cond.Wait()
	}
	cs.mu.Unlock()
	lk.Lock()
	return 0
}

func (cs *condsleeper) Wakeup(ch any) {
	cs.mu.Lock()
	if kc, ok := cs.chans[ch]; ok {
		kc.seq++
		kc.cond.Broadcast()
	}
	cs.mu.Unlock()
}

func mktable(t *testing.T) (*fd.Ftable_t, *fd.Fdtable_t) {
	t.Helper()
	img := ukern.MkImage(50, 1000, 8)
	fsys := fs.StartFS(ide.MkMemdisk(img))
	phys := mem.Phys_init(8)
	ft := fd.MkFtable(fsys, phys, mksleeper())
	if err := fsys.FileCreate(ustr.Ustr("/f")); err != 0 {
		t.Fatalf("create: %v", err)
	}
	ip, _ := fsys.Namei(ustr.Ustr("/f"))
	fsys.Concurrent_writei(ip, []uint8("0123456789"), 0, 10)
	fsys.Irelease(ip)
	return ft, &fd.Fdtable_t{}
}

func TestOpenCloseRefcounts(t *testing.T) {
	ft, fdt := mktable(t)
	fdnum, err := ft.Open(fdt, ustr.Ustr("/f"), defs.O_RDONLY)
	if err != 0 || fdnum != 0 {
		t.Fatalf("open: fd %v err %v", fdnum, err)
	}
	fi := fdt.Lookup(fdnum)
	if got := ft.Refct(fi); got != 1 {
		t.Fatalf("refct %v", got)
	}

	d, err := ft.Dup(fdt, fdnum)
	if err != 0 || d != 1 {
		t.Fatalf("dup: fd %v err %v", d, err)
	}
	if got := ft.Refct(fi); got != 2 {
		t.Fatalf("refct after dup %v", got)
	}

	ft.Close(fdt, fdnum)
	if got := ft.Refct(fi); got != 1 {
		t.Fatalf("refct after close %v", got)
	}
	if fdt.Lookup(fdnum) != nil {
		t.Fatalf("fd slot not cleared")
	}

	// the duplicate still works and continues the shared offset
	buf := make([]uint8, 4)
	n, rerr := ft.Read(fdt, d, buf, 4)
	if rerr != 0 || n != 4 || string(buf) != "0123" {
		t.Fatalf("read: n %v err %v %q", n, rerr, buf)
	}
	ft.Close(fdt, d)
	if got := ft.Refct(fi); got != 0 {
		t.Fatalf("refct after last close %v", got)
	}
}

func TestAccessModeEnforced(t *testing.T) {
	ft, fdt := mktable(t)
	fdnum, _ := ft.Open(fdt, ustr.Ustr("/f"), defs.O_RDONLY)
	if _, err := ft.Write(fdt, fdnum, []uint8("x"), 1); err != -defs.EPERM {
		t.Fatalf("write on O_RDONLY: %v", err)
	}
	var st stat.Stat_t
	if err := ft.Stat(fdt, fdnum, &st); err != 0 || st.Size() != 10 {
		t.Fatalf("stat: err %v size %v", err, st.Size())
	}
	if err := ft.Close(fdt, 7); err != -defs.EBADF {
		t.Fatalf("close of closed fd: %v", err)
	}
}

func TestSmallestFdChosen(t *testing.T) {
	ft, fdt := mktable(t)
	a, _ := ft.Open(fdt, ustr.Ustr("/f"), defs.O_RDONLY)
	b, _ := ft.Open(fdt, ustr.Ustr("/f"), defs.O_RDONLY)
	c, _ := ft.Open(fdt, ustr.Ustr("/f"), defs.O_RDONLY)
	if a != 0 || b != 1 || c != 2 {
		t.Fatalf("fds %v %v %v", a, b, c)
	}
	ft.Close(fdt, b)
	again, _ := ft.Open(fdt, ustr.Ustr("/f"), defs.O_RDONLY)
	if again != 1 {
		t.Fatalf("freed fd not reused: %v", again)
	}
}

func TestPipeEndsAndForkCopy(t *testing.T) {
	ft, fdt := mktable(t)
	rfd, wfd, err := ft.PipeOpen(fdt)
	if err != 0 {
		t.Fatalf("pipeopen: %v", err)
	}
	var child fd.Fdtable_t
	ft.ForkCopy(fdt, &child)

	// both tables share the finfos; each end carries two refs now
	rfi := fdt.Lookup(rfd)
	if got := ft.Refct(rfi); got != 2 {
		t.Fatalf("read end refct %v", got)
	}

	// the parent closes both ends; the child keeps the pipe alive
	ft.Close(fdt, rfd)
	ft.Close(fdt, wfd)
	if _, werr := ft.Write(&child, wfd, []uint8("ok"), 2); werr != 0 {
		t.Fatalf("write after parent close: %v", werr)
	}
	buf := make([]uint8, 2)
	if n, rerr := ft.Read(&child, rfd, buf, 2); rerr != 0 || n != 2 {
		t.Fatalf("read after parent close: n %v err %v", n, rerr)
	}
	ft.CloseAll(&child)
}
