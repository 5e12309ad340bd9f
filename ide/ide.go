// Package ide drives the simulated disk: a host file (or an in-memory
// image) addressed in BSIZE blocks through the fs block request
// protocol. It also exposes the swap region as a page device and can
// inject a power cut after a configured number of writes for
// crash-recovery tests.
package ide

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"xk/defs"
	"xk/fs"
)

/// Disk_t is a block device backed by a host file.
type Disk_t struct {
	sync.Mutex
	f *os.File

	reads  int64
	writes int64
	// writes remaining until the simulated power cut; -1 disables
	failafter int64
}

/// MkDisk opens the image at path.
func MkDisk(path string) (*Disk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	d := &Disk_t{}
	d.f = f
	d.failafter = -1
	return d, nil
}

/// SetWriteLimit arms the fault injector: after n more block writes
/// every write is silently dropped, as if the machine lost power.
/// n < 0 disarms it.
func (d *Disk_t) SetWriteLimit(n int) {
	atomic.StoreInt64(&d.failafter, int64(n))
}

/// Failed reports whether the injected power cut has tripped.
func (d *Disk_t) Failed() bool {
	return atomic.LoadInt64(&d.failafter) == 0
}

// dead consumes one write credit and reports whether the write must
// be dropped.
func (d *Disk_t) dead() bool {
	for {
		v := atomic.LoadInt64(&d.failafter)
		if v < 0 {
			return false
		}
		if v == 0 {
			return true
		}
		if atomic.CompareAndSwapInt64(&d.failafter, v, v-1) {
			return false
		}
	}
}

/// Start services a block request synchronously and returns false:
/// the caller never needs to wait on AckCh.
func (d *Disk_t) Start(req *fs.Bdev_req_t) bool {
	d.Lock()
	defer d.Unlock()

	switch req.Cmd {
	case fs.BDEV_READ:
		if len(req.Blks) != 1 {
			panic("read: too many blocks")
		}
		blk := req.Blks[0]
		n, err := unix.Pread(int(d.f.Fd()), blk.Data[:], int64(blk.Block)*defs.BSIZE)
		if n != defs.BSIZE || err != nil {
			panic(fmt.Sprintf("disk read blk %v: n %v err %v", blk.Block, n, err))
		}
		atomic.AddInt64(&d.reads, 1)
	case fs.BDEV_WRITE:
		for _, blk := range req.Blks {
			atomic.AddInt64(&d.writes, 1)
			if d.dead() {
				continue
			}
			n, err := unix.Pwrite(int(d.f.Fd()), blk.Data[:], int64(blk.Block)*defs.BSIZE)
			if n != defs.BSIZE || err != nil {
				panic(fmt.Sprintf("disk write blk %v: n %v err %v", blk.Block, n, err))
			}
		}
	case fs.BDEV_FLUSH:
		if !d.Failed() {
			d.f.Sync()
		}
	}
	return false
}

/// Stats returns a summary of disk activity.
func (d *Disk_t) Stats() string {
	return fmt.Sprintf("reads %v writes %v",
		atomic.LoadInt64(&d.reads), atomic.LoadInt64(&d.writes))
}

/// Counts returns the raw read and write counters for sysinfo.
func (d *Disk_t) Counts() (int, int) {
	return int(atomic.LoadInt64(&d.reads)), int(atomic.LoadInt64(&d.writes))
}

/// Close releases the image file.
func (d *Disk_t) Close() error {
	return d.f.Close()
}

//
// Swap region access
//

/// Swapdev_t addresses the swap region of a disk in page-sized slots.
type Swapdev_t struct {
	d     *Disk_t
	start int /// first block of the swap region
	slots int
}

/// MkSwapdev wraps the swap region beginning at block start.
func MkSwapdev(d *Disk_t, start, slots int) *Swapdev_t {
	return &Swapdev_t{d: d, start: start, slots: slots}
}

/// Slots returns the number of page slots in the region.
func (sd *Swapdev_t) Slots() int {
	return sd.slots
}

func (sd *Swapdev_t) off(slot int) int64 {
	if slot < 0 || slot >= sd.slots {
		panic("swapdev: bad slot")
	}
	return int64(sd.start+slot*defs.SWAPBLKSPP) * defs.BSIZE
}

/// Pagewrite stores up to one page of bytes into slot.
func (sd *Swapdev_t) Pagewrite(slot int, src []uint8) {
	if len(src) > defs.PGSIZE {
		panic("swapdev: oversized page")
	}
	sd.d.Lock()
	defer sd.d.Unlock()
	n, err := unix.Pwrite(int(sd.d.f.Fd()), src, sd.off(slot))
	if n != len(src) || err != nil {
		panic(fmt.Sprintf("swap write slot %v: %v", slot, err))
	}
	atomic.AddInt64(&sd.d.writes, int64(defs.SWAPBLKSPP))
}

/// Pageread fills dst from slot.
func (sd *Swapdev_t) Pageread(slot int, dst []uint8) {
	if len(dst) > defs.PGSIZE {
		panic("swapdev: oversized page")
	}
	sd.d.Lock()
	defer sd.d.Unlock()
	n, err := unix.Pread(int(sd.d.f.Fd()), dst, sd.off(slot))
	if n != len(dst) || err != nil {
		panic(fmt.Sprintf("swap read slot %v: %v", slot, err))
	}
	atomic.AddInt64(&sd.d.reads, int64(defs.SWAPBLKSPP))
}
