package ide

import (
	"fmt"
	"sync"
	"sync/atomic"

	"xk/defs"
	"xk/fs"
)

/// Memdisk_t is a block device held entirely in memory. It speaks the
/// same request protocol as Disk_t and supports the same fault
/// injector, so log recovery tests can run without touching the host
/// file system.
type Memdisk_t struct {
	sync.Mutex
	img []uint8

	reads     int64
	writes    int64
	failafter int64
}

/// MkMemdisk wraps an image; the disk aliases img rather than copying
/// it.
func MkMemdisk(img []uint8) *Memdisk_t {
	if len(img)%defs.BSIZE != 0 {
		panic("memdisk: image not block aligned")
	}
	d := &Memdisk_t{}
	d.img = img
	d.failafter = -1
	return d
}

/// Image returns the backing image, e.g. to reboot a file system on
/// it.
func (d *Memdisk_t) Image() []uint8 {
	return d.img
}

/// SetWriteLimit arms the power-cut injector; see Disk_t.
func (d *Memdisk_t) SetWriteLimit(n int) {
	atomic.StoreInt64(&d.failafter, int64(n))
}

/// Failed reports whether the injected power cut has tripped.
func (d *Memdisk_t) Failed() bool {
	return atomic.LoadInt64(&d.failafter) == 0
}

func (d *Memdisk_t) dead() bool {
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

/// Start services a block request synchronously.
func (d *Memdisk_t) Start(req *fs.Bdev_req_t) bool {
	d.Lock()
	defer d.Unlock()

	switch req.Cmd {
	case fs.BDEV_READ:
		if len(req.Blks) != 1 {
			panic("read: too many blocks")
		}
		blk := req.Blks[0]
		off := blk.Block * defs.BSIZE
		if off+defs.BSIZE > len(d.img) {
			panic(fmt.Sprintf("memdisk read past end: blk %v", blk.Block))
		}
		copy(blk.Data[:], d.img[off:off+defs.BSIZE])
		atomic.AddInt64(&d.reads, 1)
	case fs.BDEV_WRITE:
		for _, blk := range req.Blks {
			atomic.AddInt64(&d.writes, 1)
			if d.dead() {
				continue
			}
			off := blk.Block * defs.BSIZE
			if off+defs.BSIZE > len(d.img) {
				panic(fmt.Sprintf("memdisk write past end: blk %v", blk.Block))
			}
			copy(d.img[off:off+defs.BSIZE], blk.Data[:])
		}
	case fs.BDEV_FLUSH:
		// memory is always "durable"
	}
	return false
}

/// Stats returns a summary of disk activity.
func (d *Memdisk_t) Stats() string {
	return fmt.Sprintf("reads %v writes %v",
		atomic.LoadInt64(&d.reads), atomic.LoadInt64(&d.writes))
}

/// Counts returns the raw read and write counters.
func (d *Memdisk_t) Counts() (int, int) {
	return int(atomic.LoadInt64(&d.reads)), int(atomic.LoadInt64(&d.writes))
}

/// Memswapdev_t addresses a memdisk's swap region in page slots.
type Memswapdev_t struct {
	d     *Memdisk_t
	start int
	slots int
}

/// MkMemswapdev wraps the swap region beginning at block start.
func MkMemswapdev(d *Memdisk_t, start, slots int) *Memswapdev_t {
	return &Memswapdev_t{d: d, start: start, slots: slots}
}

/// Slots returns the number of page slots in the region.
func (sd *Memswapdev_t) Slots() int {
	return sd.slots
}

func (sd *Memswapdev_t) off(slot int) int {
	if slot < 0 || slot >= sd.slots {
		panic("memswapdev: bad slot")
	}
	return (sd.start + slot*defs.SWAPBLKSPP) * defs.BSIZE
}

/// Pagewrite stores up to one page of bytes into slot.
func (sd *Memswapdev_t) Pagewrite(slot int, src []uint8) {
	if len(src) > defs.PGSIZE {
		panic("memswapdev: oversized page")
	}
	sd.d.Lock()
	copy(sd.d.img[sd.off(slot):], src)
	sd.d.Unlock()
	atomic.AddInt64(&sd.d.writes, int64(defs.SWAPBLKSPP))
}

/// Pageread fills dst from slot.
func (sd *Memswapdev_t) Pageread(slot int, dst []uint8) {
	if len(dst) > defs.PGSIZE {
		panic("memswapdev: oversized page")
	}
	sd.d.Lock()
	copy(dst, sd.d.img[sd.off(slot):sd.off(slot)+len(dst)])
	sd.d.Unlock()
	atomic.AddInt64(&sd.d.reads, int64(defs.SWAPBLKSPP))
}
