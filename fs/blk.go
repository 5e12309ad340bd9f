package fs

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"xk/defs"
	"xk/sleeplock"
)

const bdev_debug = false

/// BSIZE is the size of a disk block in bytes.
const BSIZE = defs.BSIZE

/// Datablk_t is the in-memory image of one disk block.
type Datablk_t [BSIZE]uint8

/// Bdevcmd_t enumerates disk request types.
type Bdevcmd_t uint

const (
	BDEV_WRITE Bdevcmd_t = 1 /// write the blocks
	BDEV_READ  Bdevcmd_t = 2 /// read one block
	BDEV_FLUSH Bdevcmd_t = 3 /// flush outstanding writes
)

/// Bdev_req_t describes a block device request.
type Bdev_req_t struct {
	Cmd   Bdevcmd_t
	Blks  []*Buf_t
	AckCh chan bool
	Sync  bool
}

/// MkRequest allocates a new block request structure.
func MkRequest(blks []*Buf_t, cmd Bdevcmd_t, sync bool) *Bdev_req_t {
	ret := &Bdev_req_t{}
	ret.Blks = blks
	ret.AckCh = make(chan bool)
	ret.Cmd = cmd
	ret.Sync = sync
	return ret
}

/// Disk_i represents a block device. Start returns true when the
/// request completes asynchronously and the caller must wait on AckCh.
type Disk_i interface {
	Start(*Bdev_req_t) bool
	Stats() string
}

/// Buf_t is one cached disk block. The sleep-lock is held for as long
/// as a caller works with Data; refcnt counts outstanding Bread
/// references.
type Buf_t struct {
	lock    sleeplock.Sleeplock_t
	Block   int
	valid   bool
	refcnt  int
	lastuse uint64
	Data    *Datablk_t
}

/// Read fills the buffer from disk synchronously.
func (b *Buf_t) Read(d Disk_i) {
	req := MkRequest([]*Buf_t{b}, BDEV_READ, true)
	if d.Start(req) {
		<-req.AckCh
	}
	if bdev_debug {
		fmt.Printf("bdev_read %v %#x %#x\n", b.Block, b.Data[0], b.Data[1])
	}
}

/// Write stores the buffer to disk synchronously. The caller must hold
/// the buffer's sleep-lock.
func (b *Buf_t) Write(d Disk_i) {
	if bdev_debug {
		fmt.Printf("bdev_write %v\n", b.Block)
	}
	req := MkRequest([]*Buf_t{b}, BDEV_WRITE, true)
	if d.Start(req) {
		<-req.AckCh
	}
}

/// Bcache_t caches disk blocks in a fixed pool of buffers with LRU
/// reuse. Concurrent Breads of the same block return the same buffer
/// and serialize on its sleep-lock.
type Bcache_t struct {
	mu    syncutil.InvariantMutex
	disk  Disk_i
	bufs  [defs.NBUF]Buf_t
	ticks uint64
}

/// MkBcache constructs a buffer cache backed by the given disk.
func MkBcache(d Disk_i) *Bcache_t {
	bc := &Bcache_t{}
	bc.disk = d
	for i := range bc.bufs {
		bc.bufs[i].Block = -1
		bc.bufs[i].Data = &Datablk_t{}
	}
	bc.mu = syncutil.NewInvariantMutex(bc.checkInvariants)
	return bc
}

// Every refcnt is non-negative and no block number is cached twice.
func (bc *Bcache_t) checkInvariants() {
	seen := make(map[int]bool)
	for i := range bc.bufs {
		b := &bc.bufs[i]
		if b.refcnt < 0 {
			panic(fmt.Sprintf("buf %v refcnt %v", b.Block, b.refcnt))
		}
		if b.Block >= 0 && b.refcnt > 0 {
			if seen[b.Block] {
				panic(fmt.Sprintf("block %v cached twice", b.Block))
			}
			seen[b.Block] = true
		}
	}
}

// bget finds the cached buffer for blkno or recycles the least
// recently used free buffer. The returned buffer is unlocked.
func (bc *Bcache_t) bget(blkno int) *Buf_t {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for i := range bc.bufs {
		b := &bc.bufs[i]
		if b.Block == blkno {
			b.refcnt++
			return b
		}
	}

	// not cached; recycle the LRU buffer with no references
	var victim *Buf_t
	for i := range bc.bufs {
		b := &bc.bufs[i]
		if b.refcnt == 0 && (victim == nil || b.lastuse < victim.lastuse) {
			victim = b
		}
	}
	if victim == nil {
		panic("bget: no buffers")
	}
	victim.Block = blkno
	victim.valid = false
	victim.refcnt = 1
	return victim
}

/// Bread returns a locked buffer holding the contents of blkno.
func (bc *Bcache_t) Bread(blkno int) *Buf_t {
	b := bc.bget(blkno)
	b.lock.Acquire()
	if !b.valid {
		b.Read(bc.disk)
		b.valid = true
	}
	return b
}

/// Bwrite flushes a locked buffer to disk.
func (bc *Bcache_t) Bwrite(b *Buf_t) {
	if !b.lock.Locked() {
		panic("bwrite of unlocked buf")
	}
	b.Write(bc.disk)
}

/// Brelse unlocks the buffer and drops the Bread reference.
func (bc *Bcache_t) Brelse(b *Buf_t) {
	b.lock.Release()
	bc.mu.Lock()
	b.refcnt--
	bc.ticks++
	b.lastuse = bc.ticks
	bc.mu.Unlock()
}

/// Flush asks the disk to persist all completed writes.
func (bc *Bcache_t) Flush() {
	req := MkRequest(nil, BDEV_FLUSH, true)
	if bc.disk.Start(req) {
		<-req.AckCh
	}
}
