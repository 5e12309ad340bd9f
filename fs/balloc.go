package fs

import (
	"fmt"

	"xk/defs"
)

// Free-block bitmap. Bit b of the map covers disk block b, LSB-first
// within a byte. Files own a contiguous extent of DEFAULTBLK blocks,
// so allocation looks for a free run rather than single bits.

/// BPB is the number of bitmap bits per bitmap block.
const BPB = BSIZE * 8

// bblock returns the bitmap block covering disk block b.
func (fs *Fs_t) bblock(b int) int {
	return b/BPB + fs.super.Bmapstart()
}

/// FindFreeExtent scans the free bitmap for a run of DEFAULTBLK free
/// blocks and returns the first block number of the run, or -1 when no
/// such run exists. The run never spans a bitmap block boundary.
func (fs *Fs_t) FindFreeExtent() int {
	nbitmap := fs.super.Logstart() - fs.super.Bmapstart()
	for bb := 0; bb < nbitmap; bb++ {
		blk := fs.bcache.Bread(fs.super.Bmapstart() + bb)
		run := 0
		for bit := 0; bit < BPB; bit++ {
			if blk.Data[bit/8]&(1<<(uint(bit)%8)) != 0 {
				run = 0
				continue
			}
			run++
			if run == defs.DEFAULTBLK {
				start := bb*BPB + bit - defs.DEFAULTBLK + 1
				fs.bcache.Brelse(blk)
				return start
			}
		}
		fs.bcache.Brelse(blk)
	}
	return -1
}

/// Update_bitmap sets (used=true) or clears one bitmap bit and
/// journals the change. It panics if the bit already has the
/// requested state.
func (fs *Fs_t) Update_bitmap(blkno int, used bool) {
	blk := fs.bcache.Bread(fs.bblock(blkno))
	bit := blkno % BPB
	mask := uint8(1) << (uint(bit) % 8)
	old := blk.Data[bit/8]&mask != 0
	if old == used {
		panic(fmt.Sprintf("update_bitmap: blk %v already %v", blkno, used))
	}
	if used {
		blk.Data[bit/8] |= mask
	} else {
		blk.Data[bit/8] &^= mask
	}
	fs.log.Log_write(blk, 0, 0, 0)
	fs.bcache.Brelse(blk)
}

// balloc_extent marks an allocated run used in the bitmap.
func (fs *Fs_t) balloc_extent(start, nblocks int) {
	for i := 0; i < nblocks; i++ {
		fs.Update_bitmap(start+i, true)
	}
}

// bfree_extent returns a file's run to the free pool.
func (fs *Fs_t) bfree_extent(start, nblocks int) {
	for i := 0; i < nblocks; i++ {
		fs.Update_bitmap(start+i, false)
	}
}
