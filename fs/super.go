package fs

import "xk/util"

// Disk layout:
// [ boot | super | free bitmap | log | inode file | data blocks | swap ]
//
// The superblock lives in block 1 and describes the layout. All fields
// are 32-bit little-endian.

/// SUPERBLK is the block number of the superblock.
const SUPERBLK = 1

func fieldr(d *Datablk_t, field int) int {
	return util.Readn(d[:], 4, field*4)
}

func fieldw(d *Datablk_t, field int, val int) {
	util.Writen(d[:], 4, field*4, val)
}

/// Superblock_t represents the on-disk super block of a filesystem.
type Superblock_t struct {
	Data *Datablk_t
}

/// Size returns the size of the file system image in blocks.
func (sb *Superblock_t) Size() int {
	return fieldr(sb.Data, 0)
}

/// Nblocks returns the number of data blocks.
func (sb *Superblock_t) Nblocks() int {
	return fieldr(sb.Data, 1)
}

/// Logstart returns the first block of the log region.
func (sb *Superblock_t) Logstart() int {
	return fieldr(sb.Data, 2)
}

/// Bmapstart returns the first block of the free bitmap.
func (sb *Superblock_t) Bmapstart() int {
	return fieldr(sb.Data, 3)
}

/// Inodestart returns the first block of the inode file.
func (sb *Superblock_t) Inodestart() int {
	return fieldr(sb.Data, 4)
}

/// Swapstart returns the first block of the swap region.
func (sb *Superblock_t) Swapstart() int {
	return fieldr(sb.Data, 5)
}

// writing

/// SetSize stores the image size in blocks.
func (sb *Superblock_t) SetSize(n int) {
	fieldw(sb.Data, 0, n)
}

/// SetNblocks stores the number of data blocks.
func (sb *Superblock_t) SetNblocks(n int) {
	fieldw(sb.Data, 1, n)
}

/// SetLogstart stores the first log block.
func (sb *Superblock_t) SetLogstart(n int) {
	fieldw(sb.Data, 2, n)
}

/// SetBmapstart stores the first bitmap block.
func (sb *Superblock_t) SetBmapstart(n int) {
	fieldw(sb.Data, 3, n)
}

/// SetInodestart stores the first inode file block.
func (sb *Superblock_t) SetInodestart(n int) {
	fieldw(sb.Data, 4, n)
}

/// SetSwapstart stores the first swap region block.
func (sb *Superblock_t) SetSwapstart(n int) {
	fieldw(sb.Data, 5, n)
}
