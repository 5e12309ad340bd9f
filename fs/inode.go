package fs

import (
	"fmt"

	"xk/defs"
	"xk/sleeplock"
	"xk/stat"
	"xk/util"
)

// Inodes.
//
// An inode describes a single unnamed file: its type, size, and the
// extent of contiguous blocks holding its content. The on-disk inodes
// live in the inodefile, a file whose inum is 0 and whose data is the
// dinode array; dinode i sits at byte offset i*DINODESZ. Growing the
// inode count means appending to the inodefile.
//
// The in-memory cache holds NINODE slots plus the inodefile itself.
// A slot is recyclable once its ref count drops to zero; at most one
// in-memory inode exists per inum while ref > 0. Loading disk fields
// and all reads and writes of an inode's data happen under the
// per-inode sleep-lock. Mutation of file system metadata is
// serialized by the inodefile's sleep-lock, which also makes logging
// single-writer.

/// DINODESZ is the on-disk size of one dinode.
const DINODESZ = 64

/// Extent_t locates a file's data: Nblocks contiguous blocks starting
/// at block Start.
type Extent_t struct {
	Start   uint32
	Nblocks uint32
}

/// Dinode_t is the decoded form of an on-disk inode.
type Dinode_t struct {
	Type    int16
	Devid   int16
	Size    uint32
	Maxsize uint32
	Data    Extent_t
}

// inodeoff returns the byte offset of inum's dinode in the inodefile.
func inodeoff(inum uint32) int {
	return int(inum) * DINODESZ
}

func dinodedecode(b []uint8) Dinode_t {
	var di Dinode_t
	di.Type = int16(util.Readn(b, 2, 0))
	di.Devid = int16(util.Readn(b, 2, 2))
	di.Size = uint32(util.Readn(b, 4, 4))
	di.Maxsize = uint32(util.Readn(b, 4, 8))
	di.Data.Start = uint32(util.Readn(b, 4, 12))
	di.Data.Nblocks = uint32(util.Readn(b, 4, 16))
	return di
}

func dinodeencode(b []uint8, di Dinode_t) {
	for i := 0; i < DINODESZ; i++ {
		b[i] = 0
	}
	util.Writen(b, 2, 0, int(di.Type))
	util.Writen(b, 2, 2, int(di.Devid))
	util.Writen(b, 4, 4, int(di.Size))
	util.Writen(b, 4, 8, int(di.Maxsize))
	util.Writen(b, 4, 12, int(di.Data.Start))
	util.Writen(b, 4, 16, int(di.Data.Nblocks))
}

/// Inode_t is the in-memory copy of an inode.
type Inode_t struct {
	Dev  int
	Inum uint32

	ref   int
	valid bool
	Lock  sleeplock.Sleeplock_t

	Type    int16
	Devid   int16
	Size    uint32
	Maxsize uint32
	Data    Extent_t
}

func (ip *Inode_t) dinode() Dinode_t {
	return Dinode_t{
		Type:    ip.Type,
		Devid:   ip.Devid,
		Size:    ip.Size,
		Maxsize: ip.Maxsize,
		Data:    ip.Data,
	}
}

/// Ref returns the slot's current reference count. For tests and
/// invariant checks.
func (ip *Inode_t) Ref() int {
	return ip.ref
}

// icacheInvariants runs under fs.imu when invariant checking is on.
func (fs *Fs_t) icacheInvariants() {
	for i := range fs.inodes {
		if fs.inodes[i].ref < 0 {
			panic(fmt.Sprintf("inode %v negative ref", fs.inodes[i].Inum))
		}
	}
}

// init_inodefile loads inode 0, whose dinode is the first entry of its
// own data.
func (fs *Fs_t) init_inodefile() {
	b := fs.bcache.Bread(fs.super.Inodestart())
	di := dinodedecode(b.Data[0:DINODESZ])
	fs.bcache.Brelse(b)

	inf := &fs.inodefile
	inf.Dev = defs.ROOTDEV
	inf.Inum = defs.INODEFILEINO
	inf.ref = 1
	inf.valid = true
	inf.Type = di.Type
	inf.Devid = di.Devid
	inf.Size = di.Size
	inf.Maxsize = di.Data.Nblocks * BSIZE
	inf.Data = di.Data
}

/// Iget finds the in-memory inode for (dev, inum), allocating an
/// empty cache slot if needed. The disk fields are not read; Locki
/// does that. Panics when the cache is full.
func (fs *Fs_t) Iget(dev int, inum uint32) *Inode_t {
	fs.imu.Lock()
	defer fs.imu.Unlock()

	var empty *Inode_t
	for i := range fs.inodes {
		ip := &fs.inodes[i]
		if ip.ref > 0 && ip.Dev == dev && ip.Inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("iget: no inodes")
	}
	ip := empty
	ip.ref = 1
	ip.valid = false
	ip.Dev = dev
	ip.Inum = inum
	return ip
}

/// Idup increments ip's reference count and returns ip.
func (fs *Fs_t) Idup(ip *Inode_t) *Inode_t {
	fs.imu.Lock()
	ip.ref++
	fs.imu.Unlock()
	return ip
}

/// Irelease drops a reference. The slot becomes recyclable when the
/// count reaches zero.
func (fs *Fs_t) Irelease(ip *Inode_t) {
	fs.imu.Lock()
	if ip.ref == 1 {
		ip.Type = 0
		ip.valid = false
	}
	ip.ref--
	fs.imu.Unlock()
}

// read_dinode reads inum's dinode from the inodefile. It takes the
// inodefile sleep-lock unless the caller already holds it.
func (fs *Fs_t) read_dinode(inum uint32) Dinode_t {
	holding := fs.inodefile.Lock.Holding()
	if !holding {
		fs.inodefile.Lock.Acquire()
	}
	var buf [DINODESZ]uint8
	n, err := fs.Readi(&fs.inodefile, buf[:], inodeoff(inum), DINODESZ)
	if !holding {
		fs.inodefile.Lock.Release()
	}
	if err != 0 || n != DINODESZ {
		panic(fmt.Sprintf("read_dinode %v: n %v err %v", inum, n, err))
	}
	di := dinodedecode(buf[:])
	di.Maxsize = di.Data.Nblocks * BSIZE
	return di
}

// write_dinode journals inum's dinode. It writes the inodefile's data
// block directly rather than going through Writei so that updating
// the inodefile's own dinode does not recurse. Caller holds the
// inodefile sleep-lock.
func (fs *Fs_t) write_dinode(inum uint32, di Dinode_t) {
	off := inodeoff(inum)
	if off+DINODESZ > int(fs.inodefile.Maxsize) {
		panic("write_dinode: inodefile extent full")
	}
	blkno := int(fs.inodefile.Data.Start) + off/BSIZE
	b := fs.bcache.Bread(blkno)
	dinodeencode(b.Data[off%BSIZE:off%BSIZE+DINODESZ], di)
	fs.log.Log_write(b, inum, uint32(off), di.Size)
	fs.bcache.Brelse(b)
}

/// Locki acquires ip's sleep-lock, reading the inode from disk if
/// this slot has not been loaded yet.
func (fs *Fs_t) Locki(ip *Inode_t) {
	if ip == nil || ip.ref < 1 {
		panic("locki")
	}
	ip.Lock.Acquire()
	if !ip.valid {
		di := fs.read_dinode(ip.Inum)
		ip.Type = di.Type
		ip.Devid = di.Devid
		ip.Size = di.Size
		ip.Maxsize = di.Maxsize
		ip.Data = di.Data
		ip.valid = true
		if ip.Type == 0 {
			panic("locki: no type")
		}
	}
}

/// Unlocki releases ip's sleep-lock.
func (fs *Fs_t) Unlocki(ip *Inode_t) {
	if ip == nil || ip.ref < 1 {
		panic("unlocki")
	}
	ip.Lock.Release()
}

/// Stati copies metadata out of ip. Caller holds ip's sleep-lock.
func (fs *Fs_t) Stati(ip *Inode_t, st *stat.Stat_t) {
	st.Wdev(uint(ip.Dev))
	st.Wino(uint(ip.Inum))
	st.Wtype(ip.Type)
	st.Wsize(uint(ip.Size))
}

/// Concurrent_stati is the threadsafe form of Stati.
func (fs *Fs_t) Concurrent_stati(ip *Inode_t, st *stat.Stat_t) {
	fs.Locki(ip)
	fs.Stati(ip, st)
	fs.Unlocki(ip)
}

/// Readi copies up to n bytes at byte offset off of ip's data into
/// dst. Reads are clipped to the file size; the byte count read is
/// returned. Device inodes dispatch to the device switch. Caller
/// holds ip's sleep-lock.
func (fs *Fs_t) Readi(ip *Inode_t, dst []uint8, off int, n int) (int, defs.Err_t) {
	if ip.Type == defs.TDEV {
		dev := fs.dev_lookup(ip.Devid)
		if dev == nil {
			return 0, -defs.ENODEV
		}
		return dev.Devread(dst[:util.Min(n, len(dst))])
	}

	if off < 0 || n < 0 || off > int(ip.Size) {
		return 0, -defs.EINVAL
	}
	if off+n > int(ip.Size) {
		n = int(ip.Size) - off
	}
	for tot := 0; tot < n; {
		b := fs.bcache.Bread(int(ip.Data.Start) + off/BSIZE)
		m := util.Min(n-tot, BSIZE-off%BSIZE)
		copy(dst[tot:tot+m], b.Data[off%BSIZE:off%BSIZE+m])
		fs.bcache.Brelse(b)
		tot += m
		off += m
	}
	return n, 0
}

/// Writei copies n bytes from src into ip's data at byte offset off.
/// Writes past the current size grow the file up to Maxsize; beyond
/// that the write is rejected. Every dirtied block is journaled and
/// the transaction commits before Writei returns. Caller holds ip's
/// sleep-lock.
func (fs *Fs_t) Writei(ip *Inode_t, src []uint8, off int, n int) (int, defs.Err_t) {
	if ip.Type == defs.TDEV {
		dev := fs.dev_lookup(ip.Devid)
		if dev == nil {
			return 0, -defs.ENODEV
		}
		return dev.Devwrite(src[:util.Min(n, len(src))])
	}

	if off < 0 || n < 0 {
		return 0, -defs.EINVAL
	}
	newsize := uint32(off + n)
	if newsize > ip.Maxsize {
		return 0, -defs.ENOSPC
	}
	for tot := 0; tot < n; {
		b := fs.bcache.Bread(int(ip.Data.Start) + off/BSIZE)
		m := util.Min(n-tot, BSIZE-off%BSIZE)
		copy(b.Data[off%BSIZE:off%BSIZE+m], src[tot:tot+m])
		fs.log.Log_write(b, ip.Inum, uint32(off), newsize)
		fs.bcache.Brelse(b)
		tot += m
		off += m
	}
	if newsize > ip.Size {
		ip.Size = newsize
	}

	// persist the new metadata and apply the whole transaction
	holding := fs.inodefile.Lock.Holding()
	if !holding && ip != &fs.inodefile {
		fs.inodefile.Lock.Acquire()
	}
	fs.write_dinode(ip.Inum, ip.dinode())
	if !holding && ip != &fs.inodefile {
		fs.inodefile.Lock.Release()
	}
	fs.log.Log_commit()
	fs.log.Copy_to_disk()
	return n, 0
}

/// Concurrent_readi is the threadsafe form of Readi.
func (fs *Fs_t) Concurrent_readi(ip *Inode_t, dst []uint8, off int, n int) (int, defs.Err_t) {
	fs.Locki(ip)
	ret, err := fs.Readi(ip, dst, off, n)
	fs.Unlocki(ip)
	return ret, err
}

/// Concurrent_writei is the threadsafe form of Writei.
func (fs *Fs_t) Concurrent_writei(ip *Inode_t, src []uint8, off int, n int) (int, defs.Err_t) {
	fs.Locki(ip)
	ret, err := fs.Writei(ip, src, off, n)
	fs.Unlocki(ip)
	return ret, err
}
