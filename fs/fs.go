// Package fs implements the on-disk file system: block buffer cache,
// write-ahead log, bitmap extent allocator, inode cache backed by the
// inodefile, directories, and path resolution.
package fs

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"xk/defs"
)

/// Dev_i is implemented by character devices reachable through TDEV
/// inodes.
type Dev_i interface {
	Devread(dst []uint8) (int, defs.Err_t)
	Devwrite(src []uint8) (int, defs.Err_t)
}

/// Fs_t is one mounted file system.
type Fs_t struct {
	dev    Disk_i
	bcache *Bcache_t
	super  Superblock_t
	log    *Log_t

	imu       syncutil.InvariantMutex
	inodes    [defs.NINODE]Inode_t
	inodefile Inode_t

	devsw [defs.NDEV]Dev_i
}

/// StartFS mounts the file system on d: it reads the superblock,
/// replays the log, and loads the inodefile.
func StartFS(d Disk_i) *Fs_t {
	fs := &Fs_t{}
	fs.dev = d
	fs.bcache = MkBcache(d)
	fs.imu = syncutil.NewInvariantMutex(fs.icacheInvariants)

	sb := fs.bcache.Bread(SUPERBLK)
	fs.super.Data = &Datablk_t{}
	*fs.super.Data = *sb.Data
	fs.bcache.Brelse(sb)

	fs.log = mkLog(fs, fs.super.Logstart())
	fs.log.Log_check()

	fs.init_inodefile()
	return fs
}

/// StopFS flushes pending state. The disk stays open; the harness
/// owns it.
func (fs *Fs_t) StopFS() {
	fs.Fs_sync()
}

/// Fs_sync commits and applies any journaled blocks and asks the disk
/// to persist everything.
func (fs *Fs_t) Fs_sync() {
	fs.inodefile.Lock.Acquire()
	fs.log.flush()
	fs.inodefile.Lock.Release()
	fs.bcache.Flush()
}

/// Mkdev installs a device in the device switch.
func (fs *Fs_t) Mkdev(devid int16, d Dev_i) {
	if devid <= 0 || int(devid) >= defs.NDEV {
		panic("mkdev: bad devid")
	}
	fs.devsw[devid] = d
}

func (fs *Fs_t) dev_lookup(devid int16) Dev_i {
	if devid <= 0 || int(devid) >= defs.NDEV {
		return nil
	}
	return fs.devsw[devid]
}

/// Superb exposes the superblock for the boot harness.
func (fs *Fs_t) Superb() *Superblock_t {
	return &fs.super
}

/// Fs_statistics returns a human-readable statistics line.
func (fs *Fs_t) Fs_statistics() string {
	return fmt.Sprintf("fs: size %v nblocks %v log %v bmap %v inode %v swap %v; disk %v",
		fs.super.Size(), fs.super.Nblocks(), fs.super.Logstart(),
		fs.super.Bmapstart(), fs.super.Inodestart(), fs.super.Swapstart(),
		fs.dev.Stats())
}
