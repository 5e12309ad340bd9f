package fs

import (
	"xk/defs"
	"xk/ustr"
)

// File creation and deletion. Both run under the inodefile sleep-lock
// so that dinode allocation, bitmap updates, and directory edits are
// serialized with respect to each other and to logging.

/// FileCreate makes path as an empty regular file with a DEFAULTBLK
/// extent. Creating an existing file succeeds and changes nothing.
func (fs *Fs_t) FileCreate(path ustr.Ustr) defs.Err_t {
	if ip, err := fs.Namei(path); err == 0 {
		fs.Irelease(ip)
		return 0
	}

	dir, name, err := fs.Nameiparent(path)
	if err != 0 {
		return err
	}

	inf := &fs.inodefile
	inf.Lock.Acquire()

	// smallest free inum; the first two are the inodefile and root
	ndinodes := uint32(int(inf.Size) / DINODESZ)
	inum := ndinodes
	for i := uint32(defs.ROOTINO + 1); i < ndinodes; i++ {
		if fs.read_dinode(i).Type == defs.TFREE {
			inum = i
			break
		}
	}

	if inodeoff(inum)+DINODESZ > int(inf.Size) {
		// append one free dinode to the inodefile
		var zero [DINODESZ]uint8
		n, werr := fs.Writei(inf, zero[:], inodeoff(inum), DINODESZ)
		if werr != 0 || n != DINODESZ {
			inf.Lock.Release()
			fs.Irelease(dir)
			return -defs.ENOSPC
		}
	}

	start := fs.FindFreeExtent()
	if start < 0 {
		inf.Lock.Release()
		fs.Irelease(dir)
		return -defs.ENOSPC
	}

	di := Dinode_t{
		Type:    defs.TFILE,
		Devid:   defs.ROOTDEV,
		Size:    0,
		Maxsize: defs.DEFAULTBLK * BSIZE,
		Data:    Extent_t{Start: uint32(start), Nblocks: defs.DEFAULTBLK},
	}
	fs.write_dinode(inum, di)
	fs.balloc_extent(start, defs.DEFAULTBLK)

	// link the file into its directory at the slot owned by its inum
	var deb [DIRENTSZ]uint8
	direntencode(deb[:], Dirent_t{Inum: inum, Name: name})
	n, werr := fs.Concurrent_writei(dir, deb[:], int(inum)*DIRENTSZ, DIRENTSZ)
	if werr != 0 || n != DIRENTSZ {
		inf.Lock.Release()
		fs.Irelease(dir)
		return -defs.ENOSPC
	}

	fs.log.flush()
	inf.Lock.Release()
	fs.Irelease(dir)
	return 0
}

/// FileDelete removes the regular file at path, returning its extent
/// to the bitmap and its dinode slot to the free pool. It fails when
/// the target is a directory or device, or when some process still
/// holds the inode.
func (fs *Fs_t) FileDelete(path ustr.Ustr) defs.Err_t {
	ip, err := fs.Namei(path)
	if err != 0 {
		return err
	}
	fs.Locki(ip)
	if ip.Type == defs.TDIR {
		fs.Unlocki(ip)
		fs.Irelease(ip)
		return -defs.EISDIR
	}
	if ip.Type != defs.TFILE {
		fs.Unlocki(ip)
		fs.Irelease(ip)
		return -defs.EPERM
	}
	inum := ip.Inum
	ext := ip.Data
	fs.Unlocki(ip)

	// refuse while any other holder exists; our namei ref is the one
	fs.imu.Lock()
	busy := ip.ref > 1
	fs.imu.Unlock()
	if busy {
		fs.Irelease(ip)
		return -defs.ETXTBSY
	}

	dir, name, err := fs.Nameiparent(path)
	if err != 0 {
		fs.Irelease(ip)
		return err
	}

	inf := &fs.inodefile
	inf.Lock.Acquire()

	// unlink: zero the dirent
	fs.Locki(dir)
	_, poff, derr := fs.Dirlookup(dir, name)
	if derr == 0 {
		var zero [DIRENTSZ]uint8
		fs.Writei(dir, zero[:], poff, DIRENTSZ)
		// Dirlookup bumped the target's ref
		fs.Irelease(ip)
	}
	fs.Unlocki(dir)

	// free the extent and the dinode
	fs.bfree_extent(int(ext.Start), int(ext.Nblocks))
	fs.write_dinode(inum, Dinode_t{})

	// shrink the inodefile when the deleted inum was the last one
	if inodeoff(inum)+DINODESZ == int(inf.Size) {
		inf.Size -= DINODESZ
		fs.write_dinode(defs.INODEFILEINO, inf.dinode())
	}

	fs.log.flush()
	inf.Lock.Release()
	fs.Irelease(dir)
	fs.Irelease(ip)
	return 0
}
