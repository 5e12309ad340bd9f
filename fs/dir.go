package fs

import (
	"xk/defs"
	"xk/ustr"
	"xk/util"
)

// Directories are files of type TDIR whose data is a packed array of
// fixed-size dirents. A dirent with inum 0 is a free slot. The root
// directory has inum 1.

/// DIRENTSZ is the on-disk size of one directory entry.
const DIRENTSZ = 16

/// Dirent_t is a decoded directory entry.
type Dirent_t struct {
	Inum uint32
	Name ustr.Ustr
}

/// DirentDecode parses one on-disk directory entry.
func DirentDecode(b []uint8) Dirent_t {
	return direntdecode(b)
}

func direntdecode(b []uint8) Dirent_t {
	var de Dirent_t
	de.Inum = uint32(util.Readn(b, 2, 0))
	nm := make(ustr.Ustr, 0, defs.DIRSIZ)
	nm = append(nm, b[2:2+defs.DIRSIZ]...)
	de.Name = ustr.MkUstrSlice(nm)
	return de
}

func direntencode(b []uint8, de Dirent_t) {
	for i := 0; i < DIRENTSZ; i++ {
		b[i] = 0
	}
	util.Writen(b, 2, 0, int(de.Inum))
	copy(b[2:2+defs.DIRSIZ], de.Name)
}

/// Dirlookup scans the directory dp for name. On a hit it returns the
/// referenced inode (ref incremented) and the dirent's byte offset.
/// Caller holds dp's sleep-lock.
func (fs *Fs_t) Dirlookup(dp *Inode_t, name ustr.Ustr) (*Inode_t, int, defs.Err_t) {
	if dp.Type != defs.TDIR {
		panic("dirlookup not DIR")
	}
	if len(name) > defs.DIRSIZ {
		name = name[:defs.DIRSIZ]
	}
	var buf [DIRENTSZ]uint8
	for off := 0; off < int(dp.Size); off += DIRENTSZ {
		n, err := fs.Readi(dp, buf[:], off, DIRENTSZ)
		if err != 0 || n != DIRENTSZ {
			panic("dirlookup read")
		}
		de := direntdecode(buf[:])
		if de.Inum == 0 {
			continue
		}
		if de.Name.Eq(name) {
			return fs.Iget(dp.Dev, de.Inum), off, 0
		}
	}
	return nil, 0, -defs.ENOENT
}
