package ukern

import (
	"os"

	"xk/defs"
	"xk/fs"
	"xk/util"
)

// Image building. The layout is
//
//   [ boot | super | free bitmap | log | inode file | data | swap ]
//
// with the inodefile's own dinode first in the inode area, the root
// directory at inum 1, and the console device node at inum 2.

func setbit(img []uint8, bmapstart, blk int) {
	off := bmapstart*defs.BSIZE + blk/8
	img[off] |= 1 << (uint(blk) % 8)
}

func putdinode(img []uint8, inodestart int, inum int, ty int16, devid int16,
	size, start, nblocks uint32) {
	off := inodestart*defs.BSIZE + inum*fs.DINODESZ
	util.Writen(img, 2, off, int(ty))
	util.Writen(img, 2, off+2, int(devid))
	util.Writen(img, 4, off+4, int(size))
	util.Writen(img, 4, off+8, int(nblocks)*defs.BSIZE)
	util.Writen(img, 4, off+12, int(start))
	util.Writen(img, 4, off+16, int(nblocks))
}

/// MkImage formats a fresh file system image in memory with the given
/// inode area, data area, and swap capacity.
func MkImage(ninodeblks, ndatablks, nswappages int) []uint8 {
	const bpb = defs.BSIZE * 8
	logblks := 1 + defs.LOGSIZE

	// the bitmap must cover everything below the swap region; solve
	// for its own size by iterating
	nbitmap := 1
	for {
		n := util.Roundup(2+nbitmap+logblks+ninodeblks+ndatablks, bpb) / bpb
		if n == nbitmap {
			break
		}
		nbitmap = n
	}

	bmapstart := 2
	logstart := bmapstart + nbitmap
	inodestart := logstart + logblks
	datastart := inodestart + ninodeblks
	swapstart := datastart + ndatablks
	size := swapstart + nswappages*defs.SWAPBLKSPP

	img := make([]uint8, size*defs.BSIZE)

	// superblock
	sbo := defs.BSIZE
	util.Writen(img, 4, sbo, size)
	util.Writen(img, 4, sbo+4, ndatablks)
	util.Writen(img, 4, sbo+8, logstart)
	util.Writen(img, 4, sbo+12, bmapstart)
	util.Writen(img, 4, sbo+16, inodestart)
	util.Writen(img, 4, sbo+20, swapstart)

	// everything below the data area is permanently taken, as is the
	// root directory's extent and all bits past the data area
	for b := 0; b < datastart; b++ {
		setbit(img, bmapstart, b)
	}
	rootstart := datastart
	for b := 0; b < defs.DEFAULTBLK; b++ {
		setbit(img, bmapstart, rootstart+b)
	}
	for b := swapstart; b < nbitmap*bpb; b++ {
		setbit(img, bmapstart, b)
	}

	// dinodes: the inodefile itself, the root directory, the console
	putdinode(img, inodestart, defs.INODEFILEINO, defs.TFILE, 0,
		3*fs.DINODESZ, uint32(inodestart), uint32(ninodeblks))
	putdinode(img, inodestart, defs.ROOTINO, defs.TDIR, 0,
		3*fs.DIRENTSZ, uint32(rootstart), defs.DEFAULTBLK)
	putdinode(img, inodestart, 2, defs.TDEV, defs.D_CONSOLE, 0, 0, 0)

	// the console's dirent sits at the slot its inum owns
	deo := rootstart*defs.BSIZE + 2*fs.DIRENTSZ
	util.Writen(img, 2, deo, 2)
	copy(img[deo+2:], "console")

	return img
}

/// MkDisk writes a fresh image to path.
func MkDisk(path string, ninodeblks, ndatablks, nswappages int) error {
	return os.WriteFile(path, MkImage(ninodeblks, ndatablks, nswappages), 0644)
}
