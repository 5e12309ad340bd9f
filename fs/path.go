package fs

import (
	"xk/defs"
	"xk/ustr"
)

// Paths.

// skipelem splits the next path element off path.
//
// Examples:
//   skipelem("a/bb/c") = ("bb/c", "a")
//   skipelem("///a//bb") = ("bb", "a")
//   skipelem("a") = ("", "a")
//   skipelem("") = skipelem("////") = ("", "") with ok false
func skipelem(path ustr.Ustr) (ustr.Ustr, ustr.Ustr, bool) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) == 0 {
		return nil, nil, false
	}
	i := 0
	for i < len(path) && path[i] != '/' {
		i++
	}
	name := path[:i]
	if len(name) > defs.DIRSIZ {
		name = name[:defs.DIRSIZ]
	}
	for i < len(path) && path[i] == '/' {
		i++
	}
	return path[i:], name, true
}

// namex walks path from the root directory. With parent set it stops
// one level early and returns the parent directory plus the final
// element's name.
func (fs *Fs_t) namex(path ustr.Ustr, parent bool) (*Inode_t, ustr.Ustr, defs.Err_t) {
	ip := fs.Iget(defs.ROOTDEV, defs.ROOTINO)
	var name ustr.Ustr
	for {
		rest, nm, ok := skipelem(path)
		if !ok {
			break
		}
		name = nm
		fs.Locki(ip)
		if ip.Type != defs.TDIR {
			fs.Unlocki(ip)
			fs.Irelease(ip)
			return nil, nil, -defs.ENOTDIR
		}
		if parent && len(rest) == 0 {
			fs.Unlocki(ip)
			return ip, name, 0
		}
		next, _, err := fs.Dirlookup(ip, name)
		fs.Unlocki(ip)
		fs.Irelease(ip)
		if err != 0 {
			return nil, nil, -defs.ENOENT
		}
		ip = next
		path = rest
	}
	if parent {
		fs.Irelease(ip)
		return nil, nil, -defs.ENOENT
	}
	return ip, name, 0
}

/// Namei resolves path to an inode with an incremented ref count.
func (fs *Fs_t) Namei(path ustr.Ustr) (*Inode_t, defs.Err_t) {
	ip, _, err := fs.namex(path, false)
	return ip, err
}

/// Nameiparent resolves path to its parent directory and returns the
/// final path element.
func (fs *Fs_t) Nameiparent(path ustr.Ustr) (*Inode_t, ustr.Ustr, defs.Err_t) {
	return fs.namex(path, true)
}
