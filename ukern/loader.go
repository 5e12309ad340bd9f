package ukern

import (
	"xk/defs"
	"xk/fs"
	"xk/mem"
	"xk/util"
	"xk/vm"
)

// The program loader. Images are flat binaries: the file's bytes are
// the text, mapped read-only at USERMIN, and execution starts at the
// first byte. The heap begins on the page after the text.

/// Loader_t implements the exec loader contract over the file system.
type Loader_t struct {
	fsys *fs.Fs_t
}

/// MkLoader builds a loader reading images from fsys.
func MkLoader(fsys *fs.Fs_t) *Loader_t {
	return &Loader_t{fsys: fsys}
}

/// Load maps the image at path into vs's code region and returns the
/// entry point.
func (l *Loader_t) Load(vs *vm.Vspace_t, path []uint8, alloc func() (mem.Pa_t, bool)) (uintptr, defs.Err_t) {
	ip, err := l.fsys.Namei(path)
	if err != 0 {
		return 0, -defs.ENOENT
	}
	l.fsys.Locki(ip)
	if ip.Type != defs.TFILE || ip.Size == 0 {
		l.fsys.Unlocki(ip)
		l.fsys.Irelease(ip)
		return 0, -defs.ENOEXEC
	}
	text := make([]uint8, ip.Size)
	n, rerr := l.fsys.Readi(ip, text, 0, len(text))
	l.fsys.Unlocki(ip)
	l.fsys.Irelease(ip)
	if rerr != 0 || n != len(text) {
		return 0, -defs.ENOEXEC
	}

	code := &vs.Regions[vm.VR_CODE]
	sz := vs.Vregionaddmap(code, code.Vabase, len(text), true, false, alloc)
	if sz < 0 {
		return 0, -defs.ENOMEM
	}
	code.Size = uintptr(sz)
	if werr := vs.Writetova(code.Vabase, text); werr != 0 {
		return 0, werr
	}
	vs.Regions[vm.VR_HEAP].Vabase = code.Vabase + util.Roundup(code.Size, uintptr(defs.PGSIZE))
	return code.Vabase, 0
}
