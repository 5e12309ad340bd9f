package ukern

import (
	"io"
	"sync"

	"xk/defs"
)

/// Console_t is the console device: reads come from an injected
/// reader, writes go to an injected writer. It sits in the device
/// switch at D_CONSOLE behind the /console inode.
type Console_t struct {
	sync.Mutex
	in  io.Reader
	out io.Writer
}

/// MkConsole builds a console over the given endpoints; either may be
/// nil for a disconnected end.
func MkConsole(in io.Reader, out io.Writer) *Console_t {
	return &Console_t{in: in, out: out}
}

/// Devread fills dst from the console input.
func (c *Console_t) Devread(dst []uint8) (int, defs.Err_t) {
	c.Lock()
	defer c.Unlock()
	if c.in == nil {
		return 0, 0
	}
	n, err := c.in.Read(dst)
	if err != nil && n == 0 {
		if err == io.EOF {
			return 0, 0
		}
		return 0, -defs.ENODEV
	}
	return n, 0
}

/// Devwrite sends src to the console output.
func (c *Console_t) Devwrite(src []uint8) (int, defs.Err_t) {
	c.Lock()
	defer c.Unlock()
	if c.out == nil {
		return len(src), 0
	}
	n, err := c.out.Write(src)
	if err != nil {
		return n, -defs.ENODEV
	}
	return n, 0
}
