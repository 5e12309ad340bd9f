// Package pipe implements the unidirectional single-page byte channel
// behind the pipe system call.
package pipe

import (
	"fmt"
	"sync"

	"xk/defs"
	"xk/mem"
)

// PIPEHDR reserves room for the bookkeeping that would share the page
// with the data in a flat rendition; the buffer is the rest of the
// page.
const PIPEHDR = 64

/// Sleeper_i is the sleep/wakeup rendezvous supplied by the process
/// layer. Sleep atomically releases lk, blocks the caller on the
/// channel token ch, and reacquires lk before returning; it reports
/// EINTR when the sleeper was killed rather than woken.
type Sleeper_i interface {
	Sleep(ch any, lk sync.Locker) defs.Err_t
	Wakeup(ch any)
}

/// Pipe_t is one pipe. The buffer is not a ring: the write offset
/// only grows, and both offsets reset to zero when the reader fully
/// drains the buffer while the writer is still open.
///
/// Invariant: 0 <= readoff <= writeoff <= len(buf) and
/// sizeleft == len(buf) - writeoff.
type Pipe_t struct {
	mu sync.Mutex

	phys *mem.Physmem_t
	pa   mem.Pa_t
	buf  []uint8

	readoff  int
	writeoff int
	sizeleft int

	readers int /// open read ends
	writers int /// open write ends

	sleeper Sleeper_i
}

/// MkPipe allocates a pipe with one reader and one writer, backed by
/// a freshly kalloc'ed page.
func MkPipe(phys *mem.Physmem_t, sleeper Sleeper_i) (*Pipe_t, defs.Err_t) {
	pa, ok := phys.Kalloc()
	if !ok {
		return nil, -defs.ENOMEM
	}
	p := &Pipe_t{}
	p.phys = phys
	p.pa = pa
	p.buf = phys.Page(pa)[PIPEHDR:]
	p.sizeleft = len(p.buf)
	p.readers = 1
	p.writers = 1
	p.sleeper = sleeper
	return p, 0
}

func (p *Pipe_t) assert() {
	if p.readoff < 0 || p.readoff > p.writeoff || p.writeoff > len(p.buf) {
		panic(fmt.Sprintf("pipe offsets %v %v", p.readoff, p.writeoff))
	}
	if p.sizeleft != len(p.buf)-p.writeoff {
		panic("pipe sizeleft")
	}
}

/// Read copies up to len(dst) buffered bytes into dst. It blocks
/// while the pipe is empty and a writer remains; with no writer it
/// returns 0 (end of file).
func (p *Pipe_t) Read(dst []uint8) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		p.assert()
		avail := p.writeoff - p.readoff
		if avail == 0 {
			if p.writers == 0 {
				return 0, 0
			}
			if err := p.sleeper.Sleep(p, &p.mu); err != 0 {
				return 0, err
			}
			continue
		}
		n := avail
		if len(dst) < n {
			n = len(dst)
		}
		copy(dst[:n], p.buf[p.readoff:p.readoff+n])
		p.readoff += n
		if p.readoff == p.writeoff && p.writers > 0 {
			// fully drained; rewind so the writer gets the whole
			// buffer back
			p.readoff = 0
			p.writeoff = 0
			p.sizeleft = len(p.buf)
		}
		p.sleeper.Wakeup(p)
		return n, 0
	}
}

/// Write copies up to len(src) bytes into the buffer and returns the
/// count written, which may be short when the buffer fills. It blocks
/// while the buffer is full, and fails with EPIPE once no reader
/// remains.
func (p *Pipe_t) Write(src []uint8) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		p.assert()
		if p.readers == 0 {
			return 0, -defs.EPIPE
		}
		if p.sizeleft == 0 {
			if err := p.sleeper.Sleep(p, &p.mu); err != 0 {
				return 0, err
			}
			continue
		}
		n := p.sizeleft
		if len(src) < n {
			n = len(src)
		}
		copy(p.buf[p.writeoff:p.writeoff+n], src[:n])
		p.writeoff += n
		p.sizeleft -= n
		p.sleeper.Wakeup(p)
		return n, 0
	}
}

/// Incref adds a reference to one end; writer selects which.
func (p *Pipe_t) Incref(writer bool) {
	p.mu.Lock()
	if writer {
		p.writers++
	} else {
		p.readers++
	}
	p.mu.Unlock()
}

/// Decref drops a reference to one end, waking any sleeper so it can
/// observe EOF or broken pipe. When both ends are closed the backing
/// page is freed and Decref reports the pipe dead.
func (p *Pipe_t) Decref(writer bool) bool {
	p.mu.Lock()
	if writer {
		p.writers--
		if p.writers < 0 {
			panic("pipe writers")
		}
	} else {
		p.readers--
		if p.readers < 0 {
			panic("pipe readers")
		}
	}
	dead := p.readers == 0 && p.writers == 0
	if dead {
		p.phys.Kfree(p.pa)
		p.buf = nil
	}
	p.mu.Unlock()
	p.sleeper.Wakeup(p)
	return dead
}

/// Ends returns the open read and write reference counts.
func (p *Pipe_t) Ends() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readers, p.writers
}
