package pipe_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"xk/defs"
	"xk/mem"
	"xk/pipe"
)

// condsleeper is a kernel-context stand-in for the process layer's
// sleep/wakeup channels.
type condsleeper struct {
	mu    sync.Mutex
	chans map[any]*cschan
}

type cschan struct {
	cond *sync.Cond
	seq  int
}

func mksleeper() *condsleeper {
	return &condsleeper{chans: make(map[any]*cschan)}
}

func (cs *condsleeper) Sleep(ch any, lk sync.Locker) defs.Err_t {
	cs.mu.Lock()
	kc, ok := cs.chans[ch]
	if !ok {
		kc = &cschan{cond: sync.NewCond(&cs.mu)}
		cs.chans[ch] = kc
	}
	lk.Unlock()
	seq := kc.seq
	for kc.seq == seq {
		kc.cond.Wait()
	}
	cs.mu.Unlock()
	lk.Lock()
	return 0
}

func (cs *condsleeper) Wakeup(ch any) {
	cs.mu.Lock()
	if kc, ok := cs.chans[ch]; ok {
		kc.seq++
		kc.cond.Broadcast()
	}
	cs.mu.Unlock()
}

func mkpipe(t *testing.T) (*pipe.Pipe_t, *mem.Physmem_t) {
	t.Helper()
	phys := mem.Phys_init(4)
	p, err := pipe.MkPipe(phys, mksleeper())
	if err != 0 {
		t.Fatalf("mkpipe: %v", err)
	}
	return p, phys
}

func TestWriteThenRead(t *testing.T) {
	p, _ := mkpipe(t)
	n, err := p.Write([]uint8("hi"))
	if n != 2 || err != 0 {
		t.Fatalf("write: n %v err %v", n, err)
	}
	buf := make([]uint8, 2)
	n, err = p.Read(buf)
	if n != 2 || err != 0 || string(buf) != "hi" {
		t.Fatalf("read: n %v err %v buf %q", n, err, buf)
	}
}

func TestReadAfterWriterCloseIsEOF(t *testing.T) {
	p, _ := mkpipe(t)
	p.Write([]uint8("bye"))
	p.Decref(true)

	buf := make([]uint8, 8)
	n, err := p.Read(buf)
	if n != 3 || err != 0 {
		t.Fatalf("read: n %v err %v", n, err)
	}
	n, err = p.Read(buf)
	if n != 0 || err != 0 {
		t.Fatalf("expected EOF, got n %v err %v", n, err)
	}
}

func TestWriteAfterReaderCloseIsBrokenPipe(t *testing.T) {
	p, _ := mkpipe(t)
	p.Decref(false)
	_, err := p.Write([]uint8("x"))
	if err != -defs.EPIPE {
		t.Fatalf("expected EPIPE, got %v", err)
	}
}

func TestOffsetsRewindWhenDrained(t *testing.T) {
	p, _ := mkpipe(t)
	cap_ := defs.PGSIZE - pipe.PIPEHDR

	fill := make([]uint8, cap_)
	n, err := p.Write(fill)
	if n != cap_ || err != 0 {
		t.Fatalf("fill: n %v err %v", n, err)
	}
	// the buffer is full now; a second write would block until a read
	got := make([]uint8, cap_)
	n, err = p.Read(got)
	if n != cap_ || err != 0 {
		t.Fatalf("drain: n %v err %v", n, err)
	}
	// draining rewound the offsets, so the whole buffer is writable
	// again without any wraparound bookkeeping
	n, err = p.Write(fill)
	if n != cap_ || err != 0 {
		t.Fatalf("refill: n %v err %v", n, err)
	}
}

func TestPageFreedWhenBothEndsClose(t *testing.T) {
	p, phys := mkpipe(t)
	inuse, _, _ := phys.Meminfo()
	if inuse != 1 {
		t.Fatalf("expected 1 page in use, got %v", inuse)
	}
	if dead := p.Decref(false); dead {
		t.Fatalf("pipe died with the writer still open")
	}
	if dead := p.Decref(true); !dead {
		t.Fatalf("pipe survived both ends closing")
	}
	inuse, _, _ = phys.Meminfo()
	if inuse != 0 {
		t.Fatalf("pipe page leaked: %v in use", inuse)
	}
}

// A single writer's stream arrives in order at a single reader, with
// both sides blocking on full and empty.
func TestStreamOrdering(t *testing.T) {
	p, _ := mkpipe(t)
	const total = 97 * 1024

	src := make([]uint8, total)
	for i := range src {
		src[i] = uint8(i*7 + i/4096)
	}

	var g errgroup.Group
	g.Go(func() error {
		for off := 0; off < total; {
			n, err := p.Write(src[off:])
			if err != 0 {
				t.Errorf("write: %v", err)
				return nil
			}
			off += n
		}
		p.Decref(true)
		return nil
	})

	var got bytes.Buffer
	g.Go(func() error {
		buf := make([]uint8, 1000)
		for {
			n, err := p.Read(buf)
			if err != 0 {
				t.Errorf("read: %v", err)
				return nil
			}
			if n == 0 {
				return nil
			}
			got.Write(buf[:n])
		}
	})
	g.Wait()

	if diff := cmp.Diff(src, got.Bytes()); diff != "" {
		t.Fatalf("stream corrupted:\n%v", diff)
	}
}
