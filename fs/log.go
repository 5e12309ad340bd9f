package fs

import (
	"fmt"

	"xk/defs"
	"xk/util"
)

const log_debug = false

// The log is a redo-only write-ahead journal. Block logstart holds a
// table of LOGSIZE fixed-size records; blocks logstart+1+i hold the
// shadow copy of record i's target block. An update is durable once
// its shadow and record are on disk and the record is committed; the
// home location is rewritten from the shadow afterwards.
//
// Ordering rule: log data before commit; commit before home write;
// clear after home write. A crash between any two steps leaves the
// table replayable.
//
// Logging is single-writer: file system mutation is serialized by the
// inodefile sleep-lock, so no internal locking is needed here.

/// LOGRECSZ is the on-disk size of one log record.
const LOGRECSZ = 64

/// Lognode_t is the in-memory form of one log record.
type Lognode_t struct {
	Commit  bool
	Dirty   bool
	Datablk uint32 /// shadow block in the log region
	Target  uint32 /// home block the shadow replaces
	Inum    uint32
	Offset  uint32
	Newsize uint32
}

func logdecode(d *Datablk_t, slot int) Lognode_t {
	off := slot * LOGRECSZ
	var ln Lognode_t
	ln.Commit = d[off] != 0
	ln.Dirty = d[off+1] != 0
	ln.Datablk = uint32(util.Readn(d[:], 4, off+4))
	ln.Target = uint32(util.Readn(d[:], 4, off+8))
	ln.Inum = uint32(util.Readn(d[:], 4, off+12))
	ln.Offset = uint32(util.Readn(d[:], 4, off+16))
	ln.Newsize = uint32(util.Readn(d[:], 4, off+20))
	return ln
}

func logencode(d *Datablk_t, slot int, ln Lognode_t) {
	off := slot * LOGRECSZ
	for i := 0; i < LOGRECSZ; i++ {
		d[off+i] = 0
	}
	if ln.Commit {
		d[off] = 1
	}
	if ln.Dirty {
		d[off+1] = 1
	}
	util.Writen(d[:], 4, off+4, int(ln.Datablk))
	util.Writen(d[:], 4, off+8, int(ln.Target))
	util.Writen(d[:], 4, off+12, int(ln.Inum))
	util.Writen(d[:], 4, off+16, int(ln.Offset))
	util.Writen(d[:], 4, off+20, int(ln.Newsize))
}

/// Log_t drives the on-disk journal for one file system.
type Log_t struct {
	fs       *Fs_t
	logstart int
}

func mkLog(fs *Fs_t, logstart int) *Log_t {
	l := &Log_t{}
	l.fs = fs
	l.logstart = logstart
	return l
}

// shadowblk returns the block number backing record slot's data.
func (l *Log_t) shadowblk(slot int) int {
	return l.logstart + 1 + slot
}

/// Log_write journals the contents of a locked, dirty buffer. The
/// shadow data and its record are persisted before Log_write returns.
/// When the table is full the pending transaction is committed and
/// applied first to make room; each committed batch is individually
/// crash-atomic.
func (l *Log_t) Log_write(b *Buf_t, inum uint32, offset uint32, newsize uint32) {
	tb := l.fs.bcache.Bread(l.logstart)
	slot := -1
	for i := 0; i < defs.LOGSIZE; i++ {
		ln := logdecode(tb.Data, i)
		if ln.Dirty && ln.Target == uint32(b.Block) {
			// the block is already journaled this transaction;
			// rewrite its shadow in place
			slot = i
			break
		}
		if !ln.Dirty {
			slot = i
			break
		}
	}
	if slot == -1 {
		l.fs.bcache.Brelse(tb)
		l.Log_commit()
		l.Copy_to_disk()
		tb = l.fs.bcache.Bread(l.logstart)
		slot = 0
	}
	if log_debug {
		fmt.Printf("log_write blk %v slot %v\n", b.Block, slot)
	}

	// shadow data first
	sb := l.fs.bcache.Bread(l.shadowblk(slot))
	*sb.Data = *b.Data
	l.fs.bcache.Bwrite(sb)
	l.fs.bcache.Brelse(sb)

	// then the record
	ln := Lognode_t{
		Commit:  false,
		Dirty:   true,
		Datablk: uint32(l.shadowblk(slot)),
		Target:  uint32(b.Block),
		Inum:    inum,
		Offset:  offset,
		Newsize: newsize,
	}
	logencode(tb.Data, slot, ln)
	l.fs.bcache.Bwrite(tb)
	l.fs.bcache.Brelse(tb)
}

/// Log_commit marks every dirty record committed with a single write
/// of the record table.
func (l *Log_t) Log_commit() {
	tb := l.fs.bcache.Bread(l.logstart)
	n := 0
	for i := 0; i < defs.LOGSIZE; i++ {
		ln := logdecode(tb.Data, i)
		if ln.Dirty && !ln.Commit {
			ln.Commit = true
			logencode(tb.Data, i, ln)
			n++
		}
	}
	if n != 0 {
		l.fs.bcache.Bwrite(tb)
	}
	l.fs.bcache.Brelse(tb)
	if log_debug {
		fmt.Printf("log_commit %v records\n", n)
	}
}

/// Copy_to_disk writes every committed record's shadow to its home
/// block, then clears the table.
func (l *Log_t) Copy_to_disk() {
	tb := l.fs.bcache.Bread(l.logstart)
	cleared := 0
	for i := 0; i < defs.LOGSIZE; i++ {
		ln := logdecode(tb.Data, i)
		if !ln.Commit || !ln.Dirty {
			continue
		}
		sb := l.fs.bcache.Bread(int(ln.Datablk))
		hb := l.fs.bcache.Bread(int(ln.Target))
		*hb.Data = *sb.Data
		l.fs.bcache.Bwrite(hb)
		l.fs.bcache.Brelse(hb)
		l.fs.bcache.Brelse(sb)
		logencode(tb.Data, i, Lognode_t{})
		cleared++
	}
	if cleared != 0 {
		l.fs.bcache.Bwrite(tb)
	}
	l.fs.bcache.Brelse(tb)
}

/// Log_check replays the journal at boot. Committed dirty records are
/// completed; replay stops at the first uncommitted record since slots
/// are allocated in order.
func (l *Log_t) Log_check() {
	tb := l.fs.bcache.Bread(l.logstart)
	replayed := 0
	dirty := false
	for i := 0; i < defs.LOGSIZE; i++ {
		ln := logdecode(tb.Data, i)
		if !ln.Dirty {
			break
		}
		dirty = true
		if !ln.Commit {
			// the transaction never committed; discard
			break
		}
		sb := l.fs.bcache.Bread(int(ln.Datablk))
		hb := l.fs.bcache.Bread(int(ln.Target))
		*hb.Data = *sb.Data
		l.fs.bcache.Bwrite(hb)
		l.fs.bcache.Brelse(hb)
		l.fs.bcache.Brelse(sb)
		replayed++
	}
	if dirty {
		for i := 0; i < defs.LOGSIZE; i++ {
			logencode(tb.Data, i, Lognode_t{})
		}
		l.fs.bcache.Bwrite(tb)
	}
	l.fs.bcache.Brelse(tb)
	if replayed != 0 {
		fmt.Printf("log: replayed %v committed records\n", replayed)
	}
}

// flush commits and applies the pending transaction.
func (l *Log_t) flush() {
	l.Log_commit()
	l.Copy_to_disk()
}
