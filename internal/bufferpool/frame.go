// Package bufferpool caches file pages in frames, latches them for
// concurrent access and writes evicted pages back through the
// double-write buffer. One DiskBufferPool serves one file; the
// BufferPoolManager owns the pools and the shared double-write buffer.
package bufferpool

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tvhung83/stonesql/internal/latch"
	"github.com/tvhung83/stonesql/internal/storage"
)

// Frame is a buffer-pool slot caching exactly one page. A frame with
// pin count > 0 cannot be evicted; the latch protects the cached bytes.
type Frame struct {
	poolID  int32
	pageNum storage.PageNum

	pinCount atomic.Int32
	dirty    atomic.Bool
	accTime  atomic.Int64 // recency stamp for eviction

	latch *latch.Latch
	page  *storage.Page
}

func newFrame(poolID int32, pageNum storage.PageNum) *Frame {
	f := &Frame{
		poolID:  poolID,
		pageNum: pageNum,
		latch:   latch.NewLatch(),
		page:    storage.NewPage(),
	}
	f.touch()
	return f
}

func (f *Frame) PoolID() int32            { return f.poolID }
func (f *Frame) PageNum() storage.PageNum { return f.pageNum }
func (f *Frame) Page() *storage.Page      { return f.page }
func (f *Frame) Data() []byte             { return f.page.Data() }

func (f *Frame) LSN() int64       { return f.page.LSN() }
func (f *Frame) SetLSN(lsn int64) { f.page.SetLSN(lsn) }

func (f *Frame) Dirty() bool    { return f.dirty.Load() }
func (f *Frame) MarkDirty()     { f.dirty.Store(true) }
func (f *Frame) clearDirty()    { f.dirty.Store(false) }
func (f *Frame) PinCount() int32 { return f.pinCount.Load() }

func (f *Frame) pin() {
	f.pinCount.Add(1)
	f.touch()
}

func (f *Frame) unpin() int32 {
	n := f.pinCount.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("bufferpool: frame %d.%d pin count dropped below zero", f.poolID, f.pageNum))
	}
	return n
}

func (f *Frame) touch() {
	f.accTime.Store(time.Now().UnixNano())
}

// Latching. The write latch is recursive for the same owner; a read
// latch under the owner's own write latch panics, and a write latch
// under its own read latch panics when latch.Debug is on (see package
// latch).

func (f *Frame) WriteLatch(owner latch.Owner)        { f.latch.XLatch(owner) }
func (f *Frame) WriteUnlatch(owner latch.Owner)      { f.latch.XUnlatch(owner) }
func (f *Frame) ReadLatch(owner latch.Owner)         { f.latch.SLatch(owner) }
func (f *Frame) TryReadLatch(owner latch.Owner) bool { return f.latch.TrySLatch(owner) }
func (f *Frame) ReadUnlatch(owner latch.Owner)       { f.latch.SUnlatch(owner) }

func (f *Frame) String() string {
	return fmt.Sprintf("frame: pool=%d, page=%d, pin=%d, dirty=%v, lsn=%d",
		f.poolID, f.pageNum, f.PinCount(), f.Dirty(), f.LSN())
}
