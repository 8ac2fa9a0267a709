package btree

import (
	"sync"

	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/storage"
)

// LatchMode selects how a frame is latched during a descent.
type LatchMode int

const (
	LatchShared LatchMode = iota
	LatchExclusive
)

type memoItemType int

const (
	memoPin memoItemType = iota
	memoSLatch
	memoXLatch
	memoSLock // shared root lock
	memoXLock // exclusive root lock
)

type memoItem struct {
	typ   memoItemType
	frame *bufferpool.Frame
	lock  *sync.RWMutex
}

// LatchMemo records the pins, frame latches, root-lock acquisitions
// and page disposals of one mini-transaction. ReleaseTo(point) frees
// the items acquired before point — that is how a descent drops its
// ancestors once a safe node is reached — and Release frees
// everything, running deferred page disposals at the very end, after
// every pin is gone.
type LatchMemo struct {
	pool     *bufferpool.DiskBufferPool
	items    []memoItem
	disposed []storage.PageNum
}

func NewLatchMemo(pool *bufferpool.DiskBufferPool) *LatchMemo {
	return &LatchMemo{pool: pool}
}

// owner is the latch owner token: the memo itself, so re-latching a
// frame inside one mini-transaction re-enters instead of deadlocking.
func (m *LatchMemo) owner() any { return m }

// GetPage pins pageNum without latching it.
func (m *LatchMemo) GetPage(pageNum storage.PageNum) (*bufferpool.Frame, error) {
	frame, err := m.pool.GetThisPage(pageNum)
	if err != nil {
		return nil, err
	}
	m.items = append(m.items, memoItem{typ: memoPin, frame: frame})
	return frame, nil
}

// AllocatePage allocates a fresh pinned page.
func (m *LatchMemo) AllocatePage() (*bufferpool.Frame, error) {
	frame, err := m.pool.AllocatePage()
	if err != nil {
		return nil, err
	}
	m.items = append(m.items, memoItem{typ: memoPin, frame: frame})
	return frame, nil
}

func (m *LatchMemo) XLatch(frame *bufferpool.Frame) {
	frame.WriteLatch(m.owner())
	m.items = append(m.items, memoItem{typ: memoXLatch, frame: frame})
}

func (m *LatchMemo) SLatch(frame *bufferpool.Frame) {
	frame.ReadLatch(m.owner())
	m.items = append(m.items, memoItem{typ: memoSLatch, frame: frame})
}

func (m *LatchMemo) TrySLatch(frame *bufferpool.Frame) bool {
	if !frame.TryReadLatch(m.owner()) {
		return false
	}
	m.items = append(m.items, memoItem{typ: memoSLatch, frame: frame})
	return true
}

func (m *LatchMemo) Latch(frame *bufferpool.Frame, mode LatchMode) {
	if mode == LatchExclusive {
		m.XLatch(frame)
	} else {
		m.SLatch(frame)
	}
}

func (m *LatchMemo) XLatchLock(lock *sync.RWMutex) {
	lock.Lock()
	m.items = append(m.items, memoItem{typ: memoXLock, lock: lock})
}

func (m *LatchMemo) SLatchLock(lock *sync.RWMutex) {
	lock.RLock()
	m.items = append(m.items, memoItem{typ: memoSLock, lock: lock})
}

// DisposePage defers freeing pageNum until Release.
func (m *LatchMemo) DisposePage(pageNum storage.PageNum) {
	m.disposed = append(m.disposed, pageNum)
}

// Point marks the current acquisition depth.
func (m *LatchMemo) Point() int { return len(m.items) }

// ReleaseTo frees the items acquired before point, newest first,
// keeping everything from point onward.
func (m *LatchMemo) ReleaseTo(point int) {
	for i := point - 1; i >= 0; i-- {
		m.releaseItem(m.items[i])
	}
	m.items = append(m.items[:0], m.items[point:]...)
}

// AbandonDisposals drops deferred page disposals; a rolled-back
// mini-transaction keeps its pages.
func (m *LatchMemo) AbandonDisposals() { m.disposed = nil }

// Release frees everything, then disposes deferred pages.
func (m *LatchMemo) Release() {
	m.ReleaseTo(len(m.items))
	for _, pageNum := range m.disposed {
		_ = m.pool.DisposePage(pageNum)
	}
	m.disposed = nil
}

func (m *LatchMemo) releaseItem(item memoItem) {
	switch item.typ {
	case memoPin:
		m.pool.UnpinPage(item.frame)
	case memoSLatch:
		item.frame.ReadUnlatch(m.owner())
	case memoXLatch:
		item.frame.WriteUnlatch(m.owner())
	case memoSLock:
		item.lock.RUnlock()
	case memoXLock:
		item.lock.Unlock()
	}
}
