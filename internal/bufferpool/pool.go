package bufferpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tvhung83/stonesql/internal/bitmap"
	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/wal"
)

var (
	// ErrNoFreeFrame is returned when no unpinned frame is available for
	// replacement.
	ErrNoFreeFrame = errors.New("bufferpool: no free frame available (all pinned)")

	// ErrPagePinned is returned when trying to dispose a pinned page.
	ErrPagePinned = errors.New("bufferpool: page is pinned")

	// ErrInvalidPageNum is returned for a page number outside the file.
	ErrInvalidPageNum = errors.New("bufferpool: invalid page number")

	// ErrPoolFull is returned when the file cannot grow any further.
	ErrPoolFull = errors.New("bufferpool: file has no free page slot")
)

// DefaultFrameCount is the per-file frame budget.
const DefaultFrameCount = 128

// File header page (page 0) data-area layout.
const (
	hdrPoolIDOff    = 0
	hdrPageCountOff = 4
	hdrAllocatedOff = 8
	hdrBitmapOff    = 12
)

// MaxPageCount is how many pages one file can hold, bounded by the
// allocation bitmap that must fit the header page.
const MaxPageCount = (storage.PageDataSize - hdrBitmapOff) * 8

// DiskBufferPool caches the pages of one file. Page 0 is the file
// header: pool id, page count and the allocation bitmap.
type DiskBufferPool struct {
	id       int32
	filename string
	pageFile *storage.PageFile

	logHandler wal.LogHandler
	dblwr      DoubleWriteBuffer
	logger     *BufferPoolLogHandler

	mu       sync.Mutex
	frames   map[storage.PageNum]*Frame
	capacity int
	hdrFrame *Frame
}

func openPool(
	id int32,
	filename string,
	pageFile *storage.PageFile,
	logHandler wal.LogHandler,
	dblwr DoubleWriteBuffer,
	capacity int,
	freshFile bool,
) (*DiskBufferPool, error) {
	if capacity <= 0 {
		capacity = DefaultFrameCount
	}
	p := &DiskBufferPool{
		id:         id,
		filename:   filename,
		pageFile:   pageFile,
		logHandler: logHandler,
		dblwr:      dblwr,
		frames:     make(map[storage.PageNum]*Frame),
		capacity:   capacity,
	}
	p.logger = &BufferPoolLogHandler{pool: p}

	hdr, err := p.GetThisPage(0)
	if err != nil {
		return nil, err
	}
	if freshFile {
		hdr.Page().Reset(0)
		data := hdr.Data()
		bx.PutI32At(data, hdrPoolIDOff, id)
		bx.PutI32At(data, hdrPageCountOff, 1)
		bx.PutI32At(data, hdrAllocatedOff, 1)
		p.headerBitmap(hdr).Set(0) // the header page itself
		hdr.MarkDirty()
	}
	// The header frame stays pinned for the pool's lifetime.
	p.hdrFrame = hdr

	slog.Debug("bufferpool: pool opened",
		"id", p.id, "file", filename, "pageCount", p.pageCountOf(hdr))
	return p, nil
}

func (p *DiskBufferPool) ID() int32        { return p.id }
func (p *DiskBufferPool) Filename() string { return p.filename }

// LogHandler exposes the pool's buffer-pool log appender.
func (p *DiskBufferPool) LogHandler() *BufferPoolLogHandler { return p.logger }

func (p *DiskBufferPool) headerBitmap(hdr *Frame) bitmap.Bitmap {
	return bitmap.New(hdr.Data()[hdrBitmapOff:], MaxPageCount)
}

func (p *DiskBufferPool) pageCountOf(hdr *Frame) int32 {
	return bx.I32At(hdr.Data(), hdrPageCountOff)
}

// PageCount returns the number of pages in the file, header included.
func (p *DiskBufferPool) PageCount() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageCountOf(p.hdrFrame)
}

// GetThisPage pins and returns the frame caching pageNum, faulting it
// in from the double-write buffer or the data file when absent.
func (p *DiskBufferPool) GetThisPage(pageNum storage.PageNum) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pageNum < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageNum, pageNum)
	}
	if p.hdrFrame != nil && pageNum >= p.pageCountOf(p.hdrFrame) {
		return nil, fmt.Errorf("%w: %d >= page count %d", ErrInvalidPageNum, pageNum, p.pageCountOf(p.hdrFrame))
	}

	if f, ok := p.frames[pageNum]; ok {
		f.pin()
		return f, nil
	}

	f, err := p.allocateFrameLocked(pageNum)
	if err != nil {
		return nil, err
	}
	// A staged double-write image is authoritative over the data file.
	if !p.dblwr.ReadPage(p.id, pageNum, f.Page()) {
		if err := p.pageFile.ReadPage(pageNum, f.Page()); err != nil {
			delete(p.frames, pageNum)
			return nil, err
		}
		if !f.Page().VerifyCheckSum() {
			slog.Warn("bufferpool: page failed checksum", "pool", p.id, "pageNum", pageNum)
		}
	}
	f.Page().SetPageNum(pageNum)
	f.pin()
	return f, nil
}

// AllocatePage returns a pinned frame for a freshly allocated page,
// reusing a previously disposed slot when one exists.
func (p *DiskBufferPool) AllocatePage() (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hdr := p.hdrFrame
	bm := p.headerBitmap(hdr)
	pageCount := p.pageCountOf(hdr)

	pageNum := storage.InvalidPageNum
	if idx := bm.NextClearBit(0); idx >= 0 && int32(idx) < pageCount {
		pageNum = storage.PageNum(idx)
	} else {
		if pageCount >= MaxPageCount {
			return nil, ErrPoolFull
		}
		pageNum = pageCount
		bx.PutI32At(hdr.Data(), hdrPageCountOff, pageCount+1)
	}

	bm.Set(int(pageNum))
	bx.PutI32At(hdr.Data(), hdrAllocatedOff, bx.I32At(hdr.Data(), hdrAllocatedOff)+1)
	hdr.MarkDirty()

	if err := p.logger.appendAllocate(pageNum); err != nil {
		return nil, err
	}

	f, err := p.allocateFrameLocked(pageNum)
	if err != nil {
		return nil, err
	}
	f.Page().Reset(pageNum)
	f.MarkDirty()
	f.pin()

	slog.Debug("bufferpool: page allocated", "pool", p.id, "pageNum", pageNum)
	return f, nil
}

// DisposePage drops pageNum from the pool and frees its file slot. The
// page must not be pinned.
func (p *DiskBufferPool) DisposePage(pageNum storage.PageNum) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pageNum <= 0 {
		return fmt.Errorf("%w: cannot dispose page %d", ErrInvalidPageNum, pageNum)
	}
	if f, ok := p.frames[pageNum]; ok {
		if f.PinCount() > 0 {
			return fmt.Errorf("%w: page %d pin=%d", ErrPagePinned, pageNum, f.PinCount())
		}
		delete(p.frames, pageNum)
	}

	hdr := p.hdrFrame
	p.headerBitmap(hdr).Clear(int(pageNum))
	bx.PutI32At(hdr.Data(), hdrAllocatedOff, bx.I32At(hdr.Data(), hdrAllocatedOff)-1)
	hdr.MarkDirty()

	if err := p.logger.appendDeallocate(pageNum); err != nil {
		return err
	}
	slog.Debug("bufferpool: page disposed", "pool", p.id, "pageNum", pageNum)
	return nil
}

// UnpinPage releases one pin.
func (p *DiskBufferPool) UnpinPage(f *Frame) {
	f.unpin()
}

// allocateFrameLocked finds a frame for pageNum, evicting the unpinned
// frame with the oldest recency stamp when the pool is full.
func (p *DiskBufferPool) allocateFrameLocked(pageNum storage.PageNum) (*Frame, error) {
	if len(p.frames) < p.capacity {
		f := newFrame(p.id, pageNum)
		p.frames[pageNum] = f
		return f, nil
	}

	var victim *Frame
	for _, f := range p.frames {
		if f.PinCount() > 0 {
			continue
		}
		if victim == nil || f.accTime.Load() < victim.accTime.Load() {
			victim = f
		}
	}
	if victim == nil {
		return nil, ErrNoFreeFrame
	}

	if victim.Dirty() {
		if err := p.flushFrameLocked(victim); err != nil {
			return nil, err
		}
	}
	delete(p.frames, victim.pageNum)
	slog.Debug("bufferpool: evicted frame", "pool", p.id, "victim", victim.pageNum, "for", pageNum)

	f := newFrame(p.id, pageNum)
	p.frames[pageNum] = f
	return f, nil
}

// flushFrameLocked writes one dirty frame back. The WAL entries
// protecting the page must be durable before its old disk image may be
// overwritten, and the write goes through the double-write buffer.
func (p *DiskBufferPool) flushFrameLocked(f *Frame) error {
	if err := p.logHandler.WaitLSN(f.LSN()); err != nil {
		return fmt.Errorf("bufferpool: wait lsn %d before flush: %w", f.LSN(), err)
	}
	f.Page().SetPageNum(f.pageNum)
	f.Page().UpdateCheckSum()
	if err := p.dblwr.AddPage(p, f.pageNum, f.Page()); err != nil {
		return err
	}
	f.clearDirty()
	return nil
}

// FlushPage writes one dirty frame back through the double-write path.
func (p *DiskBufferPool) FlushPage(f *Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushFrameLocked(f)
}

// FlushAllPages writes every dirty frame back.
func (p *DiskBufferPool) FlushAllPages() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.frames {
		if !f.Dirty() {
			continue
		}
		if err := p.flushFrameLocked(f); err != nil {
			return err
		}
	}
	return nil
}

// writePage writes a page image straight to the data file. Only the
// double-write buffer uses it; everything else goes through frames.
func (p *DiskBufferPool) writePage(pageNum storage.PageNum, page *storage.Page) error {
	return p.pageFile.WritePage(pageNum, page)
}

// close flushes everything, drains this pool's double-write slots and
// closes the file.
func (p *DiskBufferPool) close() error {
	p.mu.Lock()
	if p.hdrFrame != nil {
		p.hdrFrame.unpin()
		p.hdrFrame = nil
	}
	for _, f := range p.frames {
		if f.Dirty() {
			if err := p.flushFrameLocked(f); err != nil {
				p.mu.Unlock()
				return err
			}
		}
	}
	p.frames = make(map[storage.PageNum]*Frame)
	p.mu.Unlock()

	if err := p.dblwr.ClearPages(p); err != nil {
		return err
	}
	if err := p.pageFile.Sync(); err != nil {
		return err
	}
	return p.pageFile.Close()
}

// PageIterator walks the allocated pages of the file in ascending
// order. The record file scanner drives it.
type PageIterator struct {
	pool    *DiskBufferPool
	current storage.PageNum
}

// NewPageIterator starts iterating after the header page.
func (p *DiskBufferPool) NewPageIterator() *PageIterator {
	return &PageIterator{pool: p, current: 0}
}

// Next returns the next allocated page number, or InvalidPageNum when
// the file is exhausted.
func (it *PageIterator) Next() storage.PageNum {
	it.pool.mu.Lock()
	defer it.pool.mu.Unlock()

	hdr := it.pool.hdrFrame
	bm := it.pool.headerBitmap(hdr)
	pageCount := it.pool.pageCountOf(hdr)
	next := bm.NextSetBit(int(it.current) + 1)
	if next < 0 || int32(next) >= pageCount {
		return storage.InvalidPageNum
	}
	it.current = storage.PageNum(next)
	return it.current
}
