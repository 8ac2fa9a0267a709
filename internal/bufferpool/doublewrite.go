package bufferpool

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/storage"
)

// DoubleWriteBuffer stages page writes between the buffer pool and the
// data files so a torn data-file write always leaves one intact copy.
type DoubleWriteBuffer interface {
	// AddPage stages a page image on its way to pool's data file.
	AddPage(pool *DiskBufferPool, pageNum storage.PageNum, page *storage.Page) error

	// ReadPage copies the staged image of (poolID, pageNum) into out and
	// reports whether one exists. A staged image is authoritative over
	// the data file.
	ReadPage(poolID int32, pageNum storage.PageNum, out *storage.Page) bool

	// ClearPages drains slots belonging to pool, in ascending page
	// order, into its data file. Called when the file closes.
	ClearPages(pool *DiskBufferPool) error

	// Flush writes every valid slot to its real location and empties
	// the buffer.
	Flush() error

	Close() error
}

const (
	// DefaultDoubleWriteMaxPages triggers a flush of the staged slots.
	DefaultDoubleWriteMaxPages = 16

	dwHeaderSize   = 8               // page_cnt (4) + reserved (4)
	dwSlotMetaSize = 16              // pool_id (4) + page_num (4) + valid (4) + reserved (4)
	dwSlotSize     = dwSlotMetaSize + storage.PageSize
)

type dwKey struct {
	poolID  int32
	pageNum storage.PageNum
}

type dwPage struct {
	key       dwKey
	pageIndex int32 // slot index inside the double-write file
	valid     bool
	page      *storage.Page
}

// DiskDoubleWriteBuffer keeps staged pages both in memory and in a
// dedicated file. On restart the file is loaded and every slot with a
// matching page checksum survives; those images override the data
// files until flushed.
//
// The file header itself carries no checksum; if it is corrupted the
// staged pages are silently dropped.
type DiskDoubleWriteBuffer struct {
	mu       sync.Mutex
	file     storage.BlockFile
	manager  *BufferPoolManager
	maxPages int
	pages    map[dwKey]*dwPage
	pageCnt  int32
}

func NewDiskDoubleWriteBuffer(manager *BufferPoolManager, maxPages int) *DiskDoubleWriteBuffer {
	if maxPages <= 0 {
		maxPages = DefaultDoubleWriteMaxPages
	}
	return &DiskDoubleWriteBuffer{
		manager:  manager,
		maxPages: maxPages,
		pages:    make(map[dwKey]*dwPage),
	}
}

// OpenFile opens the staging file and loads surviving slots.
func (d *DiskDoubleWriteBuffer) OpenFile(path string, o storage.Options) error {
	if d.file != nil {
		return fmt.Errorf("bufferpool: double write buffer already opened")
	}
	// The staging file interleaves small slot headers with page images,
	// so its offsets are never block aligned; direct I/O stays off.
	o.DirectIO = false
	f, err := storage.OpenBlockFile(path, o)
	if err != nil {
		return fmt.Errorf("bufferpool: open double write file: %w", err)
	}
	d.file = f
	return d.loadPages()
}

func (d *DiskDoubleWriteBuffer) loadPages() error {
	var hdr [dwHeaderSize]byte
	n, err := d.file.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return err
	}
	if n < dwHeaderSize {
		return nil // fresh file
	}
	count := bx.I32(hdr[:4])

	buf := make([]byte, dwSlotSize)
	for i := int32(0); i < count; i++ {
		off := int64(dwHeaderSize) + int64(i)*dwSlotSize
		if _, err := d.file.ReadAt(buf, off); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		valid := bx.I32(buf[8:12]) != 0
		if !valid {
			continue
		}
		page := storage.NewPage()
		copy(page.Buf, buf[dwSlotMetaSize:])
		if !page.VerifyCheckSum() {
			slog.Warn("bufferpool: double write slot failed checksum, dropped", "slot", i)
			continue
		}
		key := dwKey{poolID: bx.I32(buf[0:4]), pageNum: bx.I32(buf[4:8])}
		d.pages[key] = &dwPage{key: key, pageIndex: i, valid: true, page: page}
	}
	d.pageCnt = count
	slog.Debug("bufferpool: double write buffer loaded", "slots", len(d.pages))
	return nil
}

func (d *DiskDoubleWriteBuffer) AddPage(pool *DiskBufferPool, pageNum storage.PageNum, page *storage.Page) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dwKey{poolID: pool.ID(), pageNum: pageNum}
	if slot, ok := d.pages[key]; ok {
		slot.page.CopyFrom(page)
		slot.valid = true
		return d.writeSlot(slot)
	}

	slot := &dwPage{
		key:       key,
		pageIndex: d.pageCnt,
		valid:     true,
		page:      storage.NewPage(),
	}
	slot.page.CopyFrom(page)
	d.pages[key] = slot
	d.pageCnt++

	if err := d.writeHeader(); err != nil {
		return err
	}
	if err := d.writeSlot(slot); err != nil {
		return err
	}

	if len(d.pages) >= d.maxPages {
		return d.flushLocked()
	}
	return nil
}

func (d *DiskDoubleWriteBuffer) ReadPage(poolID int32, pageNum storage.PageNum, out *storage.Page) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.pages[dwKey{poolID: poolID, pageNum: pageNum}]
	if !ok || !slot.valid {
		return false
	}
	out.CopyFrom(slot.page)
	return true
}

func (d *DiskDoubleWriteBuffer) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

// flushLocked writes every valid slot to its data file, then marks the
// slots invalid. The staging copies are only dropped once the real
// writes completed.
func (d *DiskDoubleWriteBuffer) flushLocked() error {
	if err := d.file.Sync(); err != nil {
		return err
	}
	for _, slot := range d.pages {
		if err := d.writeReal(slot); err != nil {
			return err
		}
		slot.valid = false
		if err := d.writeSlot(slot); err != nil {
			return err
		}
	}
	d.pages = make(map[dwKey]*dwPage)
	d.pageCnt = 0
	if err := d.writeHeader(); err != nil {
		return err
	}
	return nil
}

func (d *DiskDoubleWriteBuffer) ClearPages(pool *DiskBufferPool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var slots []*dwPage
	for _, slot := range d.pages {
		if slot.valid && slot.key.poolID == pool.ID() {
			slots = append(slots, slot)
		}
	}
	// Ascending page order: writing a high page first could seek past
	// EOF on a file that has not been extended that far yet.
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].key.pageNum < slots[j].key.pageNum
	})

	for _, slot := range slots {
		if err := pool.writePage(slot.key.pageNum, slot.page); err != nil {
			return fmt.Errorf("bufferpool: clear double write page %d.%d: %w",
				slot.key.poolID, slot.key.pageNum, err)
		}
		slot.valid = false
		if err := d.writeSlot(slot); err != nil {
			return err
		}
		delete(d.pages, slot.key)
	}
	return nil
}

func (d *DiskDoubleWriteBuffer) writeReal(slot *dwPage) error {
	pool := d.manager.getPool(slot.key.poolID)
	if pool == nil {
		slog.Warn("bufferpool: double write slot for unknown pool, dropped",
			"poolID", slot.key.poolID, "pageNum", slot.key.pageNum)
		return nil
	}
	return pool.writePage(slot.key.pageNum, slot.page)
}

func (d *DiskDoubleWriteBuffer) writeHeader() error {
	var hdr [dwHeaderSize]byte
	bx.PutI32(hdr[:4], d.pageCnt)
	_, err := d.file.WriteAt(hdr[:], 0)
	return err
}

func (d *DiskDoubleWriteBuffer) writeSlot(slot *dwPage) error {
	buf := make([]byte, dwSlotSize)
	bx.PutI32(buf[0:4], slot.key.poolID)
	bx.PutI32(buf[4:8], slot.key.pageNum)
	if slot.valid {
		bx.PutI32(buf[8:12], 1)
	}
	copy(buf[dwSlotMetaSize:], slot.page.Buf)

	off := int64(dwHeaderSize) + int64(slot.pageIndex)*dwSlotSize
	if _, err := d.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("bufferpool: write double write slot %d: %w", slot.pageIndex, err)
	}
	return nil
}

func (d *DiskDoubleWriteBuffer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	if err := d.flushLocked(); err != nil {
		return err
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// VacuousDoubleWriteBuffer writes pages straight to their data files.
type VacuousDoubleWriteBuffer struct{}

func (VacuousDoubleWriteBuffer) AddPage(pool *DiskBufferPool, pageNum storage.PageNum, page *storage.Page) error {
	return pool.writePage(pageNum, page)
}

func (VacuousDoubleWriteBuffer) ReadPage(int32, storage.PageNum, *storage.Page) bool {
	return false
}

func (VacuousDoubleWriteBuffer) ClearPages(*DiskBufferPool) error { return nil }
func (VacuousDoubleWriteBuffer) Flush() error                     { return nil }
func (VacuousDoubleWriteBuffer) Close() error                     { return nil }
