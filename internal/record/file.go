package record

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/wal"
)

// RecordFileHandler manages the heap pages of one file: it tracks
// which pages still have free slots and routes record operations to
// page handlers.
//
// Lock ordering: inserts take the free-page lock first, release it,
// and only then latch the chosen page; deletes latch the page first
// and take the free-page lock afterwards to put the page back. Both
// directions must keep this order or they deadlock.
type RecordFileHandler struct {
	pool       *bufferpool.DiskBufferPool
	log        *RecordLogHandler
	format     StorageFormat
	recordSize int32
	cols       ColumnLens

	freeMu    sync.Mutex
	freePages map[storage.PageNum]struct{}
}

// OpenRecordFileHandler scans the file to rebuild the free-page set.
func OpenRecordFileHandler(
	pool *bufferpool.DiskBufferPool,
	walHandler wal.LogHandler,
	format StorageFormat,
	recordSize int32,
	cols ColumnLens,
) (*RecordFileHandler, error) {
	if len(cols) > 0 && recordSize != cols.TotalLen() {
		return nil, fmt.Errorf("%w: record size %d does not match column lengths %d",
			ErrRecordInvalidArgument, recordSize, cols.TotalLen())
	}
	if format == PaxFormat && len(cols) == 0 {
		return nil, fmt.Errorf("%w: pax format needs column lengths", ErrRecordInvalidArgument)
	}

	h := &RecordFileHandler{
		pool:       pool,
		log:        NewRecordLogHandler(walHandler, pool.ID()),
		format:     format,
		recordSize: recordSize,
		cols:       cols,
		freePages:  make(map[storage.PageNum]struct{}),
	}

	owner := new(int)
	iter := pool.NewPageIterator()
	for pageNum := iter.Next(); pageNum != storage.InvalidPageNum; pageNum = iter.Next() {
		ph, err := OpenRecordPageHandler(pool, h.log, pageNum, format, owner, true)
		if err != nil {
			return nil, err
		}
		if !ph.Full() {
			h.freePages[pageNum] = struct{}{}
		}
		ph.Cleanup()
	}

	slog.Debug("record: file handler opened",
		"pool", pool.ID(), "freePages", len(h.freePages), "format", format.String())
	return h, nil
}

func (h *RecordFileHandler) Pool() *bufferpool.DiskBufferPool { return h.pool }
func (h *RecordFileHandler) Format() StorageFormat            { return h.format }
func (h *RecordFileHandler) RecordSize() int32                { return h.recordSize }

// InsertRecord places data on a page with a free slot, allocating and
// initialising a new page when none exists.
func (h *RecordFileHandler) InsertRecord(data []byte) (RID, error) {
	owner := new(int)
	for {
		pageNum := storage.InvalidPageNum
		h.freeMu.Lock()
		for p := range h.freePages {
			pageNum = p
			break
		}
		h.freeMu.Unlock()

		if pageNum == storage.InvalidPageNum {
			return h.insertIntoNewPage(data, owner)
		}

		ph, err := OpenRecordPageHandler(h.pool, h.log, pageNum, h.format, owner, false)
		if err != nil {
			return RID{}, err
		}
		rid, err := ph.Insert(data)
		if errors.Is(err, errPageNoSpace) {
			// Lost a race: the page filled up after we picked it.
			ph.Cleanup()
			h.freeMu.Lock()
			delete(h.freePages, pageNum)
			h.freeMu.Unlock()
			continue
		}
		if err != nil {
			ph.Cleanup()
			return RID{}, err
		}
		if ph.Full() {
			h.freeMu.Lock()
			delete(h.freePages, pageNum)
			h.freeMu.Unlock()
		}
		ph.Cleanup()
		return rid, nil
	}
}

func (h *RecordFileHandler) insertIntoNewPage(data []byte, owner any) (RID, error) {
	frame, err := h.pool.AllocatePage()
	if err != nil {
		return RID{}, err
	}
	ph, err := InitEmptyPage(h.pool, h.log, frame, h.recordSize, h.cols, h.format, owner)
	if err != nil {
		h.pool.UnpinPage(frame)
		return RID{}, err
	}
	rid, err := ph.Insert(data)
	if err != nil {
		ph.Cleanup()
		return RID{}, err
	}
	if !ph.Full() {
		h.freeMu.Lock()
		h.freePages[ph.PageNum()] = struct{}{}
		h.freeMu.Unlock()
	}
	ph.Cleanup()
	return rid, nil
}

// DeleteRecord removes the record at rid and puts its page back on the
// free list. With ignoreNonexist, deleting a missing record succeeds;
// best-effort cleanup paths use that.
func (h *RecordFileHandler) DeleteRecord(rid RID, ignoreNonexist bool) error {
	owner := new(int)
	ph, err := OpenRecordPageHandler(h.pool, h.log, rid.PageNum, h.format, owner, false)
	if err != nil {
		return err
	}
	err = ph.Delete(rid)
	if err == nil {
		h.freeMu.Lock()
		h.freePages[rid.PageNum] = struct{}{}
		h.freeMu.Unlock()
	}
	ph.Cleanup()

	if err != nil && ignoreNonexist && errors.Is(err, ErrRecordNotExist) {
		return nil
	}
	return err
}

// UpdateRecord overwrites the record at rid.
func (h *RecordFileHandler) UpdateRecord(rid RID, data []byte) error {
	owner := new(int)
	ph, err := OpenRecordPageHandler(h.pool, h.log, rid.PageNum, h.format, owner, false)
	if err != nil {
		return err
	}
	defer ph.Cleanup()
	return ph.Update(rid, data)
}

// GetRecord returns an owned copy of the record at rid.
func (h *RecordFileHandler) GetRecord(rid RID) (Record, error) {
	owner := new(int)
	ph, err := OpenRecordPageHandler(h.pool, h.log, rid.PageNum, h.format, owner, true)
	if err != nil {
		return Record{}, err
	}
	defer ph.Cleanup()
	rec, err := ph.Get(rid)
	if err != nil {
		return Record{}, err
	}
	return rec.Copy(), nil
}

// VisitRecord runs visitor on the record at rid under the page latch.
// A read-write visit that mutates the handed copy is written back and
// logged as an UPDATE; transactions stamp their hidden columns this
// way.
func (h *RecordFileHandler) VisitRecord(rid RID, readonly bool, visitor func(rec *Record) error) error {
	owner := new(int)
	ph, err := OpenRecordPageHandler(h.pool, h.log, rid.PageNum, h.format, owner, readonly)
	if err != nil {
		return err
	}
	defer ph.Cleanup()

	rec, err := ph.Get(rid)
	if err != nil {
		return err
	}
	if readonly {
		return visitor(&rec)
	}

	cp := rec.Copy()
	if err := visitor(&cp); err != nil {
		return err
	}
	if !bytes.Equal(cp.Data, rec.Data) {
		return ph.Update(rid, cp.Data)
	}
	return nil
}

// ConditionFunc filters scanned records before visibility.
type ConditionFunc func(rec *Record) bool

// VisibilityFunc decides whether the scanning transaction may see a
// record; returning ErrRecordInvisible skips it silently.
type VisibilityFunc func(rec *Record) error

// RecordFileScanner walks every visible record of a file in page/slot
// order. It holds a read latch on the current page only.
type RecordFileScanner struct {
	fh      *RecordFileHandler
	iter    *bufferpool.PageIterator
	ph      *RecordPageHandler
	pageIt  *RecordPageIterator
	cond    ConditionFunc
	visible VisibilityFunc
	owner   any
}

// OpenScanner starts a scan. Either hook may be nil.
func (h *RecordFileHandler) OpenScanner(cond ConditionFunc, visible VisibilityFunc) *RecordFileScanner {
	return &RecordFileScanner{
		fh:      h,
		iter:    h.pool.NewPageIterator(),
		cond:    cond,
		visible: visible,
		owner:   new(int),
	}
}

// Next yields the next visible record as an owned copy, or
// ErrRecordEOF when the heap is exhausted.
func (s *RecordFileScanner) Next() (Record, error) {
	for {
		if s.ph == nil {
			pageNum := s.iter.Next()
			if pageNum == storage.InvalidPageNum {
				return Record{}, ErrRecordEOF
			}
			ph, err := OpenRecordPageHandler(s.fh.pool, s.fh.log, pageNum, s.fh.format, s.owner, true)
			if err != nil {
				return Record{}, err
			}
			s.ph = ph
			s.pageIt = NewRecordPageIterator(ph)
		}

		rec, err := s.pageIt.Next()
		if errors.Is(err, ErrRecordEOF) {
			s.ph.Cleanup()
			s.ph = nil
			continue
		}
		if err != nil {
			return Record{}, err
		}

		if s.cond != nil && !s.cond(&rec) {
			continue
		}
		if s.visible != nil {
			if err := s.visible(&rec); err != nil {
				if errors.Is(err, ErrRecordInvisible) {
					continue
				}
				return Record{}, err
			}
		}
		return rec.Copy(), nil
	}
}

// Close releases the current page, if any.
func (s *RecordFileScanner) Close() {
	if s.ph != nil {
		s.ph.Cleanup()
		s.ph = nil
	}
}

// ChunkFileScanner yields one chunk per PAX page for the requested
// columns.
type ChunkFileScanner struct {
	fh    *RecordFileHandler
	iter  *bufferpool.PageIterator
	owner any
}

func (h *RecordFileHandler) OpenChunkScanner() *ChunkFileScanner {
	return &ChunkFileScanner{fh: h, iter: h.pool.NewPageIterator(), owner: new(int)}
}

// NextChunk fills chunk from the next page, or returns ErrRecordEOF.
func (s *ChunkFileScanner) NextChunk(chunk *Chunk) error {
	pageNum := s.iter.Next()
	if pageNum == storage.InvalidPageNum {
		return ErrRecordEOF
	}
	ph, err := OpenRecordPageHandler(s.fh.pool, s.fh.log, pageNum, s.fh.format, s.owner, true)
	if err != nil {
		return err
	}
	defer ph.Cleanup()
	chunk.Reset()
	return ph.GetChunk(chunk)
}
