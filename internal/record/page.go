package record

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tvhung83/stonesql/internal/bitmap"
	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/latch"
	"github.com/tvhung83/stonesql/internal/storage"
)

// errPageNoSpace is internal: the file handler reacts by picking or
// allocating another page.
var errPageNoSpace = errors.New("record: page has no free slot")

// PageHeader layout inside the page data area.
//
//	0  record_num        live records on the page
//	4  column_num        columns (PAX only, 0 for row format)
//	8  record_real_size  payload bytes per record
//	12 record_size       slot stride, record_real_size aligned to 8
//	16 record_capacity   slots on the page
//	20 col_idx_offset    where the column index starts (PAX)
//	24 data_offset       where record data starts
//
// The occupancy bitmap follows the header; then, for PAX, the column
// index (cumulative end offset of each column region, relative to
// data_offset); then the record data.
const PageHeaderSize = 28

const (
	phRecordNumOff      = 0
	phColumnNumOff      = 4
	phRecordRealSizeOff = 8
	phRecordSizeOff     = 12
	phRecordCapacityOff = 16
	phColIdxOffsetOff   = 20
	phDataOffsetOff     = 24
)

func align8(n int32) int32 { return (n + 7) &^ 7 }

// pageRecordCapacity sizes the slot count so header + bitmap + fixed
// extras + records fit the data area: one bitmap bit plus record_size
// bytes per slot.
func pageRecordCapacity(dataSize, recordSize, fixedSize int32) int32 {
	return (dataSize - PageHeaderSize - fixedSize - 1) * 8 / (recordSize*8 + 1)
}

type pageView struct {
	data []byte // the page data area
}

func (v pageView) recordNum() int32          { return bx.I32At(v.data, phRecordNumOff) }
func (v pageView) setRecordNum(n int32)      { bx.PutI32At(v.data, phRecordNumOff, n) }
func (v pageView) columnNum() int32          { return bx.I32At(v.data, phColumnNumOff) }
func (v pageView) recordRealSize() int32     { return bx.I32At(v.data, phRecordRealSizeOff) }
func (v pageView) recordSize() int32         { return bx.I32At(v.data, phRecordSizeOff) }
func (v pageView) recordCapacity() int32     { return bx.I32At(v.data, phRecordCapacityOff) }
func (v pageView) colIdxOffset() int32       { return bx.I32At(v.data, phColIdxOffsetOff) }
func (v pageView) dataOffset() int32         { return bx.I32At(v.data, phDataOffsetOff) }

func (v pageView) bitmap() bitmap.Bitmap {
	return bitmap.New(v.data[PageHeaderSize:], int(v.recordCapacity()))
}

// colIdx returns the cumulative end offset of column c's region.
func (v pageView) colIdx(c int32) int32 {
	return bx.I32At(v.data, int(v.colIdxOffset()+c*4))
}

// colLen returns the per-record field length of column c.
func (v pageView) colLen(c int32) int32 {
	start := int32(0)
	if c > 0 {
		start = v.colIdx(c - 1)
	}
	return (v.colIdx(c) - start) / v.recordCapacity()
}

// colFieldAt returns the bytes of column c for the record in slot.
func (v pageView) colFieldAt(c, slot int32) []byte {
	start := int32(0)
	if c > 0 {
		start = v.colIdx(c - 1)
	}
	fieldLen := v.colLen(c)
	off := v.dataOffset() + start + fieldLen*slot
	return v.data[off : off+fieldLen]
}

// rowSlotAt returns the record bytes of slot in row layout.
func (v pageView) rowSlotAt(slot int32) []byte {
	off := v.dataOffset() + slot*v.recordSize()
	return v.data[off : off+v.recordRealSize()]
}

func (v pageView) full() bool {
	return v.recordNum() >= v.recordCapacity()
}

// RecordPageHandler operates one heap page under its frame latch. All
// mutating operations require the write latch; Get requires the read
// latch. Cleanup releases the latch and the pin.
type RecordPageHandler struct {
	pool  *bufferpool.DiskBufferPool
	log   *RecordLogHandler
	frame *bufferpool.Frame
	view  pageView

	format   StorageFormat
	readonly bool
	owner    latch.Owner
}

// OpenRecordPageHandler latches an existing heap page.
func OpenRecordPageHandler(
	pool *bufferpool.DiskBufferPool,
	log *RecordLogHandler,
	pageNum storage.PageNum,
	format StorageFormat,
	owner latch.Owner,
	readonly bool,
) (*RecordPageHandler, error) {
	frame, err := pool.GetThisPage(pageNum)
	if err != nil {
		return nil, err
	}
	if readonly {
		frame.ReadLatch(owner)
	} else {
		frame.WriteLatch(owner)
	}
	return &RecordPageHandler{
		pool:     pool,
		log:      log,
		frame:    frame,
		view:     pageView{data: frame.Data()},
		format:   format,
		readonly: readonly,
		owner:    owner,
	}, nil
}

// InitEmptyPage formats a freshly allocated frame as an empty heap
// page and emits the INIT_PAGE log entry. The frame must be pinned by
// the caller (AllocatePage leaves it so); the handler takes the write
// latch.
func InitEmptyPage(
	pool *bufferpool.DiskBufferPool,
	log *RecordLogHandler,
	frame *bufferpool.Frame,
	recordSize int32,
	cols ColumnLens,
	format StorageFormat,
	owner latch.Owner,
) (*RecordPageHandler, error) {
	if recordSize <= 0 {
		return nil, fmt.Errorf("%w: record size %d", ErrRecordInvalidArgument, recordSize)
	}
	frame.WriteLatch(owner)

	h := &RecordPageHandler{
		pool:   pool,
		log:    log,
		frame:  frame,
		view:   pageView{data: frame.Data()},
		format: format,
		owner:  owner,
	}
	formatEmptyPage(frame, recordSize, cols, format)

	if err := log.appendInitPage(frame, format, recordSize, cols); err != nil {
		frame.WriteUnlatch(owner)
		return nil, err
	}
	frame.MarkDirty()
	slog.Debug("record: page initialized",
		"pool", pool.ID(), "pageNum", frame.PageNum(),
		"capacity", h.view.recordCapacity(), "format", format.String())
	return h, nil
}

// formatEmptyPage lays out header, bitmap and, for PAX, the column
// index. Shared by the normal path and redo.
func formatEmptyPage(frame *bufferpool.Frame, recordSize int32, cols ColumnLens, format StorageFormat) {
	data := frame.Data()
	for i := range data {
		data[i] = 0
	}

	columnNum := int32(0)
	if format == PaxFormat {
		columnNum = int32(len(cols))
	}

	alignedSize := align8(recordSize)
	capacity := pageRecordCapacity(int32(storage.PageDataSize), alignedSize, columnNum*4)
	bitmapSize := int32(bitmap.SizeFor(int(capacity)))
	colIdxOffset := align8(PageHeaderSize + bitmapSize)
	dataOffset := colIdxOffset + columnNum*4

	// The capacity formula ignores alignment padding; shrink until the
	// record area really fits.
	for dataOffset+capacity*alignedSize > int32(storage.PageDataSize) {
		capacity--
	}

	bx.PutI32At(data, phRecordNumOff, 0)
	bx.PutI32At(data, phColumnNumOff, columnNum)
	bx.PutI32At(data, phRecordRealSizeOff, recordSize)
	bx.PutI32At(data, phRecordSizeOff, alignedSize)
	bx.PutI32At(data, phRecordCapacityOff, capacity)
	bx.PutI32At(data, phColIdxOffsetOff, colIdxOffset)
	bx.PutI32At(data, phDataOffsetOff, dataOffset)

	if format == PaxFormat {
		// Cumulative end offsets of each column region.
		var acc int32
		for i, l := range cols {
			acc += l * capacity
			bx.PutI32At(data, int(colIdxOffset)+i*4, acc)
		}
	}
}

func (h *RecordPageHandler) PageNum() storage.PageNum { return h.frame.PageNum() }
func (h *RecordPageHandler) RecordNum() int32         { return h.view.recordNum() }
func (h *RecordPageHandler) Capacity() int32          { return h.view.recordCapacity() }
func (h *RecordPageHandler) Full() bool               { return h.view.full() }

// Cleanup releases the latch and pin. The handler is dead afterwards.
func (h *RecordPageHandler) Cleanup() {
	if h.frame == nil {
		return
	}
	if h.readonly {
		h.frame.ReadUnlatch(h.owner)
	} else {
		h.frame.WriteUnlatch(h.owner)
	}
	h.pool.UnpinPage(h.frame)
	h.frame = nil
}

// Insert places data into the first free slot.
func (h *RecordPageHandler) Insert(data []byte) (RID, error) {
	if h.readonly {
		return RID{}, fmt.Errorf("%w: insert on readonly page handler", ErrRecordInvalidArgument)
	}
	if int32(len(data)) != h.view.recordRealSize() {
		return RID{}, fmt.Errorf("%w: record size %d, want %d",
			ErrRecordInvalidArgument, len(data), h.view.recordRealSize())
	}

	bm := h.view.bitmap()
	slot := bm.NextClearBit(0)
	if slot < 0 {
		return RID{}, errPageNoSpace
	}

	bm.Set(slot)
	h.view.setRecordNum(h.view.recordNum() + 1)
	h.writeSlot(int32(slot), data)

	rid := RID{PageNum: h.frame.PageNum(), SlotNum: int32(slot)}
	if err := h.log.appendInsert(h.frame, h.format, rid, data); err != nil {
		return RID{}, err
	}
	h.frame.MarkDirty()
	return rid, nil
}

// Delete clears the slot addressed by rid.
func (h *RecordPageHandler) Delete(rid RID) error {
	if h.readonly {
		return fmt.Errorf("%w: delete on readonly page handler", ErrRecordInvalidArgument)
	}
	if err := h.validate(rid); err != nil {
		return err
	}

	bm := h.view.bitmap()
	bm.Clear(int(rid.SlotNum))
	h.view.setRecordNum(h.view.recordNum() - 1)

	if err := h.log.appendDelete(h.frame, h.format, rid); err != nil {
		return err
	}
	h.frame.MarkDirty()
	return nil
}

// Update overwrites the record in place.
func (h *RecordPageHandler) Update(rid RID, data []byte) error {
	if h.readonly {
		return fmt.Errorf("%w: update on readonly page handler", ErrRecordInvalidArgument)
	}
	if int32(len(data)) != h.view.recordRealSize() {
		return fmt.Errorf("%w: record size %d, want %d",
			ErrRecordInvalidArgument, len(data), h.view.recordRealSize())
	}
	if err := h.validate(rid); err != nil {
		return err
	}

	h.writeSlot(rid.SlotNum, data)
	if err := h.log.appendUpdate(h.frame, h.format, rid, data); err != nil {
		return err
	}
	h.frame.MarkDirty()
	return nil
}

// Get returns the record at rid. In row format the data aliases page
// memory and is only valid while the handler is open; PAX gathers an
// owned copy.
func (h *RecordPageHandler) Get(rid RID) (Record, error) {
	if err := h.validate(rid); err != nil {
		return Record{}, err
	}
	switch h.format {
	case RowFormat:
		return Record{Rid: rid, Data: h.view.rowSlotAt(rid.SlotNum)}, nil
	case PaxFormat:
		data := make([]byte, 0, h.view.recordRealSize())
		for c := int32(0); c < h.view.columnNum(); c++ {
			data = append(data, h.view.colFieldAt(c, rid.SlotNum)...)
		}
		return Record{Rid: rid, Data: data}, nil
	default:
		return Record{}, fmt.Errorf("%w: storage format %d", ErrRecordInvalidArgument, h.format)
	}
}

// GetChunk gathers the requested columns of every live record into
// chunk. PAX pages only.
func (h *RecordPageHandler) GetChunk(chunk *Chunk) error {
	if h.format != PaxFormat {
		return fmt.Errorf("%w: chunk read on %s page", ErrRecordInvalidArgument, h.format)
	}
	bm := h.view.bitmap()
	for slot := bm.NextSetBit(0); slot >= 0; slot = bm.NextSetBit(slot + 1) {
		for _, col := range chunk.Columns {
			if col.ColID < 0 || int32(col.ColID) >= h.view.columnNum() {
				return fmt.Errorf("%w: column id %d", ErrRecordInvalidArgument, col.ColID)
			}
			col.Append(h.view.colFieldAt(int32(col.ColID), int32(slot)))
		}
	}
	return nil
}

func (h *RecordPageHandler) writeSlot(slot int32, data []byte) {
	writeSlotTo(h.view, h.format, slot, data)
}

// writeSlotTo places record bytes into a slot; shared with redo.
func writeSlotTo(v pageView, format StorageFormat, slot int32, data []byte) {
	switch format {
	case RowFormat:
		copy(v.rowSlotAt(slot), data)
	case PaxFormat:
		var off int32
		for c := int32(0); c < v.columnNum(); c++ {
			l := v.colLen(c)
			copy(v.colFieldAt(c, slot), data[off:off+l])
			off += l
		}
	}
}

func (h *RecordPageHandler) validate(rid RID) error {
	if rid.SlotNum < 0 || rid.SlotNum >= h.view.recordCapacity() {
		return fmt.Errorf("%w: %s capacity %d", ErrRecordInvalidRID, rid, h.view.recordCapacity())
	}
	if !h.view.bitmap().Get(int(rid.SlotNum)) {
		return fmt.Errorf("%w: %s", ErrRecordNotExist, rid)
	}
	return nil
}

// RecordPageIterator walks the live slots of one open page handler.
type RecordPageIterator struct {
	handler *RecordPageHandler
	next    int
}

func NewRecordPageIterator(handler *RecordPageHandler) *RecordPageIterator {
	return &RecordPageIterator{handler: handler, next: 0}
}

// Next returns the next live record or ErrRecordEOF.
func (it *RecordPageIterator) Next() (Record, error) {
	bm := it.handler.view.bitmap()
	slot := bm.NextSetBit(it.next)
	if slot < 0 {
		return Record{}, ErrRecordEOF
	}
	it.next = slot + 1
	return it.handler.Get(RID{PageNum: it.handler.PageNum(), SlotNum: int32(slot)})
}
