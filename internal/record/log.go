package record

import (
	"fmt"
	"log/slog"

	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/wal"
)

// Record-manager log operations.
type recLogOp int32

const (
	recLogInitPage recLogOp = iota
	recLogInsert
	recLogDelete
	recLogUpdate
)

func (op recLogOp) String() string {
	switch op {
	case recLogInitPage:
		return "INIT_PAGE"
	case recLogInsert:
		return "INSERT"
	case recLogDelete:
		return "DELETE"
	case recLogUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("OP(%d)", int32(op))
	}
}

// Common payload prefix:
// buffer_pool_id (4) + operation (4) + page_num (4) + storage_format (4).
const recLogPrefixSize = 16

type recLogEntry struct {
	poolID     int32
	op         recLogOp
	pageNum    storage.PageNum
	format     StorageFormat
	slotNum    int32      // row ops
	recordSize int32      // INIT_PAGE
	cols       ColumnLens // INIT_PAGE
	data       []byte     // INSERT / UPDATE
}

func (e *recLogEntry) encode() []byte {
	size := recLogPrefixSize
	switch e.op {
	case recLogInitPage:
		size += 8 + 4*len(e.cols)
	case recLogInsert, recLogUpdate:
		size += 4 + len(e.data)
	case recLogDelete:
		size += 4
	}
	buf := make([]byte, size)
	bx.PutI32At(buf, 0, e.poolID)
	bx.PutI32At(buf, 4, int32(e.op))
	bx.PutI32At(buf, 8, e.pageNum)
	bx.PutI32At(buf, 12, int32(e.format))
	switch e.op {
	case recLogInitPage:
		bx.PutI32At(buf, 16, e.recordSize)
		bx.PutI32At(buf, 20, int32(len(e.cols)))
		for i, l := range e.cols {
			bx.PutI32At(buf, 24+4*i, l)
		}
	case recLogInsert, recLogUpdate:
		bx.PutI32At(buf, 16, e.slotNum)
		copy(buf[20:], e.data)
	case recLogDelete:
		bx.PutI32At(buf, 16, e.slotNum)
	}
	return buf
}

func decodeRecLog(payload []byte) (*recLogEntry, error) {
	if len(payload) < recLogPrefixSize+4 {
		return nil, fmt.Errorf("%w: record payload size %d", wal.ErrLogEntryInvalid, len(payload))
	}
	e := &recLogEntry{
		poolID:  bx.I32At(payload, 0),
		op:      recLogOp(bx.I32At(payload, 4)),
		pageNum: bx.I32At(payload, 8),
		format:  StorageFormat(bx.I32At(payload, 12)),
	}
	switch e.op {
	case recLogInitPage:
		if len(payload) < 24 {
			return nil, fmt.Errorf("%w: short INIT_PAGE payload", wal.ErrLogEntryInvalid)
		}
		e.recordSize = bx.I32At(payload, 16)
		n := int(bx.I32At(payload, 20))
		if len(payload) < 24+4*n {
			return nil, fmt.Errorf("%w: short INIT_PAGE column index", wal.ErrLogEntryInvalid)
		}
		e.cols = make(ColumnLens, n)
		for i := 0; i < n; i++ {
			e.cols[i] = bx.I32At(payload, 24+4*i)
		}
	case recLogInsert, recLogUpdate:
		e.slotNum = bx.I32At(payload, 16)
		e.data = payload[20:]
	case recLogDelete:
		e.slotNum = bx.I32At(payload, 16)
	default:
		return nil, fmt.Errorf("%w: record op %d", wal.ErrLogEntryInvalid, e.op)
	}
	return e, nil
}

// RecordLogHandler appends record-manager entries for one pool and
// stamps the mutated frame with the entry's LSN.
type RecordLogHandler struct {
	wal    wal.LogHandler
	poolID int32
}

func NewRecordLogHandler(w wal.LogHandler, poolID int32) *RecordLogHandler {
	return &RecordLogHandler{wal: w, poolID: poolID}
}

func (h *RecordLogHandler) appendInitPage(frame *bufferpool.Frame, format StorageFormat, recordSize int32, cols ColumnLens) error {
	return h.append(frame, &recLogEntry{
		poolID: h.poolID, op: recLogInitPage, pageNum: frame.PageNum(),
		format: format, recordSize: recordSize, cols: cols,
	})
}

func (h *RecordLogHandler) appendInsert(frame *bufferpool.Frame, format StorageFormat, rid RID, data []byte) error {
	return h.append(frame, &recLogEntry{
		poolID: h.poolID, op: recLogInsert, pageNum: rid.PageNum,
		format: format, slotNum: rid.SlotNum, data: data,
	})
}

func (h *RecordLogHandler) appendDelete(frame *bufferpool.Frame, format StorageFormat, rid RID) error {
	return h.append(frame, &recLogEntry{
		poolID: h.poolID, op: recLogDelete, pageNum: rid.PageNum,
		format: format, slotNum: rid.SlotNum,
	})
}

func (h *RecordLogHandler) appendUpdate(frame *bufferpool.Frame, format StorageFormat, rid RID, data []byte) error {
	return h.append(frame, &recLogEntry{
		poolID: h.poolID, op: recLogUpdate, pageNum: rid.PageNum,
		format: format, slotNum: rid.SlotNum, data: data,
	})
}

func (h *RecordLogHandler) append(frame *bufferpool.Frame, e *recLogEntry) error {
	lsn, err := h.wal.Append(wal.ModuleRecordManager, e.encode())
	if err != nil {
		return fmt.Errorf("record: append %s log: %w", e.op, err)
	}
	if lsn > 0 {
		frame.SetLSN(lsn)
	}
	return nil
}

// RecordLogReplayer redoes heap-page mutations. An entry is skipped
// when the page's stored LSN already reflects it.
type RecordLogReplayer struct {
	Manager *bufferpool.BufferPoolManager
}

func (r *RecordLogReplayer) Replay(entry *wal.LogEntry) error {
	e, err := decodeRecLog(entry.Payload())
	if err != nil {
		return err
	}
	pool, err := r.Manager.GetBufferPool(e.poolID)
	if err != nil {
		return err
	}

	frame, err := pool.GetThisPage(e.pageNum)
	if err != nil {
		return err
	}
	defer pool.UnpinPage(frame)

	if frame.LSN() >= entry.LSN() {
		slog.Debug("record: redo skipped, page is newer",
			"pool", e.poolID, "pageNum", e.pageNum, "op", e.op.String(),
			"pageLSN", frame.LSN(), "lsn", entry.LSN())
		return nil
	}

	v := pageView{data: frame.Data()}
	switch e.op {
	case recLogInitPage:
		formatEmptyPage(frame, e.recordSize, e.cols, e.format)
	case recLogInsert:
		bm := v.bitmap()
		if !bm.Get(int(e.slotNum)) {
			bm.Set(int(e.slotNum))
			v.setRecordNum(v.recordNum() + 1)
		}
		writeSlotTo(v, e.format, e.slotNum, e.data)
	case recLogDelete:
		bm := v.bitmap()
		if bm.Get(int(e.slotNum)) {
			bm.Clear(int(e.slotNum))
			v.setRecordNum(v.recordNum() - 1)
		}
	case recLogUpdate:
		writeSlotTo(v, e.format, e.slotNum, e.data)
	}

	frame.SetLSN(entry.LSN())
	frame.MarkDirty()
	return nil
}

func (r *RecordLogReplayer) OnDone() error { return nil }
