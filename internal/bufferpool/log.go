package bufferpool

import (
	"fmt"
	"log/slog"

	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/wal"
)

// Buffer-pool log operations.
type bpLogOp int32

const (
	bpLogAllocate bpLogOp = iota
	bpLogDeallocate
)

func (op bpLogOp) String() string {
	switch op {
	case bpLogAllocate:
		return "ALLOCATE"
	case bpLogDeallocate:
		return "DEALLOCATE"
	default:
		return fmt.Sprintf("OP(%d)", int32(op))
	}
}

// bpLogPayload is the buffer-pool log entry payload:
// buffer_pool_id (4) + page_num (4) + operation (4).
const bpLogPayloadSize = 12

func encodeBpLog(poolID int32, pageNum storage.PageNum, op bpLogOp) []byte {
	buf := make([]byte, bpLogPayloadSize)
	bx.PutI32At(buf, 0, poolID)
	bx.PutI32At(buf, 4, pageNum)
	bx.PutI32At(buf, 8, int32(op))
	return buf
}

func decodeBpLog(payload []byte) (poolID int32, pageNum storage.PageNum, op bpLogOp, err error) {
	if len(payload) != bpLogPayloadSize {
		return 0, 0, 0, fmt.Errorf("%w: buffer pool payload size %d", wal.ErrLogEntryInvalid, len(payload))
	}
	return bx.I32At(payload, 0), bx.I32At(payload, 4), bpLogOp(bx.I32At(payload, 8)), nil
}

// BufferPoolLogHandler appends allocate/deallocate entries for one pool
// and stamps the header frame with the entry's LSN.
type BufferPoolLogHandler struct {
	pool *DiskBufferPool
}

func (h *BufferPoolLogHandler) appendAllocate(pageNum storage.PageNum) error {
	return h.append(pageNum, bpLogAllocate)
}

func (h *BufferPoolLogHandler) appendDeallocate(pageNum storage.PageNum) error {
	return h.append(pageNum, bpLogDeallocate)
}

func (h *BufferPoolLogHandler) append(pageNum storage.PageNum, op bpLogOp) error {
	lsn, err := h.pool.logHandler.Append(wal.ModuleBufferPool, encodeBpLog(h.pool.id, pageNum, op))
	if err != nil {
		return fmt.Errorf("bufferpool: append %s log: %w", op, err)
	}
	if lsn > 0 {
		h.pool.hdrFrame.SetLSN(lsn)
	}
	return nil
}

// BufferPoolLogReplayer redoes allocation-bitmap changes on the header
// pages of every pool.
type BufferPoolLogReplayer struct {
	Manager *BufferPoolManager
}

func (r *BufferPoolLogReplayer) Replay(entry *wal.LogEntry) error {
	poolID, pageNum, op, err := decodeBpLog(entry.Payload())
	if err != nil {
		return err
	}
	pool := r.Manager.getPool(poolID)
	if pool == nil {
		return fmt.Errorf("bufferpool: replay for unknown pool %d", poolID)
	}
	return pool.redoHeader(pageNum, op, entry.LSN())
}

func (r *BufferPoolLogReplayer) OnDone() error { return nil }

// redoHeader re-applies one allocate/deallocate to the header page,
// skipping entries the on-disk image already reflects.
func (p *DiskBufferPool) redoHeader(pageNum storage.PageNum, op bpLogOp, lsn int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hdr := p.hdrFrame
	if hdr.LSN() >= lsn {
		slog.Debug("bufferpool: redo skipped, header is newer",
			"pool", p.id, "pageNum", pageNum, "op", op.String(), "hdrLSN", hdr.LSN(), "lsn", lsn)
		return nil
	}

	bm := p.headerBitmap(hdr)
	data := hdr.Data()
	switch op {
	case bpLogAllocate:
		if pageNum >= p.pageCountOf(hdr) {
			bx.PutI32At(data, hdrPageCountOff, pageNum+1)
		}
		if !bm.Get(int(pageNum)) {
			bm.Set(int(pageNum))
			bx.PutI32At(data, hdrAllocatedOff, bx.I32At(data, hdrAllocatedOff)+1)
		}
	case bpLogDeallocate:
		if bm.Get(int(pageNum)) {
			bm.Clear(int(pageNum))
			bx.PutI32At(data, hdrAllocatedOff, bx.I32At(data, hdrAllocatedOff)-1)
		}
	default:
		return fmt.Errorf("%w: buffer pool op %d", wal.ErrLogEntryInvalid, op)
	}
	hdr.SetLSN(lsn)
	hdr.MarkDirty()
	return nil
}
