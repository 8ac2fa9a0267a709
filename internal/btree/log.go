package btree

import (
	"fmt"
	"log/slog"

	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/wal"
)

// B+Tree log operation tags. One logical insert or delete batches
// several of these into a mini-transaction.
type treeOpType int32

const (
	opInitHeaderPage treeOpType = iota
	opUpdateRootPage
	opLeafInitEmpty
	opInternalInitEmpty
	opLeafSetNextPage
	opInternalCreateNewRoot
	opInternalUpdateKey
	opNodeInsertItems
	opNodeRemoveItems
	opSetParentPage
)

func (t treeOpType) String() string {
	switch t {
	case opInitHeaderPage:
		return "INIT_HEADER_PAGE"
	case opUpdateRootPage:
		return "UPDATE_ROOT_PAGE"
	case opLeafInitEmpty:
		return "LEAF_INIT_EMPTY"
	case opInternalInitEmpty:
		return "INTERNAL_INIT_EMPTY"
	case opLeafSetNextPage:
		return "LEAF_SET_NEXT_PAGE"
	case opInternalCreateNewRoot:
		return "INTERNAL_CREATE_NEW_ROOT"
	case opInternalUpdateKey:
		return "INTERNAL_UPDATE_KEY"
	case opNodeInsertItems:
		return "NODE_INSERT_ITEMS"
	case opNodeRemoveItems:
		return "NODE_REMOVE_ITEMS"
	case opSetParentPage:
		return "SET_PARENT_PAGE"
	default:
		return fmt.Sprintf("OP(%d)", int32(t))
	}
}

// treeLogOp is one logged node mutation. The operand fields are a
// union; which are meaningful depends on typ. oldBytes/oldPageVal only
// feed rollback and redo idempotence, never the forward path.
type treeLogOp struct {
	typ        treeOpType
	pageNum    storage.PageNum
	index      int32
	itemSize   int32
	items      []byte
	oldBytes   []byte
	pageVal    storage.PageNum
	oldPageVal storage.PageNum
}

// Encoding: pool_id(4) typ(4) page_num(4) index(4) item_size(4)
// page_val(4) old_page_val(4) len(items)(4) items len(old)(4) old.
func (op *treeLogOp) encode(poolID int32) []byte {
	buf := make([]byte, 36+len(op.items)+len(op.oldBytes))
	bx.PutI32At(buf, 0, poolID)
	bx.PutI32At(buf, 4, int32(op.typ))
	bx.PutI32At(buf, 8, op.pageNum)
	bx.PutI32At(buf, 12, op.index)
	bx.PutI32At(buf, 16, op.itemSize)
	bx.PutI32At(buf, 20, op.pageVal)
	bx.PutI32At(buf, 24, op.oldPageVal)
	bx.PutI32At(buf, 28, int32(len(op.items)))
	copy(buf[32:], op.items)
	off := 32 + len(op.items)
	bx.PutI32At(buf, off, int32(len(op.oldBytes)))
	copy(buf[off+4:], op.oldBytes)
	return buf
}

func decodeTreeLog(payload []byte) (poolID int32, op *treeLogOp, err error) {
	if len(payload) < 36 {
		return 0, nil, fmt.Errorf("%w: btree payload size %d", wal.ErrLogEntryInvalid, len(payload))
	}
	op = &treeLogOp{
		typ:        treeOpType(bx.I32At(payload, 4)),
		pageNum:    bx.I32At(payload, 8),
		index:      bx.I32At(payload, 12),
		itemSize:   bx.I32At(payload, 16),
		pageVal:    bx.I32At(payload, 20),
		oldPageVal: bx.I32At(payload, 24),
	}
	itemsLen := int(bx.I32At(payload, 28))
	if len(payload) < 36+itemsLen {
		return 0, nil, fmt.Errorf("%w: short btree payload", wal.ErrLogEntryInvalid)
	}
	op.items = payload[32 : 32+itemsLen]
	off := 32 + itemsLen
	oldLen := int(bx.I32At(payload, off))
	if len(payload) < off+4+oldLen {
		return 0, nil, fmt.Errorf("%w: short btree payload", wal.ErrLogEntryInvalid)
	}
	op.oldBytes = payload[off+4 : off+4+oldLen]
	return bx.I32At(payload, 0), op, nil
}

// apply redoes op against the page data area.
func (op *treeLogOp) apply(data []byte) error {
	switch op.typ {
	case opInitHeaderPage:
		copy(data[:indexFileHeaderSize], op.items)
	case opUpdateRootPage:
		bx.PutI32At(data, ifhRootPageOff, op.pageVal)
	case opLeafInitEmpty:
		initLeafRaw(data)
	case opInternalInitEmpty:
		initInternalRaw(data)
	case opLeafSetNextPage:
		bx.PutI32At(data, nhNextOff, op.pageVal)
	case opInternalCreateNewRoot:
		initInternalRaw(data)
		nodeInsertItemsRaw(data, op.itemSize, 0, op.items)
	case opInternalUpdateKey:
		off := nodeHeaderSize + op.index*op.itemSize
		copy(data[off:off+int32(len(op.items))], op.items)
	case opNodeInsertItems:
		nodeInsertItemsRaw(data, op.itemSize, op.index, op.items)
	case opNodeRemoveItems:
		nodeRemoveItemsRaw(data, op.itemSize, op.index, int32(len(op.items))/op.itemSize)
	case opSetParentPage:
		bx.PutI32At(data, nhParentOff, op.pageVal)
	default:
		return fmt.Errorf("%w: btree op %d", wal.ErrLogEntryInvalid, op.typ)
	}
	return nil
}

// revert undoes op against the page data area. Init-style entries have
// nothing to restore: their pages are brand new inside the failed
// mini-transaction.
func (op *treeLogOp) revert(data []byte) {
	switch op.typ {
	case opUpdateRootPage:
		bx.PutI32At(data, ifhRootPageOff, op.oldPageVal)
	case opLeafSetNextPage:
		bx.PutI32At(data, nhNextOff, op.oldPageVal)
	case opInternalUpdateKey:
		off := nodeHeaderSize + op.index*op.itemSize
		copy(data[off:off+int32(len(op.oldBytes))], op.oldBytes)
	case opNodeInsertItems:
		nodeRemoveItemsRaw(data, op.itemSize, op.index, int32(len(op.items))/op.itemSize)
	case opNodeRemoveItems:
		nodeInsertItemsRaw(data, op.itemSize, op.index, op.items)
	case opSetParentPage:
		bx.PutI32At(data, nhParentOff, op.oldPageVal)
	}
}

// MiniTransaction batches the node mutations of one logical B+Tree
// operation. Commit appends the recorded entries to the WAL in
// mutation order; rollback applies the inverses, newest first, without
// logging. Either way the latch memo is released last.
type MiniTransaction struct {
	handler *BplusTreeHandler
	Memo    *LatchMemo
	ops     []pendingOp
}

type pendingOp struct {
	op    *treeLogOp
	frame *bufferpool.Frame
}

func (h *BplusTreeHandler) newMiniTransaction() *MiniTransaction {
	return &MiniTransaction{handler: h, Memo: NewLatchMemo(h.pool)}
}

// End commits when err is nil and rolls back otherwise, then releases
// every latch and pin. It returns the first commit error, or err.
func (m *MiniTransaction) End(err error) error {
	if err == nil {
		err = m.commit()
	} else {
		m.rollback()
		m.Memo.AbandonDisposals()
	}
	m.Memo.Release()
	return err
}

func (m *MiniTransaction) commit() error {
	for _, p := range m.ops {
		lsn, err := m.handler.wal.Append(wal.ModuleBplusTree, p.op.encode(m.handler.pool.ID()))
		if err != nil {
			return fmt.Errorf("btree: append %s log: %w", p.op.typ, err)
		}
		if lsn > 0 {
			p.frame.SetLSN(lsn)
		}
	}
	m.ops = nil
	return nil
}

func (m *MiniTransaction) rollback() {
	for i := len(m.ops) - 1; i >= 0; i-- {
		p := m.ops[i]
		p.op.revert(p.frame.Data())
	}
	m.ops = nil
}

func (m *MiniTransaction) record(frame *bufferpool.Frame, op *treeLogOp) {
	op.pageNum = frame.PageNum()
	m.ops = append(m.ops, pendingOp{op: op, frame: frame})
	frame.MarkDirty()
}

// ---- logged mutations ----

func (m *MiniTransaction) initHeaderPage(frame *bufferpool.Frame, cfgBytes []byte) {
	copy(frame.Data()[:indexFileHeaderSize], cfgBytes)
	m.record(frame, &treeLogOp{typ: opInitHeaderPage, items: cfgBytes})
}

func (m *MiniTransaction) updateRootPage(frame *bufferpool.Frame, root, oldRoot storage.PageNum) {
	bx.PutI32At(frame.Data(), ifhRootPageOff, root)
	m.record(frame, &treeLogOp{typ: opUpdateRootPage, pageVal: root, oldPageVal: oldRoot})
}

func (m *MiniTransaction) leafInitEmpty(frame *bufferpool.Frame) {
	initLeafRaw(frame.Data())
	m.record(frame, &treeLogOp{typ: opLeafInitEmpty})
}

func (m *MiniTransaction) internalInitEmpty(frame *bufferpool.Frame) {
	initInternalRaw(frame.Data())
	m.record(frame, &treeLogOp{typ: opInternalInitEmpty})
}

func (m *MiniTransaction) leafSetNext(frame *bufferpool.Frame, next storage.PageNum) {
	old := bx.I32At(frame.Data(), nhNextOff)
	bx.PutI32At(frame.Data(), nhNextOff, next)
	m.record(frame, &treeLogOp{typ: opLeafSetNextPage, pageVal: next, oldPageVal: old})
}

func (m *MiniTransaction) internalCreateNewRoot(frame *bufferpool.Frame, itemSize int32, items []byte) {
	initInternalRaw(frame.Data())
	nodeInsertItemsRaw(frame.Data(), itemSize, 0, items)
	m.record(frame, &treeLogOp{typ: opInternalCreateNewRoot, itemSize: itemSize, items: items})
}

func (m *MiniTransaction) internalUpdateKey(frame *bufferpool.Frame, itemSize, index int32, newKey []byte) {
	off := nodeHeaderSize + index*itemSize
	old := make([]byte, len(newKey))
	copy(old, frame.Data()[off:off+int32(len(newKey))])
	copy(frame.Data()[off:off+int32(len(newKey))], newKey)
	m.record(frame, &treeLogOp{
		typ: opInternalUpdateKey, index: index, itemSize: itemSize,
		items: newKey, oldBytes: old,
	})
}

func (m *MiniTransaction) nodeInsertItems(frame *bufferpool.Frame, itemSize, index int32, items []byte) {
	nodeInsertItemsRaw(frame.Data(), itemSize, index, items)
	m.record(frame, &treeLogOp{typ: opNodeInsertItems, index: index, itemSize: itemSize, items: items})
}

func (m *MiniTransaction) nodeRemoveItems(frame *bufferpool.Frame, itemSize, index, count int32) []byte {
	removed := nodeRemoveItemsRaw(frame.Data(), itemSize, index, count)
	m.record(frame, &treeLogOp{typ: opNodeRemoveItems, index: index, itemSize: itemSize, items: removed})
	return removed
}

func (m *MiniTransaction) setParent(frame *bufferpool.Frame, parent storage.PageNum) {
	old := bx.I32At(frame.Data(), nhParentOff)
	bx.PutI32At(frame.Data(), nhParentOff, parent)
	m.record(frame, &treeLogOp{typ: opSetParentPage, pageVal: parent, oldPageVal: old})
}

// BplusTreeLogReplayer redoes B+Tree mini-transaction entries in log
// order, skipping any whose target page already reflects them.
type BplusTreeLogReplayer struct {
	Manager *bufferpool.BufferPoolManager
}

func (r *BplusTreeLogReplayer) Replay(entry *wal.LogEntry) error {
	poolID, op, err := decodeTreeLog(entry.Payload())
	if err != nil {
		return err
	}
	pool, err := r.Manager.GetBufferPool(poolID)
	if err != nil {
		return err
	}

	frame, err := pool.GetThisPage(op.pageNum)
	if err != nil {
		return err
	}
	defer pool.UnpinPage(frame)

	if frame.LSN() >= entry.LSN() {
		slog.Debug("btree: redo skipped, page is newer",
			"pool", poolID, "pageNum", op.pageNum, "op", op.typ.String(),
			"pageLSN", frame.LSN(), "lsn", entry.LSN())
		return nil
	}
	if err := op.apply(frame.Data()); err != nil {
		return err
	}
	frame.SetLSN(entry.LSN())
	frame.MarkDirty()
	return nil
}

func (r *BplusTreeLogReplayer) OnDone() error { return nil }
