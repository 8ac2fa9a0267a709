package btree

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/wal"
)

// opMode is the descent kind; it decides latch modes and node safety.
type opMode int

const (
	opRead opMode = iota
	opInsert
	opDelete
)

func (op opMode) latchMode() LatchMode {
	if op == opRead {
		return LatchShared
	}
	return LatchExclusive
}

// BplusTreeHandler is one index file. Page 1 holds the header; the
// root page number is cached here and protected by rootLock, which
// every operation acquires (shared for reads, exclusive for mutations)
// before descending.
type BplusTreeHandler struct {
	pool *bufferpool.DiskBufferPool
	wal  wal.LogHandler
	cfg  *treeConfig

	rootLock sync.RWMutex
	rootPage storage.PageNum
}

// CreateBplusTree formats a fresh index file. Zero or negative maxima
// are derived from the page size; tests pin small values to force
// splits. The header page write is flushed synchronously before
// returning, in addition to its log entry, so an index file is never
// observed without a header.
func CreateBplusTree(
	pool *bufferpool.DiskBufferPool,
	walHandler wal.LogHandler,
	attrType record.AttrType,
	attrLen int32,
	internalMax, leafMax int32,
) (*BplusTreeHandler, error) {
	if attrLen <= 0 {
		return nil, fmt.Errorf("%w: attr length %d", ErrInvalidArgument, attrLen)
	}
	keyLen := attrLen + record.RIDSize
	calcInternal, calcLeaf := calcMaxSizes(keyLen)
	if internalMax <= 0 {
		internalMax = calcInternal
	}
	if leafMax <= 0 {
		leafMax = calcLeaf
	}
	if internalMax < 3 || leafMax < 2 {
		return nil, fmt.Errorf("%w: fan-out too small (internal=%d, leaf=%d)",
			ErrInvalidArgument, internalMax, leafMax)
	}

	h := &BplusTreeHandler{
		pool: pool,
		wal:  walHandler,
		cfg: &treeConfig{
			attrType:    attrType,
			attrLen:     attrLen,
			keyLen:      keyLen,
			internalMax: internalMax,
			leafMax:     leafMax,
		},
		rootPage: storage.InvalidPageNum,
	}

	mtr := h.newMiniTransaction()
	err := func() error {
		frame, err := mtr.Memo.AllocatePage()
		if err != nil {
			return err
		}
		if frame.PageNum() != HeaderPageNum {
			return fmt.Errorf("%w: index file is not fresh, first page is %d",
				ErrInvalidArgument, frame.PageNum())
		}
		mtr.Memo.XLatch(frame)
		cfgBytes := make([]byte, indexFileHeaderSize)
		encodeTreeConfig(cfgBytes, storage.InvalidPageNum, h.cfg)
		mtr.initHeaderPage(frame, cfgBytes)
		return nil
	}()
	if err = mtr.End(err); err != nil {
		return nil, err
	}

	// Synchronous metadata flush of the very first header write.
	hdr, err := pool.GetThisPage(HeaderPageNum)
	if err != nil {
		return nil, err
	}
	err = pool.FlushPage(hdr)
	pool.UnpinPage(hdr)
	if err != nil {
		return nil, err
	}

	slog.Debug("btree: created",
		"pool", pool.ID(), "attrType", attrType.String(), "attrLen", attrLen,
		"internalMax", internalMax, "leafMax", leafMax)
	return h, nil
}

// OpenBplusTree reads the header page of an existing index file.
func OpenBplusTree(pool *bufferpool.DiskBufferPool, walHandler wal.LogHandler) (*BplusTreeHandler, error) {
	frame, err := pool.GetThisPage(HeaderPageNum)
	if err != nil {
		return nil, err
	}
	root, cfg := decodeTreeConfig(frame.Data())
	pool.UnpinPage(frame)

	if cfg.attrLen <= 0 || cfg.keyLen != cfg.attrLen+record.RIDSize {
		return nil, fmt.Errorf("%w: corrupt index header", ErrInvalidArgument)
	}
	return &BplusTreeHandler{pool: pool, wal: walHandler, cfg: cfg, rootPage: root}, nil
}

func (h *BplusTreeHandler) Pool() *bufferpool.DiskBufferPool { return h.pool }

// IsEmpty reports whether the tree has no root.
func (h *BplusTreeHandler) IsEmpty() bool {
	h.rootLock.RLock()
	defer h.rootLock.RUnlock()
	return h.rootPage == storage.InvalidPageNum
}

// Sync flushes the index file's dirty pages.
func (h *BplusTreeHandler) Sync() error {
	return h.pool.FlushAllPages()
}

// isSafe reports whether the in-flight operation cannot propagate past
// this node, which lets the descent drop all ancestor latches.
func (h *BplusTreeHandler) isSafe(op opMode, n node, isRoot bool) bool {
	switch op {
	case opRead:
		return true
	case opInsert:
		if n.isLeaf() {
			return n.size() < h.cfg.leafMax
		}
		return n.size() < h.cfg.internalMax
	case opDelete:
		if isRoot {
			if n.isLeaf() {
				return n.size() > 1
			}
			return n.size() > 2
		}
		if n.isLeaf() {
			return n.size() > h.cfg.leafMinSize()
		}
		return n.size() > h.cfg.internalMinSize()
	}
	return false
}

// crabbingFetch latches one node on the way down. When the node turns
// out safe, every latch acquired before it — ancestors and the root
// lock — is released.
func (h *BplusTreeHandler) crabbingFetch(
	mtr *MiniTransaction, op opMode, pageNum storage.PageNum, isRoot bool,
) (*bufferpool.Frame, error) {
	point := mtr.Memo.Point()
	frame, err := mtr.Memo.GetPage(pageNum)
	if err != nil {
		return nil, err
	}
	mtr.Memo.Latch(frame, op.latchMode())

	if h.isSafe(op, node{frame: frame, cfg: h.cfg}, isRoot) {
		mtr.Memo.ReleaseTo(point)
	}
	return frame, nil
}

// findLeaf descends to the leaf covering key. The caller has already
// put the root lock into the memo and checked the tree is not empty.
func (h *BplusTreeHandler) findLeaf(mtr *MiniTransaction, op opMode, key []byte) (*bufferpool.Frame, error) {
	frame, err := h.crabbingFetch(mtr, op, h.rootPage, true)
	if err != nil {
		return nil, err
	}
	for !(node{frame: frame, cfg: h.cfg}).isLeaf() {
		in := asInternal(frame, h.cfg)
		child := in.childAt(in.lookup(key))
		frame, err = h.crabbingFetch(mtr, op, child, false)
		if err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// InsertEntry inserts (userKey, rid). The key stored in the tree
// carries the RID, so duplicate user keys coexist and a true duplicate
// is the same (key, rid) pair.
func (h *BplusTreeHandler) InsertEntry(userKey []byte, rid record.RID) (err error) {
	var key []byte
	key, err = h.cfg.makeKey(userKey, rid)
	if err != nil {
		return err
	}

	mtr := h.newMiniTransaction()
	defer func() { err = mtr.End(err) }()

	mtr.Memo.XLatchLock(&h.rootLock)
	if h.rootPage == storage.InvalidPageNum {
		return h.createFirstLeaf(mtr, key, rid)
	}

	frame, ferr := h.findLeaf(mtr, opInsert, key)
	if ferr != nil {
		return ferr
	}
	return h.insertIntoLeaf(mtr, frame, key, rid)
}

func (h *BplusTreeHandler) createFirstLeaf(mtr *MiniTransaction, key []byte, rid record.RID) error {
	frame, err := mtr.Memo.AllocatePage()
	if err != nil {
		return err
	}
	mtr.Memo.XLatch(frame)
	mtr.leafInitEmpty(frame)

	leaf := asLeaf(frame, h.cfg)
	mtr.nodeInsertItems(frame, h.cfg.leafItemSize(), 0, leaf.makeItem(key, rid))

	return h.setRootPage(mtr, frame.PageNum())
}

// setRootPage rewrites the header's root pointer under the header
// page's write latch and refreshes the cache. The exclusive root lock
// is held: the root only changes when the descent kept it.
func (h *BplusTreeHandler) setRootPage(mtr *MiniTransaction, root storage.PageNum) error {
	hdr, err := mtr.Memo.GetPage(HeaderPageNum)
	if err != nil {
		return err
	}
	mtr.Memo.XLatch(hdr)
	mtr.updateRootPage(hdr, root, h.rootPage)
	h.rootPage = root
	return nil
}

func (h *BplusTreeHandler) insertIntoLeaf(mtr *MiniTransaction, frame *bufferpool.Frame, key []byte, rid record.RID) error {
	leaf := asLeaf(frame, h.cfg)
	idx, found := leaf.lookup(key)
	if found {
		return fmt.Errorf("%w: key=%v rid=%s", ErrDuplicateKey, key[:h.cfg.attrLen], rid)
	}

	item := leaf.makeItem(key, rid)
	if leaf.size() < h.cfg.leafMax {
		mtr.nodeInsertItems(frame, h.cfg.leafItemSize(), idx, item)
		return nil
	}

	rightFrame, err := h.splitLeaf(mtr, frame)
	if err != nil {
		return err
	}
	right := asLeaf(rightFrame, h.cfg)

	target := frame
	if h.cfg.compare(key, right.keyAt(0)) >= 0 {
		target = rightFrame
	}
	tl := asLeaf(target, h.cfg)
	tIdx, _ := tl.lookup(key)
	mtr.nodeInsertItems(target, h.cfg.leafItemSize(), tIdx, item)

	sep := make([]byte, h.cfg.keyLen)
	copy(sep, right.keyAt(0))
	return h.insertIntoParent(mtr, frame, rightFrame, sep)
}

// splitLeaf moves the upper half of a full leaf into a fresh right
// sibling and links it into the leaf chain.
func (h *BplusTreeHandler) splitLeaf(mtr *MiniTransaction, frame *bufferpool.Frame) (*bufferpool.Frame, error) {
	leaf := asLeaf(frame, h.cfg)
	size := leaf.size()
	mid := size / 2
	itemSize := h.cfg.leafItemSize()

	rightFrame, err := mtr.Memo.AllocatePage()
	if err != nil {
		return nil, err
	}
	mtr.Memo.XLatch(rightFrame)
	mtr.leafInitEmpty(rightFrame)

	moved := make([]byte, (size-mid)*itemSize)
	copy(moved, leaf.data()[nodeHeaderSize+mid*itemSize:nodeHeaderSize+size*itemSize])
	mtr.nodeInsertItems(rightFrame, itemSize, 0, moved)
	mtr.nodeRemoveItems(frame, itemSize, mid, size-mid)

	mtr.leafSetNext(rightFrame, leaf.next())
	mtr.leafSetNext(frame, rightFrame.PageNum())
	mtr.setParent(rightFrame, leaf.parent())
	return rightFrame, nil
}

// insertIntoParent propagates a split: the separator key and the new
// right node go into the parent, splitting it in turn when full. A
// split root grows the tree by one level.
func (h *BplusTreeHandler) insertIntoParent(
	mtr *MiniTransaction, leftFrame, rightFrame *bufferpool.Frame, sep []byte,
) error {
	left := node{frame: leftFrame, cfg: h.cfg}
	if left.isRoot() {
		rootFrame, err := mtr.Memo.AllocatePage()
		if err != nil {
			return err
		}
		mtr.Memo.XLatch(rootFrame)

		in := asInternal(rootFrame, h.cfg)
		items := make([]byte, 0, 2*h.cfg.internalItemSize())
		items = append(items, in.makeItem(make([]byte, h.cfg.keyLen), leftFrame.PageNum())...)
		items = append(items, in.makeItem(sep, rightFrame.PageNum())...)
		mtr.internalCreateNewRoot(rootFrame, h.cfg.internalItemSize(), items)

		mtr.setParent(leftFrame, rootFrame.PageNum())
		mtr.setParent(rightFrame, rootFrame.PageNum())
		return h.setRootPage(mtr, rootFrame.PageNum())
	}

	// The parent is still latched by this memo: the child was unsafe,
	// so the descent kept every unsafe ancestor. Pin it again to get
	// the frame back.
	parentFrame, err := mtr.Memo.GetPage(left.parent())
	if err != nil {
		return err
	}
	parent := asInternal(parentFrame, h.cfg)
	item := parent.makeItem(sep, rightFrame.PageNum())

	if parent.size() < h.cfg.internalMax {
		idx := parent.childIndexOf(leftFrame.PageNum())
		if idx < 0 {
			return fmt.Errorf("btree: internal: parent %d does not list child %d",
				parentFrame.PageNum(), leftFrame.PageNum())
		}
		mtr.nodeInsertItems(parentFrame, h.cfg.internalItemSize(), idx+1, item)
		return nil
	}

	rightParentFrame, err := h.splitInternal(mtr, parentFrame)
	if err != nil {
		return err
	}
	rp := asInternal(rightParentFrame, h.cfg)

	target := parentFrame
	if parent.childIndexOf(leftFrame.PageNum()) < 0 {
		target = rightParentFrame
	}
	t := asInternal(target, h.cfg)
	idx := t.childIndexOf(leftFrame.PageNum())
	if idx < 0 {
		return fmt.Errorf("btree: internal: lost child %d after split", leftFrame.PageNum())
	}
	mtr.nodeInsertItems(target, h.cfg.internalItemSize(), idx+1, item)
	if target != parentFrame {
		mtr.setParent(rightFrame, target.PageNum())
	}

	sep2 := make([]byte, h.cfg.keyLen)
	copy(sep2, rp.keyAt(0))
	return h.insertIntoParent(mtr, parentFrame, rightParentFrame, sep2)
}

// splitInternal moves the upper half of a full internal node into a
// fresh right sibling and re-parents the moved children.
func (h *BplusTreeHandler) splitInternal(mtr *MiniTransaction, frame *bufferpool.Frame) (*bufferpool.Frame, error) {
	n := asInternal(frame, h.cfg)
	size := n.size()
	mid := size / 2
	itemSize := h.cfg.internalItemSize()

	rightFrame, err := mtr.Memo.AllocatePage()
	if err != nil {
		return nil, err
	}
	mtr.Memo.XLatch(rightFrame)
	mtr.internalInitEmpty(rightFrame)

	moved := make([]byte, (size-mid)*itemSize)
	copy(moved, n.data()[nodeHeaderSize+mid*itemSize:nodeHeaderSize+size*itemSize])
	mtr.nodeInsertItems(rightFrame, itemSize, 0, moved)
	mtr.nodeRemoveItems(frame, itemSize, mid, size-mid)
	mtr.setParent(rightFrame, n.parent())

	r := asInternal(rightFrame, h.cfg)
	for i := int32(0); i < r.size(); i++ {
		if err := h.reparentChild(mtr, r.childAt(i), rightFrame.PageNum()); err != nil {
			return nil, err
		}
	}
	return rightFrame, nil
}

func (h *BplusTreeHandler) reparentChild(mtr *MiniTransaction, child, parent storage.PageNum) error {
	cf, err := mtr.Memo.GetPage(child)
	if err != nil {
		return err
	}
	mtr.Memo.XLatch(cf)
	mtr.setParent(cf, parent)
	return nil
}

// DeleteEntry removes (userKey, rid), rebalancing with a sibling when
// the leaf underflows.
func (h *BplusTreeHandler) DeleteEntry(userKey []byte, rid record.RID) (err error) {
	var key []byte
	key, err = h.cfg.makeKey(userKey, rid)
	if err != nil {
		return err
	}

	mtr := h.newMiniTransaction()
	defer func() { err = mtr.End(err) }()

	mtr.Memo.XLatchLock(&h.rootLock)
	if h.rootPage == storage.InvalidPageNum {
		return fmt.Errorf("%w: tree is empty", ErrKeyNotExist)
	}

	frame, ferr := h.findLeaf(mtr, opDelete, key)
	if ferr != nil {
		return ferr
	}
	leaf := asLeaf(frame, h.cfg)
	idx, found := leaf.lookup(key)
	if !found {
		return fmt.Errorf("%w: key=%v rid=%s", ErrKeyNotExist, key[:h.cfg.attrLen], rid)
	}
	mtr.nodeRemoveItems(frame, h.cfg.leafItemSize(), idx, 1)
	return h.coalesceOrRedistribute(mtr, frame)
}

func (h *BplusTreeHandler) nodeBounds(n node) (minS, maxS int32) {
	if n.isLeaf() {
		return h.cfg.leafMinSize(), h.cfg.leafMax
	}
	return h.cfg.internalMinSize(), h.cfg.internalMax
}

// coalesceOrRedistribute restores the fan-out invariant on an
// underflowing node: merge with a sibling when both fit on one page,
// shift one entry over otherwise. Merging can underflow the parent and
// recurse up to the root.
func (h *BplusTreeHandler) coalesceOrRedistribute(mtr *MiniTransaction, frame *bufferpool.Frame) error {
	n := node{frame: frame, cfg: h.cfg}
	if n.isRoot() {
		return h.adjustRoot(mtr, frame)
	}
	minS, maxS := h.nodeBounds(n)
	if n.size() >= minS {
		return nil
	}

	parentFrame, err := mtr.Memo.GetPage(n.parent())
	if err != nil {
		return err
	}
	parent := asInternal(parentFrame, h.cfg)
	idx := parent.childIndexOf(frame.PageNum())
	if idx < 0 {
		return fmt.Errorf("btree: internal: parent %d does not list child %d",
			parentFrame.PageNum(), frame.PageNum())
	}

	neighborIdx := idx - 1
	if idx == 0 {
		neighborIdx = 1
	}
	neighborFrame, err := mtr.Memo.GetPage(parent.childAt(neighborIdx))
	if err != nil {
		return err
	}
	mtr.Memo.XLatch(neighborFrame)
	neighbor := node{frame: neighborFrame, cfg: h.cfg}

	if n.size()+neighbor.size() <= maxS {
		// Coalesce: absorb the right node into the left one.
		leftFrame, rightFrame, rightIdx := neighborFrame, frame, idx
		if idx == 0 {
			leftFrame, rightFrame, rightIdx = frame, neighborFrame, neighborIdx
		}
		return h.coalesce(mtr, leftFrame, rightFrame, parentFrame, rightIdx)
	}

	return h.redistribute(mtr, frame, neighborFrame, parentFrame, idx, neighborIdx)
}

func (h *BplusTreeHandler) coalesce(
	mtr *MiniTransaction, leftFrame, rightFrame, parentFrame *bufferpool.Frame, rightIdx int32,
) error {
	left := node{frame: leftFrame, cfg: h.cfg}
	right := node{frame: rightFrame, cfg: h.cfg}
	isLeaf := left.isLeaf()
	itemSize := h.cfg.internalItemSize()
	if isLeaf {
		itemSize = h.cfg.leafItemSize()
	}

	leftSize := left.size()
	rightSize := right.size()
	moved := make([]byte, rightSize*itemSize)
	copy(moved, right.data()[nodeHeaderSize:nodeHeaderSize+rightSize*itemSize])
	mtr.nodeInsertItems(leftFrame, itemSize, leftSize, moved)
	mtr.nodeRemoveItems(rightFrame, itemSize, 0, rightSize)

	if isLeaf {
		mtr.leafSetNext(leftFrame, asLeaf(rightFrame, h.cfg).next())
	} else {
		l := asInternal(leftFrame, h.cfg)
		for i := leftSize; i < l.size(); i++ {
			if err := h.reparentChild(mtr, l.childAt(i), leftFrame.PageNum()); err != nil {
				return err
			}
		}
	}

	mtr.nodeRemoveItems(parentFrame, h.cfg.internalItemSize(), rightIdx, 1)
	mtr.Memo.DisposePage(rightFrame.PageNum())

	return h.coalesceOrRedistribute(mtr, parentFrame)
}

func (h *BplusTreeHandler) redistribute(
	mtr *MiniTransaction, frame, neighborFrame, parentFrame *bufferpool.Frame, idx, neighborIdx int32,
) error {
	n := node{frame: frame, cfg: h.cfg}
	isLeaf := n.isLeaf()
	itemSize := h.cfg.internalItemSize()
	if isLeaf {
		itemSize = h.cfg.leafItemSize()
	}
	neighbor := node{frame: neighborFrame, cfg: h.cfg}

	if neighborIdx < idx {
		// Left sibling lends its last entry to our front.
		moved := mtr.nodeRemoveItems(neighborFrame, itemSize, neighbor.size()-1, 1)
		mtr.nodeInsertItems(frame, itemSize, 0, moved)
		if !isLeaf {
			if err := h.reparentChild(mtr, asInternal(frame, h.cfg).childAt(0), frame.PageNum()); err != nil {
				return err
			}
		}
		sep := make([]byte, h.cfg.keyLen)
		copy(sep, moved[:h.cfg.keyLen])
		mtr.internalUpdateKey(parentFrame, h.cfg.internalItemSize(), idx, sep)
		return nil
	}

	// Right sibling lends its first entry to our end.
	moved := mtr.nodeRemoveItems(neighborFrame, itemSize, 0, 1)
	mtr.nodeInsertItems(frame, itemSize, n.size(), moved)
	if !isLeaf {
		in := asInternal(frame, h.cfg)
		if err := h.reparentChild(mtr, in.childAt(in.size()-1), frame.PageNum()); err != nil {
			return err
		}
	}
	sep := make([]byte, h.cfg.keyLen)
	if isLeaf {
		copy(sep, asLeaf(neighborFrame, h.cfg).keyAt(0))
	} else {
		copy(sep, asInternal(neighborFrame, h.cfg).keyAt(0))
	}
	mtr.internalUpdateKey(parentFrame, h.cfg.internalItemSize(), neighborIdx, sep)
	return nil
}

// adjustRoot shrinks the tree: an empty leaf root empties the tree; an
// internal root left with one child hands the root role to it.
func (h *BplusTreeHandler) adjustRoot(mtr *MiniTransaction, rootFrame *bufferpool.Frame) error {
	root := node{frame: rootFrame, cfg: h.cfg}
	if root.isLeaf() {
		if root.size() > 0 {
			return nil
		}
		if err := h.setRootPage(mtr, storage.InvalidPageNum); err != nil {
			return err
		}
		mtr.Memo.DisposePage(rootFrame.PageNum())
		return nil
	}

	if root.size() > 1 {
		return nil
	}
	childPage := asInternal(rootFrame, h.cfg).childAt(0)
	childFrame, err := mtr.Memo.GetPage(childPage)
	if err != nil {
		return err
	}
	mtr.Memo.XLatch(childFrame)
	mtr.setParent(childFrame, storage.InvalidPageNum)

	if err := h.setRootPage(mtr, childPage); err != nil {
		return err
	}
	mtr.Memo.DisposePage(rootFrame.PageNum())
	return nil
}

// GetEntry collects the RIDs of every entry whose attribute equals
// userKey.
func (h *BplusTreeHandler) GetEntry(userKey []byte) ([]record.RID, error) {
	scanner := NewBplusTreeScanner(h)
	if err := scanner.Open(userKey, true, userKey, true); err != nil {
		return nil, err
	}
	defer scanner.Close()

	var rids []record.RID
	for {
		rid, err := scanner.Next()
		if err != nil {
			if err == record.ErrRecordEOF {
				return rids, nil
			}
			return nil, err
		}
		rids = append(rids, rid)
	}
}

// ---- validation (test support) ----

// Validate walks the whole tree checking the structural invariants:
// strictly ascending keys, fan-out bounds on non-root nodes, parent
// pointers, uniform leaf depth and an ascending leaf chain. Not
// latched; call it quiesced.
func (h *BplusTreeHandler) Validate() error {
	h.rootLock.RLock()
	root := h.rootPage
	h.rootLock.RUnlock()
	if root == storage.InvalidPageNum {
		return nil
	}

	var leaves []storage.PageNum
	var leafDepth = -1
	var walk func(pageNum, parent storage.PageNum, depth int) error
	walk = func(pageNum, parent storage.PageNum, depth int) error {
		frame, err := h.pool.GetThisPage(pageNum)
		if err != nil {
			return err
		}
		defer h.pool.UnpinPage(frame)

		n := node{frame: frame, cfg: h.cfg}
		if n.parent() != parent {
			return fmt.Errorf("btree: node %d parent is %d, want %d", pageNum, n.parent(), parent)
		}
		minS, maxS := h.nodeBounds(n)
		if pageNum != root {
			if n.size() < minS || n.size() > maxS {
				return fmt.Errorf("btree: node %d size %d outside [%d, %d]", pageNum, n.size(), minS, maxS)
			}
		}

		if n.isLeaf() {
			if leafDepth < 0 {
				leafDepth = depth
			} else if depth != leafDepth {
				return fmt.Errorf("btree: leaf %d at depth %d, want %d", pageNum, depth, leafDepth)
			}
			leaf := asLeaf(frame, h.cfg)
			for i := int32(1); i < leaf.size(); i++ {
				if h.cfg.compare(leaf.keyAt(i-1), leaf.keyAt(i)) >= 0 {
					return fmt.Errorf("btree: leaf %d keys not ascending at %d", pageNum, i)
				}
			}
			leaves = append(leaves, pageNum)
			return nil
		}

		in := asInternal(frame, h.cfg)
		// Slot 0 holds a dummy key; order is checked from slot 1 on.
		for i := int32(2); i < in.size(); i++ {
			if h.cfg.compare(in.keyAt(i-1), in.keyAt(i)) >= 0 {
				return fmt.Errorf("btree: internal %d keys not ascending at %d", pageNum, i)
			}
		}
		for i := int32(0); i < in.size(); i++ {
			if err := walk(in.childAt(i), pageNum, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, storage.InvalidPageNum, 0); err != nil {
		return err
	}

	// The leaf chain must enumerate the leaves in tree order, each
	// leaf's last key below its successor's first.
	for i := 0; i < len(leaves); i++ {
		frame, err := h.pool.GetThisPage(leaves[i])
		if err != nil {
			return err
		}
		leaf := asLeaf(frame, h.cfg)
		next := leaf.next()
		var wantNext storage.PageNum = storage.InvalidPageNum
		if i+1 < len(leaves) {
			wantNext = leaves[i+1]
		}
		if next != wantNext {
			h.pool.UnpinPage(frame)
			return fmt.Errorf("btree: leaf %d next is %d, want %d", leaves[i], next, wantNext)
		}
		if i+1 < len(leaves) && leaf.size() > 0 {
			nf, err := h.pool.GetThisPage(leaves[i+1])
			if err != nil {
				h.pool.UnpinPage(frame)
				return err
			}
			nl := asLeaf(nf, h.cfg)
			if nl.size() > 0 && h.cfg.compare(leaf.keyAt(leaf.size()-1), nl.keyAt(0)) >= 0 {
				h.pool.UnpinPage(nf)
				h.pool.UnpinPage(frame)
				return fmt.Errorf("btree: leaf %d last key not below leaf %d first key", leaves[i], leaves[i+1])
			}
			h.pool.UnpinPage(nf)
		}
		h.pool.UnpinPage(frame)
	}
	return nil
}
