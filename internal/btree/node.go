package btree

import (
	"sort"

	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/storage"
)

// Node header layout inside the page data area. Internal nodes leave
// next_brother unused.
//
//	0  is_leaf       int32
//	4  key_num       int32
//	8  parent        int32 (InvalidPageNum for the root)
//	12 next_brother  int32 (leaf sibling chain)
const (
	nhIsLeafOff = 0
	nhKeyNumOff = 4
	nhParentOff = 8
	nhNextOff   = 12

	nodeHeaderSize = 16
)

// node is a thin view over a latched frame.
type node struct {
	frame *bufferpool.Frame
	cfg   *treeConfig
}

func (n node) data() []byte              { return n.frame.Data() }
func (n node) pageNum() storage.PageNum  { return n.frame.PageNum() }
func (n node) isLeaf() bool              { return bx.I32At(n.data(), nhIsLeafOff) != 0 }
func (n node) size() int32               { return bx.I32At(n.data(), nhKeyNumOff) }
func (n node) setSizeRaw(v int32)        { bx.PutI32At(n.data(), nhKeyNumOff, v) }
func (n node) parent() storage.PageNum   { return bx.I32At(n.data(), nhParentOff) }
func (n node) setParentRaw(p storage.PageNum) { bx.PutI32At(n.data(), nhParentOff, p) }
func (n node) isRoot() bool              { return n.parent() == storage.InvalidPageNum }

// ---- raw layout helpers, shared with redo ----

func initLeafRaw(data []byte) {
	for i := 0; i < nodeHeaderSize; i++ {
		data[i] = 0
	}
	bx.PutI32At(data, nhIsLeafOff, 1)
	bx.PutI32At(data, nhParentOff, storage.InvalidPageNum)
	bx.PutI32At(data, nhNextOff, storage.InvalidPageNum)
}

func initInternalRaw(data []byte) {
	for i := 0; i < nodeHeaderSize; i++ {
		data[i] = 0
	}
	bx.PutI32At(data, nhParentOff, storage.InvalidPageNum)
	bx.PutI32At(data, nhNextOff, storage.InvalidPageNum)
}

// nodeInsertItemsRaw shifts items right and splices in count items of
// itemSize bytes at index.
func nodeInsertItemsRaw(data []byte, itemSize, index int32, items []byte) {
	size := bx.I32At(data, nhKeyNumOff)
	count := int32(len(items)) / itemSize
	base := int32(nodeHeaderSize)
	start := base + index*itemSize
	end := base + size*itemSize
	copy(data[start+count*itemSize:end+count*itemSize], data[start:end])
	copy(data[start:], items)
	bx.PutI32At(data, nhKeyNumOff, size+count)
}

// nodeRemoveItemsRaw removes count items at index, returning the
// removed bytes (the mini-transaction keeps them for rollback).
func nodeRemoveItemsRaw(data []byte, itemSize, index, count int32) []byte {
	size := bx.I32At(data, nhKeyNumOff)
	base := int32(nodeHeaderSize)
	start := base + index*itemSize
	removed := make([]byte, count*itemSize)
	copy(removed, data[start:start+count*itemSize])
	copy(data[start:], data[start+count*itemSize:base+size*itemSize])
	bx.PutI32At(data, nhKeyNumOff, size-count)
	return removed
}

// ---- leaf ----

type leafNode struct {
	node
}

func asLeaf(frame *bufferpool.Frame, cfg *treeConfig) leafNode {
	return leafNode{node{frame: frame, cfg: cfg}}
}

func (l leafNode) itemAt(i int32) []byte {
	off := nodeHeaderSize + i*l.cfg.leafItemSize()
	return l.data()[off : off+l.cfg.leafItemSize()]
}

func (l leafNode) keyAt(i int32) []byte { return l.itemAt(i)[:l.cfg.keyLen] }

func (l leafNode) ridAt(i int32) record.RID {
	return record.DecodeRID(l.itemAt(i)[l.cfg.keyLen:])
}

func (l leafNode) next() storage.PageNum { return bx.I32At(l.data(), nhNextOff) }

func (l leafNode) setNextRaw(p storage.PageNum) { bx.PutI32At(l.data(), nhNextOff, p) }

// lookup returns the insertion index for key and whether an exact
// (attr, rid) match sits there.
func (l leafNode) lookup(key []byte) (int32, bool) {
	size := int(l.size())
	idx := sort.Search(size, func(i int) bool {
		return l.cfg.compare(l.keyAt(int32(i)), key) >= 0
	})
	found := idx < size && l.cfg.compare(l.keyAt(int32(idx)), key) == 0
	return int32(idx), found
}

// lookupAttr returns the first index whose attribute is >= the user
// attribute of key, ignoring the RID suffix. Scans start here.
func (l leafNode) lookupAttr(key []byte) int32 {
	size := int(l.size())
	return int32(sort.Search(size, func(i int) bool {
		return l.cfg.compareAttr(l.keyAt(int32(i)), key) >= 0
	}))
}

func (l leafNode) makeItem(key []byte, rid record.RID) []byte {
	item := make([]byte, l.cfg.leafItemSize())
	copy(item, key)
	record.EncodeRID(item[l.cfg.keyLen:], rid)
	return item
}

// ---- internal ----

type internalNode struct {
	node
}

func asInternal(frame *bufferpool.Frame, cfg *treeConfig) internalNode {
	return internalNode{node{frame: frame, cfg: cfg}}
}

func (n internalNode) itemAt(i int32) []byte {
	off := nodeHeaderSize + i*n.cfg.internalItemSize()
	return n.data()[off : off+n.cfg.internalItemSize()]
}

func (n internalNode) keyAt(i int32) []byte { return n.itemAt(i)[:n.cfg.keyLen] }

func (n internalNode) childAt(i int32) storage.PageNum {
	return bx.I32(n.itemAt(i)[n.cfg.keyLen:])
}

func (n internalNode) setChildRaw(i int32, p storage.PageNum) {
	bx.PutI32(n.itemAt(i)[n.cfg.keyLen:], p)
}

// lookup returns the index of the child covering key: the largest slot
// i in [1, size) whose key <= search key, or 0 when every key exceeds
// it. Slot 0 holds a dummy key.
func (n internalNode) lookup(key []byte) int32 {
	size := int(n.size())
	// First slot in [1, size) with key > search key; the child sits
	// one to the left.
	idx := sort.Search(size-1, func(i int) bool {
		return n.cfg.compare(n.keyAt(int32(i+1)), key) > 0
	})
	return int32(idx)
}

// childIndexOf finds which slot points at child.
func (n internalNode) childIndexOf(child storage.PageNum) int32 {
	for i := int32(0); i < n.size(); i++ {
		if n.childAt(i) == child {
			return i
		}
	}
	return -1
}

func (n internalNode) makeItem(key []byte, child storage.PageNum) []byte {
	item := make([]byte, n.cfg.internalItemSize())
	copy(item, key)
	bx.PutI32(item[n.cfg.keyLen:], child)
	return item
}
