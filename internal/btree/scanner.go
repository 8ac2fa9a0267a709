package btree

import (
	"fmt"

	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/storage"
)

// BplusTreeScanner yields the RIDs in [left, right] in key order. It
// walks the leaf sibling chain left to right — the opposite direction
// of the top-down mutation path — so advancing to the next leaf uses a
// try-latch and surfaces ErrLockedNeedWait instead of blocking: the
// caller retries Next.
type BplusTreeScanner struct {
	h     *BplusTreeHandler
	owner any

	curFrame *bufferpool.Frame
	curIdx   int32

	leftKey       []byte // fixed to attr length
	leftInclusive bool
	rightKey      []byte // nil: unbounded
	rightInclusive bool

	opened bool
	done   bool
}

func NewBplusTreeScanner(h *BplusTreeHandler) *BplusTreeScanner {
	return &BplusTreeScanner{h: h, owner: new(int)}
}

// fixUserKey pins a user key to the attribute length. A longer CHARS
// key is truncated; when the dropped tail is non-zero the bound moves:
// a left bound advances to the next representable value, and either
// bound becomes inclusive. The bool result reports whether a usable
// key remains (an advanced left bound can overflow past every key).
func (c *treeConfig) fixUserKey(userKey []byte, leftBound bool, inclusive *bool) ([]byte, bool) {
	key := make([]byte, c.attrLen)
	copy(key, userKey)

	if int32(len(userKey)) <= c.attrLen {
		return key, true
	}

	tailNonZero := false
	for _, b := range userKey[c.attrLen:] {
		if b != 0 {
			tailNonZero = true
			break
		}
	}
	if !tailNonZero {
		return key, true
	}

	if leftBound {
		// Advance to the next value above the truncated prefix.
		for i := int(c.attrLen) - 1; i >= 0; i-- {
			key[i]++
			if key[i] != 0 {
				*inclusive = true
				return key, true
			}
		}
		return nil, false // overflowed: nothing can match
	}
	*inclusive = true
	return key, true
}

// Open positions the scanner on the first entry at or after the left
// bound. Nil bounds are unbounded on that side.
func (s *BplusTreeScanner) Open(leftUserKey []byte, leftInclusive bool, rightUserKey []byte, rightInclusive bool) error {
	if s.opened {
		return fmt.Errorf("%w: scanner already opened", ErrInvalidArgument)
	}
	s.opened = true
	cfg := s.h.cfg

	if leftUserKey != nil {
		key, ok := cfg.fixUserKey(leftUserKey, true, &leftInclusive)
		if !ok {
			s.done = true
			return nil
		}
		s.leftKey = key
	}
	s.leftInclusive = leftInclusive
	if rightUserKey != nil {
		key, ok := cfg.fixUserKey(rightUserKey, false, &rightInclusive)
		if !ok {
			s.rightKey = nil // unbounded
		} else {
			s.rightKey = key
		}
	}
	s.rightInclusive = rightInclusive

	if s.leftKey != nil && s.rightKey != nil {
		c := record.CompareAttr(cfg.attrType, s.leftKey, s.rightKey)
		if c > 0 || (c == 0 && !(s.leftInclusive && s.rightInclusive)) {
			s.done = true
			return nil
		}
	}

	// Read descent: shared latches, parent released as soon as the
	// child is held; the root lock drops right after the root latch.
	s.h.rootLock.RLock()
	root := s.h.rootPage
	if root == storage.InvalidPageNum {
		s.h.rootLock.RUnlock()
		s.done = true
		return nil
	}
	frame, err := s.h.pool.GetThisPage(root)
	if err != nil {
		s.h.rootLock.RUnlock()
		return err
	}
	frame.ReadLatch(s.owner)
	s.h.rootLock.RUnlock()

	// Position with a full key whose RID sorts below every real RID,
	// so duplicates of the left attribute are all included.
	var searchKey []byte
	if s.leftKey != nil {
		searchKey = make([]byte, cfg.keyLen)
		copy(searchKey, s.leftKey)
	}

	for !(node{frame: frame, cfg: cfg}).isLeaf() {
		in := asInternal(frame, cfg)
		var childIdx int32
		if searchKey == nil {
			childIdx = 0
		} else {
			childIdx = in.lookup(searchKey)
		}
		child := in.childAt(childIdx)

		cf, err := s.h.pool.GetThisPage(child)
		if err != nil {
			s.releaseFrame(frame)
			return err
		}
		cf.ReadLatch(s.owner)
		s.releaseFrame(frame)
		frame = cf
	}

	leaf := asLeaf(frame, cfg)
	s.curFrame = frame
	if searchKey == nil {
		s.curIdx = 0
	} else {
		s.curIdx = leaf.lookupAttr(searchKey)
	}
	return nil
}

// Next returns the next RID in range, record.ErrRecordEOF at the end,
// or ErrLockedNeedWait when the next leaf's latch is contended; the
// scanner stays positioned so the caller can retry.
func (s *BplusTreeScanner) Next() (record.RID, error) {
	cfg := s.h.cfg
	for {
		if s.done || s.curFrame == nil {
			return record.RID{}, record.ErrRecordEOF
		}

		leaf := asLeaf(s.curFrame, cfg)
		if s.curIdx >= leaf.size() {
			next := leaf.next()
			if next == storage.InvalidPageNum {
				s.finish()
				return record.RID{}, record.ErrRecordEOF
			}
			nf, err := s.h.pool.GetThisPage(next)
			if err != nil {
				return record.RID{}, err
			}
			if !nf.TryReadLatch(s.owner) {
				s.h.pool.UnpinPage(nf)
				return record.RID{}, ErrLockedNeedWait
			}
			s.releaseFrame(s.curFrame)
			s.curFrame = nf
			s.curIdx = 0
			continue
		}

		key := leaf.keyAt(s.curIdx)
		if s.rightKey != nil {
			c := record.CompareAttr(cfg.attrType, key[:cfg.attrLen], s.rightKey)
			if c > 0 || (c == 0 && !s.rightInclusive) {
				s.finish()
				return record.RID{}, record.ErrRecordEOF
			}
		}
		if s.leftKey != nil && !s.leftInclusive {
			if record.CompareAttr(cfg.attrType, key[:cfg.attrLen], s.leftKey) == 0 {
				s.curIdx++
				continue
			}
		}

		rid := leaf.ridAt(s.curIdx)
		s.curIdx++
		return rid, nil
	}
}

// Close releases the current leaf, if any.
func (s *BplusTreeScanner) Close() {
	s.finish()
}

func (s *BplusTreeScanner) finish() {
	if s.curFrame != nil {
		s.releaseFrame(s.curFrame)
		s.curFrame = nil
	}
	s.done = true
}

func (s *BplusTreeScanner) releaseFrame(frame *bufferpool.Frame) {
	frame.ReadUnlatch(s.owner)
	s.h.pool.UnpinPage(frame)
}
