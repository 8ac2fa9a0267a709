// Package btree implements the ordered key→RID index: a B+Tree over
// buffer-pool pages with crabbing-latch concurrency, logical WAL
// entries batched per mini-transaction, and a leaf-chain scanner.
package btree

import (
	"errors"
	"fmt"

	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/storage"
)

var (
	// ErrEmptyTree names the no-root condition. No handler method
	// returns it: GetEntry and the scanner report an empty tree as no
	// entries, and DeleteEntry reports ErrKeyNotExist.
	ErrEmptyTree = errors.New("btree: tree is empty")

	// ErrLockedNeedWait tells the caller to retry: the leaf-chain scan
	// could not take a latch without risking deadlock against the
	// top-down mutation path.
	ErrLockedNeedWait = errors.New("btree: node locked, need wait")

	// ErrDuplicateKey is returned when inserting a (key, rid) pair that
	// already exists.
	ErrDuplicateKey = errors.New("btree: duplicate key")

	// ErrKeyNotExist is returned when deleting a missing entry.
	ErrKeyNotExist = errors.New("btree: key does not exist")

	// ErrInvalidArgument is returned for malformed inputs.
	ErrInvalidArgument = errors.New("btree: invalid argument")
)

// HeaderPageNum is where the IndexFileHeader lives: page 1, right
// after the buffer-pool file header.
const HeaderPageNum storage.PageNum = 1

// IndexFileHeader layout inside the header page data area.
const (
	ifhRootPageOff    = 0
	ifhInternalMaxOff = 4
	ifhLeafMaxOff     = 8
	ifhAttrLengthOff  = 12
	ifhKeyLengthOff   = 16
	ifhAttrTypeOff    = 20

	indexFileHeaderSize = 24
)

// treeConfig is the decoded index file header, cached by the handler.
type treeConfig struct {
	attrType    record.AttrType
	attrLen     int32
	keyLen      int32 // attrLen + RIDSize: every key carries its RID
	internalMax int32
	leafMax     int32
}

func (c *treeConfig) leafItemSize() int32     { return c.keyLen + record.RIDSize }
func (c *treeConfig) internalItemSize() int32 { return c.keyLen + 4 }

// minSize is the fan-out lower bound for non-root nodes.
func minSize(maxSize int32) int32 { return maxSize - maxSize/2 }

func (c *treeConfig) leafMinSize() int32     { return minSize(c.leafMax) }
func (c *treeConfig) internalMinSize() int32 { return minSize(c.internalMax) }

// compare orders two full keys: attribute first, then the appended RID
// so duplicate user keys stay unique.
func (c *treeConfig) compare(a, b []byte) int {
	if r := record.CompareAttr(c.attrType, a[:c.attrLen], b[:c.attrLen]); r != 0 {
		return r
	}
	return record.DecodeRID(a[c.attrLen:]).Compare(record.DecodeRID(b[c.attrLen:]))
}

// compareAttr orders only the user attribute portion of two keys.
func (c *treeConfig) compareAttr(a, b []byte) int {
	return record.CompareAttr(c.attrType, a[:c.attrLen], b[:c.attrLen])
}

// makeKey builds a full key from a user attribute and a RID. A short
// CHARS value is zero padded to the attribute length.
func (c *treeConfig) makeKey(userKey []byte, rid record.RID) ([]byte, error) {
	if int32(len(userKey)) > c.attrLen {
		return nil, fmt.Errorf("%w: user key length %d exceeds attr length %d",
			ErrInvalidArgument, len(userKey), c.attrLen)
	}
	key := make([]byte, c.keyLen)
	copy(key, userKey)
	record.EncodeRID(key[c.attrLen:], rid)
	return key, nil
}

func encodeTreeConfig(data []byte, rootPage storage.PageNum, cfg *treeConfig) {
	bx.PutI32At(data, ifhRootPageOff, rootPage)
	bx.PutI32At(data, ifhInternalMaxOff, cfg.internalMax)
	bx.PutI32At(data, ifhLeafMaxOff, cfg.leafMax)
	bx.PutI32At(data, ifhAttrLengthOff, cfg.attrLen)
	bx.PutI32At(data, ifhKeyLengthOff, cfg.keyLen)
	bx.PutI32At(data, ifhAttrTypeOff, int32(cfg.attrType))
}

func decodeTreeConfig(data []byte) (storage.PageNum, *treeConfig) {
	cfg := &treeConfig{
		attrType:    record.AttrType(bx.I32At(data, ifhAttrTypeOff)),
		attrLen:     bx.I32At(data, ifhAttrLengthOff),
		keyLen:      bx.I32At(data, ifhKeyLengthOff),
		internalMax: bx.I32At(data, ifhInternalMaxOff),
		leafMax:     bx.I32At(data, ifhLeafMaxOff),
	}
	return bx.I32At(data, ifhRootPageOff), cfg
}

// calcMaxSizes derives node fan-out from the page size when the caller
// does not pin them (tests pin small sizes to force splits).
func calcMaxSizes(keyLen int32) (internalMax, leafMax int32) {
	avail := int32(storage.PageDataSize) - nodeHeaderSize
	internalMax = avail / (keyLen + 4)
	leafMax = avail / (keyLen + record.RIDSize)
	return internalMax, leafMax
}
