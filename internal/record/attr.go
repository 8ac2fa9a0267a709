package record

import (
	"bytes"
	"fmt"

	"github.com/tvhung83/stonesql/internal/bx"
)

// AttrType enumerates the field types the engine stores. Values are
// persisted in table metadata and index headers.
type AttrType int32

const (
	AttrInt AttrType = iota
	AttrBigint
	AttrFloat
	AttrChars
)

func (t AttrType) String() string {
	switch t {
	case AttrInt:
		return "INT"
	case AttrBigint:
		return "BIGINT"
	case AttrFloat:
		return "FLOAT"
	case AttrChars:
		return "CHARS"
	default:
		return fmt.Sprintf("ATTR(%d)", int32(t))
	}
}

// CompareAttr orders two encoded attribute values of the same type.
// CHARS compare bytewise over the fixed attribute length; shorter
// values are zero padded by the caller.
func CompareAttr(t AttrType, a, b []byte) int {
	switch t {
	case AttrInt:
		return compareOrdered(bx.I32(a), bx.I32(b))
	case AttrBigint:
		return compareOrdered(bx.I64(a), bx.I64(b))
	case AttrFloat:
		return compareOrdered(bx.F32(a), bx.F32(b))
	case AttrChars:
		return bytes.Compare(a, b)
	default:
		panic(fmt.Sprintf("record: compare on unknown attr type %d", t))
	}
}

func compareOrdered[T int32 | int64 | float32](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// EncodeRID serialises a RID into the 8 trailing bytes of an index key.
func EncodeRID(b []byte, rid RID) {
	bx.PutI32At(b, 0, rid.PageNum)
	bx.PutI32At(b, 4, rid.SlotNum)
}

// DecodeRID reads a RID back out of key bytes.
func DecodeRID(b []byte) RID {
	return RID{PageNum: bx.I32At(b, 0), SlotNum: bx.I32At(b, 4)}
}
