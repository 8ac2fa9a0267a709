package storage

import (
	"hash/crc32"

	"github.com/tvhung83/stonesql/internal/bx"
)

// PageNum is signed so an invalid page can be a negative sentinel.
type PageNum = int32

const (
	// PageSize is the fixed on-disk page size.
	PageSize = 8192

	pageNumOff  = 0
	checkSumOff = 4
	lsnOff      = 8

	// PageDataOff is where the data area starts inside the page buffer.
	PageDataOff = 16

	// PageDataSize is the usable data area of a page.
	PageDataSize = PageSize - PageDataOff
)

// InvalidPageNum marks "no page", e.g. an empty tree's root.
const InvalidPageNum PageNum = -1

// Page is one fixed-size block. The first PageDataOff bytes hold the
// page number, a checksum over the data area and the LSN of the last
// mutation; the rest is the data area owned by whichever subsystem uses
// the page.
//
//	+-----------+----------+---------+----------------+
//	| page_num  | checksum |   lsn   |  data ...      |
//	|  int32    |  uint32  |  int64  |  8176 bytes    |
//	+-----------+----------+---------+----------------+
type Page struct {
	Buf []byte // len == PageSize
}

func NewPage() *Page {
	return &Page{Buf: make([]byte, PageSize)}
}

func (p *Page) PageNum() PageNum     { return bx.I32At(p.Buf, pageNumOff) }
func (p *Page) SetPageNum(n PageNum) { bx.PutI32At(p.Buf, pageNumOff, n) }
func (p *Page) CheckSum() uint32     { return bx.U32At(p.Buf, checkSumOff) }
func (p *Page) setCheckSum(v uint32) { bx.PutU32At(p.Buf, checkSumOff, v) }
func (p *Page) LSN() int64           { return bx.I64At(p.Buf, lsnOff) }
func (p *Page) SetLSN(lsn int64)     { bx.PutI64At(p.Buf, lsnOff, lsn) }
func (p *Page) Data() []byte         { return p.Buf[PageDataOff:] }

// Reset zeroes the page and stamps the page number.
func (p *Page) Reset(n PageNum) {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	p.SetPageNum(n)
}

// UpdateCheckSum recomputes the checksum over the data area. Called
// right before a page image leaves the buffer pool for disk.
func (p *Page) UpdateCheckSum() {
	p.setCheckSum(crc32.ChecksumIEEE(p.Data()))
}

// VerifyCheckSum reports whether the stored checksum matches the data
// area. A page whose stored checksum is zero (never stamped) passes.
func (p *Page) VerifyCheckSum() bool {
	if p.CheckSum() == 0 {
		return true
	}
	return p.CheckSum() == crc32.ChecksumIEEE(p.Data())
}

// CopyFrom replaces this page's content with src's.
func (p *Page) CopyFrom(src *Page) {
	copy(p.Buf, src.Buf)
}
