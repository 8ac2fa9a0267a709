package storage

import (
	"fmt"
	"io"
)

// PageFile maps page numbers onto a BlockFile at page-size granularity.
type PageFile struct {
	bf BlockFile
}

func NewPageFile(bf BlockFile) *PageFile {
	return &PageFile{bf: bf}
}

// ReadPage reads page n into p. Reading past EOF zero-fills the
// remainder so lazily extended files behave as sparse zero pages.
func (pf *PageFile) ReadPage(n PageNum, p *Page) error {
	if len(p.Buf) != PageSize {
		return fmt.Errorf("storage: page buffer must be %d bytes", PageSize)
	}
	got, err := pf.bf.ReadAt(p.Buf, int64(n)*PageSize)
	if err != nil && err != io.EOF {
		return fmt.Errorf("storage: read page %d: %w", n, err)
	}
	for i := got; i < PageSize; i++ {
		p.Buf[i] = 0
	}
	return nil
}

// WritePage writes page n from p.
func (pf *PageFile) WritePage(n PageNum, p *Page) error {
	if len(p.Buf) != PageSize {
		return fmt.Errorf("storage: page buffer must be %d bytes", PageSize)
	}
	wrote, err := pf.bf.WriteAt(p.Buf, int64(n)*PageSize)
	if err != nil {
		return fmt.Errorf("storage: write page %d: %w", n, err)
	}
	if wrote != PageSize {
		return ErrShortPageWrite
	}
	return nil
}

func (pf *PageFile) Sync() error  { return pf.bf.Sync() }
func (pf *PageFile) Close() error { return pf.bf.Close() }

// CountPages returns how many whole pages the file currently holds.
func (pf *PageFile) CountPages() (PageNum, error) {
	size, err := pf.bf.Size()
	if err != nil {
		return 0, err
	}
	return PageNum(size / PageSize), nil
}
