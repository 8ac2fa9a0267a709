package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPage_HeaderRoundTrip(t *testing.T) {
	p := NewPage()
	p.SetPageNum(42)
	p.SetLSN(12345)
	require.Equal(t, PageNum(42), p.PageNum())
	require.Equal(t, int64(12345), p.LSN())
	require.Len(t, p.Data(), PageDataSize)

	p.Reset(7)
	require.Equal(t, PageNum(7), p.PageNum())
	require.Equal(t, int64(0), p.LSN())
}

func TestPage_CheckSum(t *testing.T) {
	p := NewPage()
	copy(p.Data(), []byte("hello"))
	p.UpdateCheckSum()
	require.True(t, p.VerifyCheckSum())

	p.Data()[0] = 'H'
	require.False(t, p.VerifyCheckSum())

	// A never-stamped page passes.
	fresh := NewPage()
	require.True(t, fresh.VerifyCheckSum())
}

func TestPageFile_ZeroFillPastEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zf.data")
	bf, err := OpenBlockFile(path, Options{Mode: ModeDisk})
	require.NoError(t, err)
	pf := NewPageFile(bf)

	// Reading a page the file never reached yields zeroes.
	p := NewPage()
	copy(p.Buf, []byte{1, 2, 3})
	require.NoError(t, pf.ReadPage(5, p))
	for _, b := range p.Buf {
		require.Zero(t, b)
	}
	require.NoError(t, pf.Close())
}

func TestPageFile_WriteReadCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wr.data")
	bf, err := OpenBlockFile(path, Options{Mode: ModeDisk})
	require.NoError(t, err)
	pf := NewPageFile(bf)

	p := NewPage()
	p.SetPageNum(3)
	copy(p.Data(), []byte("page three"))
	p.UpdateCheckSum()
	require.NoError(t, pf.WritePage(3, p))

	count, err := pf.CountPages()
	require.NoError(t, err)
	require.Equal(t, PageNum(4), count)

	got := NewPage()
	require.NoError(t, pf.ReadPage(3, got))
	require.Equal(t, PageNum(3), got.PageNum())
	require.True(t, got.VerifyCheckSum())
	require.Equal(t, []byte("page three"), got.Data()[:10])

	require.NoError(t, pf.Close())
}

func TestMemoryMode_SurvivesReopen(t *testing.T) {
	o := Options{Mode: ModeMemory}
	path := "mem/reopen.data"

	bf, err := OpenBlockFile(path, o)
	require.NoError(t, err)
	pf := NewPageFile(bf)
	p := NewPage()
	copy(p.Data(), []byte("in memory"))
	require.NoError(t, pf.WritePage(0, p))
	require.NoError(t, pf.Close())

	require.True(t, BlockFileExists(path, o))

	bf2, err := OpenBlockFile(path, o)
	require.NoError(t, err)
	got := NewPage()
	require.NoError(t, NewPageFile(bf2).ReadPage(0, got))
	require.Equal(t, []byte("in memory"), got.Data()[:9])

	require.NoError(t, RemoveBlockFile(path, o))
	require.False(t, BlockFileExists(path, o))
}
