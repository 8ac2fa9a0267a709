package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/wal"
)

func newTestManager(t *testing.T, frames int) (*BufferPoolManager, string) {
	t.Helper()
	dir := t.TempDir()
	m := NewBufferPoolManager(storage.Options{Mode: storage.ModeDisk}, frames)
	m.Init(wal.VacuousLogHandler{}, VacuousDoubleWriteBuffer{})
	return m, dir
}

func TestPool_AllocateGetUnpin(t *testing.T) {
	m, dir := newTestManager(t, 0)
	pool, err := m.OpenFile(filepath.Join(dir, "t.data"))
	require.NoError(t, err)

	f, err := pool.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, storage.PageNum(1), f.PageNum(), "page 0 is the file header")
	require.Equal(t, int32(1), f.PinCount())

	copy(f.Data(), []byte("hello frame"))
	f.MarkDirty()
	pool.UnpinPage(f)
	require.Equal(t, int32(0), f.PinCount())

	g, err := pool.GetThisPage(1)
	require.NoError(t, err)
	require.Same(t, f, g, "cached frame is reused")
	require.Equal(t, []byte("hello frame"), g.Data()[:11])
	pool.UnpinPage(g)

	require.NoError(t, m.Close())
}

func TestPool_InvalidPageNum(t *testing.T) {
	m, dir := newTestManager(t, 0)
	pool, err := m.OpenFile(filepath.Join(dir, "t.data"))
	require.NoError(t, err)

	_, err = pool.GetThisPage(99)
	require.ErrorIs(t, err, ErrInvalidPageNum)
	_, err = pool.GetThisPage(-1)
	require.ErrorIs(t, err, ErrInvalidPageNum)
	require.NoError(t, m.Close())
}

func TestPool_EvictionOldestUnpinned(t *testing.T) {
	m, dir := newTestManager(t, 4)
	pool, err := m.OpenFile(filepath.Join(dir, "t.data"))
	require.NoError(t, err)

	// The header frame occupies one slot; fill the rest.
	var frames []*Frame
	for i := 0; i < 6; i++ {
		f, err := pool.AllocatePage()
		require.NoError(t, err)
		copy(f.Data(), []byte{byte('a' + i)})
		f.MarkDirty()
		frames = append(frames, f)
		pool.UnpinPage(f)
	}

	// Everything is still readable: evicted pages come back from disk.
	for i, f := range frames {
		g, err := pool.GetThisPage(f.PageNum())
		require.NoError(t, err)
		require.Equal(t, byte('a'+i), g.Data()[0])
		pool.UnpinPage(g)
	}
	require.NoError(t, m.Close())
}

func TestPool_NoFreeFrameWhenAllPinned(t *testing.T) {
	m, dir := newTestManager(t, 3)
	pool, err := m.OpenFile(filepath.Join(dir, "t.data"))
	require.NoError(t, err)

	var pinned []*Frame
	for i := 0; i < 2; i++ {
		f, err := pool.AllocatePage()
		require.NoError(t, err)
		pinned = append(pinned, f)
	}
	_, err = pool.AllocatePage()
	require.ErrorIs(t, err, ErrNoFreeFrame)

	for _, f := range pinned {
		pool.UnpinPage(f)
	}
	f, err := pool.AllocatePage()
	require.NoError(t, err)
	pool.UnpinPage(f)
	require.NoError(t, m.Close())
}

func TestPool_DisposeReusesPageSlot(t *testing.T) {
	m, dir := newTestManager(t, 0)
	pool, err := m.OpenFile(filepath.Join(dir, "t.data"))
	require.NoError(t, err)

	f, err := pool.AllocatePage()
	require.NoError(t, err)
	pageNum := f.PageNum()
	pool.UnpinPage(f)

	require.NoError(t, pool.DisposePage(pageNum))

	g, err := pool.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, pageNum, g.PageNum(), "disposed slot is reused")
	pool.UnpinPage(g)
	require.NoError(t, m.Close())
}

func TestPool_DisposePinnedFails(t *testing.T) {
	m, dir := newTestManager(t, 0)
	pool, err := m.OpenFile(filepath.Join(dir, "t.data"))
	require.NoError(t, err)

	f, err := pool.AllocatePage()
	require.NoError(t, err)
	require.ErrorIs(t, pool.DisposePage(f.PageNum()), ErrPagePinned)
	pool.UnpinPage(f)
	require.NoError(t, m.Close())
}

func TestPool_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.data")

	m := NewBufferPoolManager(storage.Options{Mode: storage.ModeDisk}, 0)
	m.Init(wal.VacuousLogHandler{}, VacuousDoubleWriteBuffer{})
	pool, err := m.OpenFile(path)
	require.NoError(t, err)
	poolID := pool.ID()

	f, err := pool.AllocatePage()
	require.NoError(t, err)
	copy(f.Data(), []byte("durable"))
	f.MarkDirty()
	pool.UnpinPage(f)
	require.NoError(t, m.Close())

	m2 := NewBufferPoolManager(storage.Options{Mode: storage.ModeDisk}, 0)
	m2.Init(wal.VacuousLogHandler{}, VacuousDoubleWriteBuffer{})
	pool2, err := m2.OpenFile(path)
	require.NoError(t, err)
	require.Equal(t, poolID, pool2.ID(), "pool id is persistent")
	require.Equal(t, int32(2), pool2.PageCount())

	g, err := pool2.GetThisPage(1)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), g.Data()[:7])
	pool2.UnpinPage(g)
	require.NoError(t, m2.Close())
}

func TestDoubleWrite_StagedPageIsAuthoritative(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "t.data")
	dwPath := filepath.Join(dir, "dblwr.db")
	opts := storage.Options{Mode: storage.ModeDisk}

	m := NewBufferPoolManager(opts, 0)
	dw := NewDiskDoubleWriteBuffer(m, 0)
	require.NoError(t, dw.OpenFile(dwPath, opts))
	m.Init(wal.VacuousLogHandler{}, dw)

	pool, err := m.OpenFile(dataPath)
	require.NoError(t, err)
	f, err := pool.AllocatePage()
	require.NoError(t, err)
	pageNum := f.PageNum()
	copy(f.Data(), []byte("staged only"))
	f.MarkDirty()
	require.NoError(t, pool.FlushPage(f))
	pool.UnpinPage(f)

	// The header page (with its allocation bitmap) is staged too.
	hdr, err := pool.GetThisPage(0)
	require.NoError(t, err)
	require.NoError(t, pool.FlushPage(hdr))
	pool.UnpinPage(hdr)

	// Simulate a crash before the staged slots reach the data file: a
	// fresh manager loads the double-write file, and the staged image
	// wins over whatever the data file holds.
	m2 := NewBufferPoolManager(opts, 0)
	dw2 := NewDiskDoubleWriteBuffer(m2, 0)
	require.NoError(t, dw2.OpenFile(dwPath, opts))
	m2.Init(wal.VacuousLogHandler{}, dw2)

	pool2, err := m2.OpenFile(dataPath)
	require.NoError(t, err)
	g, err := pool2.GetThisPage(pageNum)
	require.NoError(t, err)
	require.Equal(t, []byte("staged only"), g.Data()[:11])
	pool2.UnpinPage(g)
	require.NoError(t, m2.Close())
}
