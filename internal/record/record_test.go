package record

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/wal"
)

func newTestPool(t *testing.T, name string) *bufferpool.DiskBufferPool {
	t.Helper()
	m := bufferpool.NewBufferPoolManager(storage.Options{Mode: storage.ModeDisk}, 0)
	m.Init(wal.VacuousLogHandler{}, bufferpool.VacuousDoubleWriteBuffer{})
	pool, err := m.OpenFile(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return pool
}

// rowData builds a record of (id int32, name char[16]).
func rowData(id int32, name string) []byte {
	data := make([]byte, 20)
	bx.PutI32(data, id)
	copy(data[4:], name)
	return data
}

var testCols = ColumnLens{4, 16}

func TestPage_BitmapMatchesRecordNum(t *testing.T) {
	pool := newTestPool(t, "bitmap.data")
	fh, err := OpenRecordFileHandler(pool, wal.VacuousLogHandler{}, RowFormat, 20, testCols)
	require.NoError(t, err)

	var rids []RID
	for i := int32(0); i < 50; i++ {
		rid, err := fh.InsertRecord(rowData(i, fmt.Sprintf("n-%d", i)))
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	for i := 0; i < len(rids); i += 3 {
		require.NoError(t, fh.DeleteRecord(rids[i], false))
	}

	// Every exercised page: popcount(bitmap) == record_num, and every
	// surviving RID has its bit set.
	owner := new(int)
	ph, err := OpenRecordPageHandler(pool, fh.log, rids[0].PageNum, RowFormat, owner, true)
	require.NoError(t, err)
	defer ph.Cleanup()

	bm := ph.view.bitmap()
	require.Equal(t, int(ph.RecordNum()), bm.CountSet())
	for i, rid := range rids {
		if rid.PageNum != ph.PageNum() {
			continue
		}
		deleted := i%3 == 0
		require.Equal(t, !deleted, bm.Get(int(rid.SlotNum)))
	}
}

func TestFileHandler_InsertGetDeleteUpdate(t *testing.T) {
	pool := newTestPool(t, "crud.data")
	fh, err := OpenRecordFileHandler(pool, wal.VacuousLogHandler{}, RowFormat, 20, testCols)
	require.NoError(t, err)

	rid, err := fh.InsertRecord(rowData(1, "alice"))
	require.NoError(t, err)

	rec, err := fh.GetRecord(rid)
	require.NoError(t, err)
	require.Equal(t, int32(1), bx.I32(rec.Data))
	require.Equal(t, "alice", string(rec.Data[4:9]))

	require.NoError(t, fh.UpdateRecord(rid, rowData(1, "bob")))
	rec, err = fh.GetRecord(rid)
	require.NoError(t, err)
	require.Equal(t, "bob", string(rec.Data[4:7]))

	require.NoError(t, fh.DeleteRecord(rid, false))
	_, err = fh.GetRecord(rid)
	require.ErrorIs(t, err, ErrRecordNotExist)

	// Deleting again fails, unless the caller asked to ignore it.
	require.ErrorIs(t, fh.DeleteRecord(rid, false), ErrRecordNotExist)
	require.NoError(t, fh.DeleteRecord(rid, true))
}

func TestFileHandler_SpillsToNewPages(t *testing.T) {
	pool := newTestPool(t, "spill.data")
	fh, err := OpenRecordFileHandler(pool, wal.VacuousLogHandler{}, RowFormat, 20, testCols)
	require.NoError(t, err)

	pages := make(map[storage.PageNum]bool)
	for i := int32(0); i < 1000; i++ {
		rid, err := fh.InsertRecord(rowData(i, "x"))
		require.NoError(t, err)
		pages[rid.PageNum] = true
	}
	require.Greater(t, len(pages), 1, "inserts spill across pages")
}

func TestScanner_ConditionAndVisibility(t *testing.T) {
	pool := newTestPool(t, "scan.data")
	fh, err := OpenRecordFileHandler(pool, wal.VacuousLogHandler{}, RowFormat, 20, testCols)
	require.NoError(t, err)

	for i := int32(0); i < 20; i++ {
		_, err := fh.InsertRecord(rowData(i, "v"))
		require.NoError(t, err)
	}

	evens := func(rec *Record) bool { return bx.I32(rec.Data)%2 == 0 }
	hideBelow10 := func(rec *Record) error {
		if bx.I32(rec.Data) < 10 {
			return ErrRecordInvisible
		}
		return nil
	}

	scanner := fh.OpenScanner(evens, hideBelow10)
	defer scanner.Close()

	var ids []int32
	for {
		rec, err := scanner.Next()
		if errors.Is(err, ErrRecordEOF) {
			break
		}
		require.NoError(t, err)
		ids = append(ids, bx.I32(rec.Data))
	}
	require.Equal(t, []int32{10, 12, 14, 16, 18}, ids)
}

func TestFileHandler_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.data")
	opts := storage.Options{Mode: storage.ModeDisk}

	m := bufferpool.NewBufferPoolManager(opts, 0)
	m.Init(wal.VacuousLogHandler{}, bufferpool.VacuousDoubleWriteBuffer{})
	pool, err := m.OpenFile(path)
	require.NoError(t, err)
	fh, err := OpenRecordFileHandler(pool, wal.VacuousLogHandler{}, RowFormat, 20, testCols)
	require.NoError(t, err)

	var deleted RID
	for i := int32(1); i <= 3; i++ {
		rid, err := fh.InsertRecord(rowData(i, "row"))
		require.NoError(t, err)
		if i == 2 {
			deleted = rid
		}
	}
	require.NoError(t, fh.DeleteRecord(deleted, false))
	require.NoError(t, m.Close())

	m2 := bufferpool.NewBufferPoolManager(opts, 0)
	m2.Init(wal.VacuousLogHandler{}, bufferpool.VacuousDoubleWriteBuffer{})
	pool2, err := m2.OpenFile(path)
	require.NoError(t, err)
	fh2, err := OpenRecordFileHandler(pool2, wal.VacuousLogHandler{}, RowFormat, 20, testCols)
	require.NoError(t, err)

	scanner := fh2.OpenScanner(nil, nil)
	defer scanner.Close()
	var ids []int32
	for {
		rec, err := scanner.Next()
		if errors.Is(err, ErrRecordEOF) {
			break
		}
		require.NoError(t, err)
		ids = append(ids, bx.I32(rec.Data))
	}
	require.Equal(t, []int32{1, 3}, ids)
	require.NoError(t, m2.Close())
}

func TestPax_InsertGetAndChunk(t *testing.T) {
	pool := newTestPool(t, "pax.data")
	fh, err := OpenRecordFileHandler(pool, wal.VacuousLogHandler{}, PaxFormat, 20, testCols)
	require.NoError(t, err)

	var rids []RID
	for i := int32(0); i < 10; i++ {
		rid, err := fh.InsertRecord(rowData(i, fmt.Sprintf("pax-%d", i)))
		require.NoError(t, err)
		rids = append(rids, rid)
	}

	// Single-record reads gather the columns back into row order.
	rec, err := fh.GetRecord(rids[3])
	require.NoError(t, err)
	require.Equal(t, int32(3), bx.I32(rec.Data))
	require.Equal(t, "pax-3", string(rec.Data[4:9]))

	// Chunk read: per-column dense arrays of the live rows.
	chunk := &Chunk{}
	chunk.AddColumn(NewColumn(0, 4))
	chunk.AddColumn(NewColumn(1, 16))
	cs := fh.OpenChunkScanner()
	require.NoError(t, cs.NextChunk(chunk))
	require.Equal(t, 10, chunk.Rows())
	for i := 0; i < 10; i++ {
		require.Equal(t, int32(i), bx.I32(chunk.Columns[0].ValueAt(i)))
	}
	require.ErrorIs(t, cs.NextChunk(chunk), ErrRecordEOF)
}

func TestRecordLog_RedoInsertAndSkip(t *testing.T) {
	dir := t.TempDir()
	opts := storage.Options{Mode: storage.ModeDisk}

	walDir := filepath.Join(dir, "wal")
	h, err := wal.NewDiskLogHandler(walDir, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h.Start())

	m := bufferpool.NewBufferPoolManager(opts, 0)
	m.Init(h, bufferpool.VacuousDoubleWriteBuffer{})
	pool, err := m.OpenFile(filepath.Join(dir, "r.data"))
	require.NoError(t, err)

	fh, err := OpenRecordFileHandler(pool, h, RowFormat, 20, testCols)
	require.NoError(t, err)
	rid, err := fh.InsertRecord(rowData(7, "redo"))
	require.NoError(t, err)
	require.NoError(t, h.WaitLSN(h.CurrentLSN()))
	require.NoError(t, h.Stop())
	require.NoError(t, h.AwaitTermination())

	// Crash: the data file never saw the pages. Replay rebuilds them.
	h2, err := wal.NewDiskLogHandler(walDir, 0, 0)
	require.NoError(t, err)
	m2 := bufferpool.NewBufferPoolManager(opts, 0)
	m2.Init(h2, bufferpool.VacuousDoubleWriteBuffer{})
	pool2, err := m2.OpenFile(filepath.Join(dir, "r2.data"))
	require.NoError(t, err)
	require.Equal(t, pool.ID(), pool2.ID(), "same pool id so log entries address it")

	bpReplayer := &bufferpool.BufferPoolLogReplayer{Manager: m2}
	recReplayer := &RecordLogReplayer{Manager: m2}
	err = h2.Replay(replayDispatch(func(e *wal.LogEntry) error {
		switch e.Module() {
		case wal.ModuleBufferPool:
			return bpReplayer.Replay(e)
		case wal.ModuleRecordManager:
			return recReplayer.Replay(e)
		default:
			return nil
		}
	}), 0)
	require.NoError(t, err)

	fh2, err := OpenRecordFileHandler(pool2, wal.VacuousLogHandler{}, RowFormat, 20, testCols)
	require.NoError(t, err)
	rec, err := fh2.GetRecord(rid)
	require.NoError(t, err)
	require.Equal(t, int32(7), bx.I32(rec.Data))

	// Replaying a second time changes nothing: pages carry the LSNs.
	require.NoError(t, h2.Replay(replayDispatch(func(e *wal.LogEntry) error {
		switch e.Module() {
		case wal.ModuleBufferPool:
			return bpReplayer.Replay(e)
		case wal.ModuleRecordManager:
			return recReplayer.Replay(e)
		default:
			return nil
		}
	}), 0))
	rec2, err := fh2.GetRecord(rid)
	require.NoError(t, err)
	require.Equal(t, rec.Data, rec2.Data)

	require.NoError(t, m2.Close())
	require.NoError(t, m.Close())
}

type replayDispatch func(*wal.LogEntry) error

func (f replayDispatch) Replay(e *wal.LogEntry) error { return f(e) }
func (f replayDispatch) OnDone() error                { return nil }
