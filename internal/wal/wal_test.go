package wal

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, entriesPerFile int) (*DiskLogHandler, string) {
	t.Helper()
	dir := t.TempDir()
	h, err := NewDiskLogHandler(dir, entriesPerFile, 0)
	require.NoError(t, err)
	return h, dir
}

func TestDiskLogHandler_AppendFlushWait(t *testing.T) {
	h, _ := newTestHandler(t, 0)
	require.NoError(t, h.Start())

	var last LSN
	for i := 0; i < 50; i++ {
		lsn, err := h.Append(ModuleRecordManager, []byte("payload"))
		require.NoError(t, err)
		require.Equal(t, last+1, lsn, "LSNs are gapless")
		last = lsn
	}

	require.NoError(t, h.WaitLSN(last))
	require.GreaterOrEqual(t, h.FlushedLSN(), last)

	require.NoError(t, h.Stop())
	require.NoError(t, h.AwaitTermination())
}

func TestDiskLogHandler_IterateInOrder(t *testing.T) {
	h, _ := newTestHandler(t, 10) // small files to force rotation
	require.NoError(t, h.Start())

	const n = 35
	for i := 0; i < n; i++ {
		_, err := h.Append(ModuleBplusTree, []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, h.WaitLSN(LSN(n)))
	require.NoError(t, h.Stop())
	require.NoError(t, h.AwaitTermination())

	var lsns []LSN
	err := h.Iterate(func(e *LogEntry) error {
		require.Equal(t, ModuleBplusTree, e.Module())
		lsns = append(lsns, e.LSN())
		return nil
	}, 0)
	require.NoError(t, err)
	require.Len(t, lsns, n)
	for i := 1; i < len(lsns); i++ {
		require.Less(t, lsns[i-1], lsns[i], "LSN order within and across files")
	}
}

func TestLogFileManager_FileWindows(t *testing.T) {
	h, dir := newTestHandler(t, 10)
	require.NoError(t, h.Start())
	for i := 0; i < 25; i++ {
		_, err := h.Append(ModuleBufferPool, []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, h.WaitLSN(25))
	require.NoError(t, h.Stop())
	require.NoError(t, h.AwaitTermination())

	// Every entry of a file named with start LSN S lies in [S, S+cap).
	mgr := &LogFileManager{}
	require.NoError(t, mgr.Init(dir, 10))
	files := mgr.ListFiles(0)
	require.NotEmpty(t, files)

	for _, file := range files {
		base := filepath.Base(file)
		numPart := strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), fileSuffix)
		start, err := strconv.ParseInt(numPart, 10, 64)
		require.NoError(t, err)

		reader := &LogFileReader{}
		require.NoError(t, reader.Open(file))
		err = reader.Iterate(func(e *LogEntry) error {
			require.GreaterOrEqual(t, e.LSN(), start)
			require.Less(t, e.LSN(), start+10)
			return nil
		}, 0)
		require.NoError(t, err)
		require.NoError(t, reader.Close())
	}
}

func TestLogFileReader_TornTail(t *testing.T) {
	h, dir := newTestHandler(t, 0)
	require.NoError(t, h.Start())
	for i := 0; i < 5; i++ {
		_, err := h.Append(ModuleTransaction, []byte("entry"))
		require.NoError(t, err)
	}
	require.NoError(t, h.WaitLSN(5))
	require.NoError(t, h.Stop())
	require.NoError(t, h.AwaitTermination())

	// Append garbage to simulate a torn tail.
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	path := filepath.Join(dir, files[0].Name())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	count := 0
	reader := &LogFileReader{}
	require.NoError(t, reader.Open(path))
	require.NoError(t, reader.Iterate(func(e *LogEntry) error {
		count++
		return nil
	}, 0))
	require.NoError(t, reader.Close())
	require.Equal(t, 5, count, "torn tail is treated as end of log")
}

func TestDiskLogHandler_ReplaySeedsLSN(t *testing.T) {
	h, dir := newTestHandler(t, 0)
	require.NoError(t, h.Start())
	for i := 0; i < 7; i++ {
		_, err := h.Append(ModuleRecordManager, []byte("r"))
		require.NoError(t, err)
	}
	require.NoError(t, h.WaitLSN(7))
	require.NoError(t, h.Stop())
	require.NoError(t, h.AwaitTermination())

	h2, err := NewDiskLogHandler(dir, 0, 0)
	require.NoError(t, err)
	count := 0
	require.NoError(t, h2.Replay(replayFunc(func(e *LogEntry) error {
		count++
		return nil
	}), 0))
	require.Equal(t, 7, count)
	require.Equal(t, LSN(7), h2.CurrentLSN())

	// New appends continue the sequence.
	require.NoError(t, h2.Start())
	lsn, err := h2.Append(ModuleRecordManager, []byte("next"))
	require.NoError(t, err)
	require.Equal(t, LSN(8), lsn)
	require.NoError(t, h2.Stop())
	require.NoError(t, h2.AwaitTermination())
}

func TestDiskLogHandler_SyncFlushBeforeStart(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	// Appends before Start are buffered; WaitLSN flushes them inline.
	lsn, err := h.Append(ModuleBufferPool, []byte("early"))
	require.NoError(t, err)
	require.NoError(t, h.WaitLSN(lsn))
	require.GreaterOrEqual(t, h.FlushedLSN(), lsn)
}

type replayFunc func(*LogEntry) error

func (f replayFunc) Replay(e *LogEntry) error { return f(e) }
func (f replayFunc) OnDone() error            { return nil }
