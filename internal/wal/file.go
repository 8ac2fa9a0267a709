package wal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	filePrefix = "wal_"
	fileSuffix = ".log"

	// DefaultEntriesPerFile caps how many LSNs one log file may hold.
	DefaultEntriesPerFile = 1000
)

// LogFileWriter appends entries to one log file. The file owns the LSN
// window [start, start+cap); writing an entry past the window fails
// with ErrLogFileFull so the flusher rotates to the next file.
type LogFileWriter struct {
	filename string
	f        *os.File
	endLSN   LSN // last LSN this file may hold
	lastLSN  LSN // last LSN written, for order assertions
}

func (w *LogFileWriter) Open(filename string, endLSN LSN) error {
	if w.f != nil {
		return fmt.Errorf("wal: file %s has been opened", w.filename)
	}
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", filename, err)
	}
	w.filename = filename
	w.f = f
	w.endLSN = endLSN
	return nil
}

func (w *LogFileWriter) Valid() bool { return w.f != nil }

func (w *LogFileWriter) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Write appends one entry: fixed header then payload, in a single
// write so a crash can only truncate the tail.
func (w *LogFileWriter) Write(entry *LogEntry) error {
	if w.f == nil {
		return fmt.Errorf("wal: writer is not open")
	}
	if entry.LSN() > w.endLSN {
		return ErrLogFileFull
	}
	if w.lastLSN > 0 && entry.LSN() != w.lastLSN+1 {
		return fmt.Errorf("%w: lsn %d after %d", ErrLogEntryInvalid, entry.LSN(), w.lastLSN)
	}

	buf := make([]byte, HeaderSize+len(entry.Payload()))
	entry.encodeHeader(buf)
	copy(buf[HeaderSize:], entry.Payload())

	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("wal: write entry %s: %w", entry, err)
	}
	w.lastLSN = entry.LSN()
	return nil
}

func (w *LogFileWriter) Sync() error {
	if w.f == nil {
		return nil
	}
	return w.f.Sync()
}

func (w *LogFileWriter) String() string {
	return fmt.Sprintf("filename=%s, end_lsn=%d", w.filename, w.endLSN)
}

// LogFileReader iterates entries of one log file from a start LSN.
type LogFileReader struct {
	filename string
	f        *os.File
}

func (r *LogFileReader) Open(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", filename, err)
	}
	r.filename = filename
	r.f = f
	return nil
}

func (r *LogFileReader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Iterate calls consumer for each entry whose LSN >= startLSN. A short
// header/payload read or an out-of-range payload size is the torn tail
// of a crash and ends iteration without error.
func (r *LogFileReader) Iterate(consumer func(*LogEntry) error, startLSN LSN) error {
	if r.f == nil {
		return fmt.Errorf("wal: reader is not open")
	}

	hdr := make([]byte, HeaderSize)
	var offset int64
	for {
		if _, err := io.ReadFull(r.f, hdr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("wal: read header at %d: %w", offset, err)
		}
		lsn, module, payloadSize := decodeHeader(hdr)
		if payloadSize <= 0 || payloadSize > maxPayloadSize {
			slog.Debug("wal: stop at invalid payload size, treating as torn tail",
				"file", r.filename, "lsn", lsn, "payloadSize", payloadSize)
			return nil
		}

		payload := make([]byte, payloadSize)
		if _, err := io.ReadFull(r.f, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("wal: read payload at %d: %w", offset, err)
		}
		offset += int64(HeaderSize) + int64(payloadSize)

		if lsn < startLSN {
			continue
		}
		entry := NewLogEntry(module, payload)
		entry.setLSN(lsn)
		if err := consumer(entry); err != nil {
			return err
		}
	}
}

// LogFileManager names log files by the first LSN of their window and
// hands out reader/writer cursors. The file list is mutated only by the
// flushing path (the flusher goroutine, or WaitLSN's inline flush while
// the flusher is not running); every access takes the manager's lock.
type LogFileManager struct {
	mu             sync.Mutex
	dir            string
	entriesPerFile int
	files          map[LSN]string // start LSN -> path
}

func (m *LogFileManager) Init(dir string, entriesPerFile int) error {
	if entriesPerFile <= 0 {
		entriesPerFile = DefaultEntriesPerFile
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("wal: mkdir %s: %w", dir, err)
	}

	m.dir = dir
	m.entriesPerFile = entriesPerFile
	m.files = make(map[LSN]string)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("wal: read dir %s: %w", dir, err)
	}
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		numPart := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		start, err := strconv.ParseInt(numPart, 10, 64)
		if err != nil {
			slog.Warn("wal: skip file with unparsable name", "file", name, "err", err)
			continue
		}
		m.files[start] = filepath.Join(dir, name)
	}

	slog.Debug("wal: file manager initialized", "dir", dir, "files", len(m.files))
	return nil
}

func (m *LogFileManager) fileName(start LSN) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%d%s", filePrefix, start, fileSuffix))
}

func (m *LogFileManager) sortedStarts() []LSN {
	starts := make([]LSN, 0, len(m.files))
	for s := range m.files {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// ListFiles returns, in ascending order, the files whose LSN window
// overlaps [startLSN, +inf).
func (m *LogFileManager) ListFiles(startLSN LSN) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, s := range m.sortedStarts() {
		if s+LSN(m.entriesPerFile) <= startLSN {
			continue
		}
		out = append(out, m.files[s])
	}
	return out
}

// LastFile points writer at the newest file, creating the first file
// when the directory is empty.
func (m *LogFileManager) LastFile(writer *LogFileWriter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_ = writer.Close()
	starts := m.sortedStarts()
	if len(starts) == 0 {
		return m.createLocked(writer, 0)
	}
	last := starts[len(starts)-1]
	return writer.Open(m.files[last], last+LSN(m.entriesPerFile)-1)
}

// NextFile rotates writer to a fresh file one window past the newest.
func (m *LogFileManager) NextFile(writer *LogFileWriter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_ = writer.Close()
	var start LSN
	if starts := m.sortedStarts(); len(starts) > 0 {
		start = starts[len(starts)-1] + LSN(m.entriesPerFile)
	}
	return m.createLocked(writer, start)
}

func (m *LogFileManager) createLocked(writer *LogFileWriter, start LSN) error {
	path := m.fileName(start)
	if err := writer.Open(path, start+LSN(m.entriesPerFile)-1); err != nil {
		return err
	}
	m.files[start] = path
	slog.Debug("wal: opened log file", "file", path, "startLSN", start)
	return nil
}
