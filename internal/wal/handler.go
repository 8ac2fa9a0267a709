package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LogReplayer is implemented by every module that owns a log stream.
// Replay is called for each entry during recovery; OnDone runs after
// the log is exhausted (MVCC uses it to roll back unfinished
// transactions).
type LogReplayer interface {
	Replay(entry *LogEntry) error
	OnDone() error
}

// LogHandler is the engine's WAL surface. Appends are buffered in
// memory and flushed to disk by a background goroutine in LSN order;
// WaitLSN is the durability barrier.
type LogHandler interface {
	Start() error
	Stop() error
	AwaitTermination() error

	Append(module Module, payload []byte) (LSN, error)
	WaitLSN(lsn LSN) error

	Replay(replayer LogReplayer, startLSN LSN) error
	Iterate(consumer func(*LogEntry) error, startLSN LSN) error

	CurrentLSN() LSN
	FlushedLSN() LSN
}

// ---- disk ----

// DiskLogHandler persists the log to LSN-named files in a directory.
type DiskLogHandler struct {
	buffer      *LogEntryBuffer
	fileManager *LogFileManager

	running atomic.Bool
	signal  chan struct{} // wakes the flusher after an append
	done    chan struct{}

	wg sync.WaitGroup
}

func NewDiskLogHandler(dir string, entriesPerFile int, maxBufferBytes int64) (*DiskLogHandler, error) {
	h := &DiskLogHandler{
		buffer:      NewLogEntryBuffer(),
		fileManager: &LogFileManager{},
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	h.buffer.Init(0, maxBufferBytes)
	if err := h.fileManager.Init(dir, entriesPerFile); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *DiskLogHandler) Start() error {
	if h.running.Swap(true) {
		return fmt.Errorf("wal: log handler already started")
	}
	h.wg.Add(1)
	go h.flushLoop()
	slog.Info("wal: log handler started")
	return nil
}

func (h *DiskLogHandler) Stop() error {
	if !h.running.Swap(false) {
		return fmt.Errorf("wal: log handler is not running")
	}
	close(h.done)
	return nil
}

// AwaitTermination waits for the flusher to drain remaining entries and
// exit. Call after Stop.
func (h *DiskLogHandler) AwaitTermination() error {
	if h.running.Load() {
		return fmt.Errorf("wal: log handler is still running")
	}
	h.wg.Wait()
	h.buffer.Close()
	slog.Info("wal: log handler joined")
	return nil
}

// Append queues an entry. Appends are accepted before Start too:
// recovery's own log records (uncommitted-transaction rollbacks) are
// buffered and flushed once the flusher runs.
func (h *DiskLogHandler) Append(module Module, payload []byte) (LSN, error) {
	lsn, err := h.buffer.Append(module, payload)
	if err != nil {
		return 0, err
	}
	// Nudge the flusher; a pending nudge is enough.
	select {
	case h.signal <- struct{}{}:
	default:
	}
	return lsn, nil
}

// WaitLSN blocks until every entry up to lsn is durable on disk. When
// the flusher is not running yet (page evictions during recovery), the
// buffer is flushed synchronously instead.
func (h *DiskLogHandler) WaitLSN(lsn LSN) error {
	if lsn <= 0 {
		return nil
	}
	if !h.running.Load() {
		if err := h.syncFlush(); err != nil {
			return err
		}
		if h.buffer.FlushedLSN() >= lsn {
			return nil
		}
		return ErrHandlerStopped
	}
	return h.buffer.WaitFlushed(lsn)
}

// syncFlush drains the buffer inline, rotating files as needed. Only
// used while the flusher goroutine is not running.
func (h *DiskLogHandler) syncFlush() error {
	writer := &LogFileWriter{}
	defer func() { _ = writer.Close() }()

	if err := h.fileManager.LastFile(writer); err != nil {
		return err
	}
	for h.buffer.EntryNumber() > 0 {
		_, err := h.buffer.Flush(writer)
		if errors.Is(err, ErrLogFileFull) {
			if err := h.fileManager.NextFile(writer); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *DiskLogHandler) CurrentLSN() LSN { return h.buffer.CurrentLSN() }
func (h *DiskLogHandler) FlushedLSN() LSN { return h.buffer.FlushedLSN() }

// Replay feeds every entry from startLSN to the replayer. The LSN
// counter is seeded with the log's highest LSN in a first pass, before
// any entry is dispatched: redo faults pages in and may evict others,
// and those evictions wait on LSNs that are already durable.
func (h *DiskLogHandler) Replay(replayer LogReplayer, startLSN LSN) error {
	var maxLSN LSN
	err := h.Iterate(func(entry *LogEntry) error {
		if entry.LSN() > maxLSN {
			maxLSN = entry.LSN()
		}
		return nil
	}, startLSN)
	if err != nil {
		return err
	}
	h.buffer.Init(maxLSN, 0)

	err = h.Iterate(func(entry *LogEntry) error {
		return replayer.Replay(entry)
	}, startLSN)
	if err != nil {
		return err
	}

	slog.Info("wal: replay done", "startLSN", startLSN, "maxLSN", maxLSN)
	return nil
}

func (h *DiskLogHandler) Iterate(consumer func(*LogEntry) error, startLSN LSN) error {
	for _, file := range h.fileManager.ListFiles(startLSN) {
		reader := &LogFileReader{}
		if err := reader.Open(file); err != nil {
			return err
		}
		err := reader.Iterate(consumer, startLSN)
		if cerr := reader.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// flushLoop drains the entry buffer whenever the append path signals.
// It keeps going after Stop until the buffer is empty, then exits.
// I/O errors are retried after a short sleep.
func (h *DiskLogHandler) flushLoop() {
	defer h.wg.Done()
	slog.Debug("wal: flusher started")

	writer := &LogFileWriter{}
	defer func() { _ = writer.Close() }()

	var lastErr error
	for {
		if !writer.Valid() || errors.Is(lastErr, ErrLogFileFull) {
			var err error
			if errors.Is(lastErr, ErrLogFileFull) {
				err = h.fileManager.NextFile(writer)
			} else {
				err = h.fileManager.LastFile(writer)
			}
			if err != nil {
				slog.Warn("wal: failed to open log file, retrying", "err", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			lastErr = nil
		}

		count, err := h.buffer.Flush(writer)
		lastErr = err
		if err != nil && !errors.Is(err, ErrLogFileFull) {
			slog.Warn("wal: failed to flush entries, retrying", "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err != nil {
			continue
		}

		if count == 0 {
			if !h.running.Load() && h.buffer.EntryNumber() == 0 {
				break
			}
			select {
			case <-h.signal:
			case <-h.done:
			}
		}
	}

	slog.Debug("wal: flusher stopped")
}

// ---- vacuous ----

// VacuousLogHandler ignores everything. Selected by configuration when
// durability is not wanted (mostly tests and bulk loads).
type VacuousLogHandler struct{}

func (VacuousLogHandler) Start() error            { return nil }
func (VacuousLogHandler) Stop() error             { return nil }
func (VacuousLogHandler) AwaitTermination() error { return nil }
func (VacuousLogHandler) Append(Module, []byte) (LSN, error) {
	return 0, nil
}
func (VacuousLogHandler) WaitLSN(LSN) error { return nil }
func (VacuousLogHandler) Replay(LogReplayer, LSN) error {
	return nil
}
func (VacuousLogHandler) Iterate(func(*LogEntry) error, LSN) error {
	return nil
}
func (VacuousLogHandler) CurrentLSN() LSN { return 0 }
func (VacuousLogHandler) FlushedLSN() LSN { return 0 }
