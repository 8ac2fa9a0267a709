package wal

import (
	"fmt"
	"sync"
)

// DefaultBufferBytes caps the in-memory entry queue. A single oversized
// entry is still admitted, so the true ceiling is budget + one entry.
const DefaultBufferBytes = 4 * 1024 * 1024

// LogEntryBuffer is the append side of the WAL: producers append under
// a mutex that also assigns the next LSN; the flusher drains entries in
// LSN order and advances the flushed watermark.
type LogEntryBuffer struct {
	mu        sync.Mutex
	spaceCond *sync.Cond // signalled when bytes drop below the budget
	flushCond *sync.Cond // signalled when flushedLSN advances or the buffer closes

	entries []*LogEntry
	bytes   int64
	maxBytes int64

	currentLSN LSN
	flushedLSN LSN

	closed bool
}

func NewLogEntryBuffer() *LogEntryBuffer {
	b := &LogEntryBuffer{maxBytes: DefaultBufferBytes}
	b.spaceCond = sync.NewCond(&b.mu)
	b.flushCond = sync.NewCond(&b.mu)
	return b
}

// Init seeds the LSN counters, usually with the max LSN seen during
// replay so new entries continue the sequence.
func (b *LogEntryBuffer) Init(lsn LSN, maxBytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentLSN = lsn
	b.flushedLSN = lsn
	if maxBytes > 0 {
		b.maxBytes = maxBytes
	}
}

// Append assigns the next LSN to a new entry and queues it. The caller
// blocks while the buffer is over its byte budget.
func (b *LogEntryBuffer) Append(module Module, payload []byte) (LSN, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty payload", ErrLogEntryInvalid)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.bytes >= b.maxBytes && !b.closed {
		b.spaceCond.Wait()
	}
	if b.closed {
		return 0, ErrHandlerStopped
	}

	entry := NewLogEntry(module, payload)
	b.currentLSN++
	entry.setLSN(b.currentLSN)

	b.entries = append(b.entries, entry)
	b.bytes += entry.TotalSize()
	return entry.lsn, nil
}

// Flush drains queued entries into writer in LSN order. On a write
// error the failed entry is pushed back to the front so no LSN is ever
// skipped. The flushed watermark only advances after writer.Sync, which
// is what makes WaitLSN a durability barrier.
func (b *LogEntryBuffer) Flush(writer *LogFileWriter) (int, error) {
	count := 0
	var lastWritten LSN

	var flushErr error
	for {
		b.mu.Lock()
		if len(b.entries) == 0 {
			b.mu.Unlock()
			break
		}
		entry := b.entries[0]
		b.entries = b.entries[1:]
		b.bytes -= entry.TotalSize()
		b.spaceCond.Broadcast()
		b.mu.Unlock()

		if err := writer.Write(entry); err != nil {
			// Put it back; the handler retries or rotates the file.
			b.mu.Lock()
			b.entries = append([]*LogEntry{entry}, b.entries...)
			b.bytes += entry.TotalSize()
			b.mu.Unlock()
			flushErr = err
			break
		}
		count++
		lastWritten = entry.lsn
	}

	if count > 0 {
		if err := writer.Sync(); err != nil {
			return count, err
		}
		b.mu.Lock()
		if lastWritten > b.flushedLSN {
			b.flushedLSN = lastWritten
		}
		b.flushCond.Broadcast()
		b.mu.Unlock()
	}
	return count, flushErr
}

// WaitFlushed blocks until the flushed watermark reaches lsn. It fails
// with ErrHandlerStopped when the buffer closes first.
func (b *LogEntryBuffer) WaitFlushed(lsn LSN) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.flushedLSN < lsn && !b.closed {
		b.flushCond.Wait()
	}
	if b.flushedLSN >= lsn {
		return nil
	}
	return ErrHandlerStopped
}

// Close wakes every waiter; further appends fail.
func (b *LogEntryBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.spaceCond.Broadcast()
	b.flushCond.Broadcast()
}

func (b *LogEntryBuffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

func (b *LogEntryBuffer) EntryNumber() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *LogEntryBuffer) CurrentLSN() LSN {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLSN
}

func (b *LogEntryBuffer) FlushedLSN() LSN {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushedLSN
}
