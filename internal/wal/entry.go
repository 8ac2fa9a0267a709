// Package wal implements the write-ahead log: an in-memory entry buffer
// with a byte budget, append-only LSN-named log files, a background
// flusher, and replay iteration for restart recovery.
package wal

import (
	"errors"
	"fmt"

	"github.com/tvhung83/stonesql/internal/bx"
)

// LSN is a log sequence number. LSNs are assigned from 1 and are
// globally monotonic and gapless; 0 means "no entry".
type LSN = int64

var (
	ErrLogFileFull     = errors.New("wal: log file is full")
	ErrLogEntryInvalid = errors.New("wal: invalid log entry")
	ErrHandlerStopped  = errors.New("wal: log handler is stopped")
)

// Module identifies which subsystem owns a log entry's payload. The
// payload is opaque to the log layer; recovery dispatches on this id.
type Module int32

const (
	ModuleBufferPool Module = iota
	ModuleRecordManager
	ModuleBplusTree
	ModuleTransaction
)

func (m Module) String() string {
	switch m {
	case ModuleBufferPool:
		return "BUFFER_POOL"
	case ModuleRecordManager:
		return "RECORD_MANAGER"
	case ModuleBplusTree:
		return "BPLUS_TREE"
	case ModuleTransaction:
		return "TRANSACTION"
	default:
		return fmt.Sprintf("MODULE(%d)", int32(m))
	}
}

const (
	// HeaderSize is the fixed size of the on-disk entry header:
	// lsn (8) + module (4) + payload size (4).
	HeaderSize = 16

	// maxPayloadSize bounds what the reader will accept. A header
	// declaring a larger payload is treated as a torn tail.
	maxPayloadSize = 4 * 1024 * 1024
)

// LogEntry is one WAL record: a header and an opaque payload.
type LogEntry struct {
	lsn     LSN
	module  Module
	payload []byte
}

func NewLogEntry(module Module, payload []byte) *LogEntry {
	return &LogEntry{module: module, payload: payload}
}

func (e *LogEntry) LSN() LSN        { return e.lsn }
func (e *LogEntry) Module() Module  { return e.module }
func (e *LogEntry) Payload() []byte { return e.payload }
func (e *LogEntry) PayloadSize() int32 {
	return int32(len(e.payload))
}

// TotalSize is header plus payload, the entry's footprint both in the
// buffer byte budget and on disk.
func (e *LogEntry) TotalSize() int64 {
	return int64(HeaderSize) + int64(len(e.payload))
}

func (e *LogEntry) setLSN(lsn LSN) { e.lsn = lsn }

func (e *LogEntry) String() string {
	return fmt.Sprintf("lsn=%d, module=%s, size=%d", e.lsn, e.module, len(e.payload))
}

// encodeHeader writes the entry header into a HeaderSize-byte buffer.
func (e *LogEntry) encodeHeader(b []byte) {
	bx.PutI64At(b, 0, e.lsn)
	bx.PutI32At(b, 8, int32(e.module))
	bx.PutI32At(b, 12, e.PayloadSize())
}

// decodeHeader parses an entry header; payload is read separately.
func decodeHeader(b []byte) (lsn LSN, module Module, payloadSize int32) {
	return bx.I64At(b, 0), Module(bx.I32At(b, 8)), bx.I32At(b, 12)
}
