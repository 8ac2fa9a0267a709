package bufferpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/wal"
)

var (
	// ErrFileOpened is returned when a file is opened twice.
	ErrFileOpened = errors.New("bufferpool: file already opened")

	// ErrFileNotOpened is returned for operations on unknown files.
	ErrFileNotOpened = errors.New("bufferpool: file not opened")
)

// BufferPoolManager owns one DiskBufferPool per open file plus the
// shared double-write buffer. Pool ids are persisted in the file
// headers so WAL entries and double-write slots stay addressable
// across restarts.
type BufferPoolManager struct {
	options    storage.Options
	capacity   int
	logHandler wal.LogHandler
	dblwr      DoubleWriteBuffer

	mu         sync.Mutex
	byName     map[string]*DiskBufferPool
	byID       map[int32]*DiskBufferPool
	nextPoolID int32
}

func NewBufferPoolManager(options storage.Options, frameCapacity int) *BufferPoolManager {
	if frameCapacity <= 0 {
		frameCapacity = DefaultFrameCount
	}
	return &BufferPoolManager{
		options:    options,
		capacity:   frameCapacity,
		byName:     make(map[string]*DiskBufferPool),
		byID:       make(map[int32]*DiskBufferPool),
		logHandler: wal.VacuousLogHandler{},
		dblwr:      VacuousDoubleWriteBuffer{},
	}
}

// Init wires the WAL handler and double-write buffer. Must run before
// any file is opened.
func (m *BufferPoolManager) Init(logHandler wal.LogHandler, dblwr DoubleWriteBuffer) {
	if logHandler != nil {
		m.logHandler = logHandler
	}
	if dblwr != nil {
		m.dblwr = dblwr
	}
}

func (m *BufferPoolManager) Options() storage.Options         { return m.options }
func (m *BufferPoolManager) DoubleWrite() DoubleWriteBuffer   { return m.dblwr }

// OpenFile opens (creating if absent) the page file at filename and
// returns its pool.
func (m *BufferPoolManager) OpenFile(filename string) (*DiskBufferPool, error) {
	// The manager lock is never held across openPool: flushing an
	// evicted page goes pool -> double-write -> manager, so holding
	// the manager lock while taking a pool's would invert that order.
	m.mu.Lock()
	if _, ok := m.byName[filename]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFileOpened, filename)
	}
	m.mu.Unlock()

	fresh := !storage.BlockFileExists(filename, m.options)
	bf, err := storage.OpenBlockFile(filename, m.options)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: open %s: %w", filename, err)
	}
	pageFile := storage.NewPageFile(bf)

	var id int32
	if fresh {
		m.mu.Lock()
		id = m.nextPoolID
		m.nextPoolID++
		m.mu.Unlock()
	} else {
		// The pool id lives in the file header; peek before framing.
		hdrPage := storage.NewPage()
		if err := pageFile.ReadPage(0, hdrPage); err != nil {
			_ = pageFile.Close()
			return nil, err
		}
		id = bx.I32At(hdrPage.Data(), hdrPoolIDOff)
		m.mu.Lock()
		if id >= m.nextPoolID {
			m.nextPoolID = id + 1
		}
		m.mu.Unlock()
	}

	pool, err := openPool(id, filename, pageFile, m.logHandler, m.dblwr, m.capacity, fresh)
	if err != nil {
		_ = pageFile.Close()
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.byName[filename]; ok {
		m.mu.Unlock()
		_ = pageFile.Close()
		return nil, fmt.Errorf("%w: %s", ErrFileOpened, filename)
	}
	m.byName[filename] = pool
	m.byID[id] = pool
	m.mu.Unlock()
	return pool, nil
}

// CloseFile flushes and closes the pool serving filename.
func (m *BufferPoolManager) CloseFile(filename string) error {
	m.mu.Lock()
	pool, ok := m.byName[filename]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFileNotOpened, filename)
	}
	delete(m.byName, filename)
	delete(m.byID, pool.id)
	m.mu.Unlock()

	return pool.close()
}

// RemoveFile closes the pool and deletes the file.
func (m *BufferPoolManager) RemoveFile(filename string) error {
	if err := m.CloseFile(filename); err != nil && !errors.Is(err, ErrFileNotOpened) {
		return err
	}
	return storage.RemoveBlockFile(filename, m.options)
}

// PoolByName returns the already-open pool serving filename, or nil.
func (m *BufferPoolManager) PoolByName(filename string) *DiskBufferPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[filename]
}

func (m *BufferPoolManager) getPool(id int32) *DiskBufferPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// GetBufferPool returns the pool with the given persistent id.
func (m *BufferPoolManager) GetBufferPool(id int32) (*DiskBufferPool, error) {
	if pool := m.getPool(id); pool != nil {
		return pool, nil
	}
	return nil, fmt.Errorf("%w: pool id %d", ErrFileNotOpened, id)
}

// FlushAll flushes every pool and the double-write buffer.
func (m *BufferPoolManager) FlushAll() error {
	m.mu.Lock()
	pools := make([]*DiskBufferPool, 0, len(m.byName))
	for _, p := range m.byName {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		if err := p.FlushAllPages(); err != nil {
			return err
		}
	}
	return m.dblwr.Flush()
}

// Close closes every pool and the double-write buffer.
func (m *BufferPoolManager) Close() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.CloseFile(name); err != nil {
			slog.Warn("bufferpool: close file failed", "file", name, "err", err)
		}
	}
	return m.dblwr.Close()
}
