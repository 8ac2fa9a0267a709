package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
)

var (
	ErrShortPageWrite = errors.New("storage: short page write")
)

// Mode selects where block files live.
type Mode int

const (
	// ModeDisk stores pages in regular files.
	ModeDisk Mode = iota
	// ModeMemory stores pages in process memory. Files survive
	// close/reopen within one process, which is what tests need.
	ModeMemory
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "disk":
		return ModeDisk, nil
	case "memory":
		return ModeMemory, nil
	default:
		return ModeDisk, fmt.Errorf("storage: unknown mode %q", s)
	}
}

// Options configures how block files are opened.
type Options struct {
	Mode Mode

	// DirectIO opens disk files with O_DIRECT and routes page I/O
	// through an aligned block. Only meaningful for ModeDisk.
	DirectIO bool
}

// BlockFile is positioned whole-page I/O over one file.
type BlockFile interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
	Size() (int64, error)
}

// OpenBlockFile opens (creating if absent) the block file at path.
func OpenBlockFile(path string, o Options) (BlockFile, error) {
	if o.Mode == ModeMemory {
		return openMemFile(path), nil
	}
	if o.DirectIO {
		f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		return &diskFile{f: f, aligned: directio.AlignedBlock(PageSize)}, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &diskFile{f: f}, nil
}

// RemoveBlockFile deletes the block file at path.
func RemoveBlockFile(path string, o Options) error {
	if o.Mode == ModeMemory {
		removeMemFile(path)
		return nil
	}
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// BlockFileExists reports whether the block file at path exists.
func BlockFileExists(path string, o Options) bool {
	if o.Mode == ModeMemory {
		return memFileExists(path)
	}
	_, err := os.Stat(path)
	return err == nil
}

// ---- disk ----

type diskFile struct {
	f *os.File

	// aligned is non-nil when the file is opened O_DIRECT; page I/O is
	// staged through it because O_DIRECT needs aligned memory, not just
	// aligned offsets.
	mu      sync.Mutex
	aligned []byte
}

func (d *diskFile) ReadAt(p []byte, off int64) (int, error) {
	if d.aligned != nil && len(p) == PageSize {
		d.mu.Lock()
		defer d.mu.Unlock()
		n, err := d.f.ReadAt(d.aligned, off)
		copy(p, d.aligned[:n])
		return n, err
	}
	return d.f.ReadAt(p, off)
}

func (d *diskFile) WriteAt(p []byte, off int64) (int, error) {
	if d.aligned != nil && len(p) == PageSize {
		d.mu.Lock()
		defer d.mu.Unlock()
		copy(d.aligned, p)
		return d.f.WriteAt(d.aligned, off)
	}
	return d.f.WriteAt(p, off)
}

func (d *diskFile) Sync() error  { return d.f.Sync() }
func (d *diskFile) Close() error { return d.f.Close() }

func (d *diskFile) Size() (int64, error) {
	info, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ---- memory ----

// memRegistry keeps in-memory files addressable by path so that a
// close/reopen cycle sees the same bytes.
var memRegistry = struct {
	sync.Mutex
	files map[string]*memFile
}{files: make(map[string]*memFile)}

type memFile struct {
	mu sync.Mutex
	f  *memfile.File
}

func memKey(path string) string { return filepath.Clean(path) }

func openMemFile(path string) *memFile {
	memRegistry.Lock()
	defer memRegistry.Unlock()
	f, ok := memRegistry.files[memKey(path)]
	if !ok {
		f = &memFile{f: memfile.New(nil)}
		memRegistry.files[memKey(path)] = f
	}
	return f
}

func removeMemFile(path string) {
	memRegistry.Lock()
	defer memRegistry.Unlock()
	delete(memRegistry.files, memKey(path))
}

func memFileExists(path string) bool {
	memRegistry.Lock()
	defer memRegistry.Unlock()
	_, ok := memRegistry.files[memKey(path)]
	return ok
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.ReadAt(p, off)
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.WriteAt(p, off)
}

func (m *memFile) Sync() error  { return nil }
func (m *memFile) Close() error { return nil }

func (m *memFile) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.f.Bytes())), nil
}
