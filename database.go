// Package stonesql is a storage engine for a small relational
// database: a buffer pool with frame latching and a double-write
// buffer, a write-ahead log, a slotted-page record manager, B+Tree
// indexes with crabbing latches, and MVCC transactions with WAL-based
// restart recovery.
package stonesql

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tvhung83/stonesql/internal/btree"
	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/table"
	"github.com/tvhung83/stonesql/internal/trx"
	"github.com/tvhung83/stonesql/internal/wal"
)

var (
	ErrTableExists   = errors.New("stonesql: table already exists")
	ErrTableNotExist = errors.New("stonesql: table does not exist")
)

const (
	dbMetaFile  = "db.meta.yaml"
	walDirName  = "wal"
	dblwrFile   = "dblwr.db"
	metaSuffix  = ".meta.yaml"
)

type dbMeta struct {
	InstanceID  string `yaml:"instance_id"`
	NextTableID int32  `yaml:"next_table_id"`
}

// Db is one database directory: its tables, buffer pools, WAL and
// transaction kit. Open replays the log before serving anything.
type Db struct {
	dir string
	cfg *EngineConfig

	instanceID uuid.UUID
	logHandler wal.LogHandler
	bpm        *bufferpool.BufferPoolManager
	trxKit     trx.TrxKit
	mvccKit    *trx.MvccTrxKit // nil for the vacuous kit

	mu          sync.Mutex
	tables      map[string]*table.Table
	tablesByID  map[int32]*table.Table
	nextTableID int32
}

// Open opens (creating if needed) the database at dir and runs restart
// recovery before returning.
func Open(dir string, cfg *EngineConfig) (*Db, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stonesql: mkdir %s: %w", dir, err)
	}

	mode, err := storage.ParseMode(cfg.Storage.Mode)
	if err != nil {
		return nil, err
	}
	opts := storage.Options{Mode: mode, DirectIO: cfg.Storage.DirectIO}

	db := &Db{
		dir:        dir,
		cfg:        cfg,
		tables:     make(map[string]*table.Table),
		tablesByID: make(map[int32]*table.Table),
	}
	if err := db.loadOrCreateMeta(); err != nil {
		return nil, err
	}

	// WAL handler.
	switch cfg.Wal.Handler {
	case "", "disk":
		h, err := wal.NewDiskLogHandler(filepath.Join(dir, walDirName), cfg.Wal.EntriesPerFile, cfg.Wal.BufferBytes)
		if err != nil {
			return nil, err
		}
		db.logHandler = h
	case "vacuous":
		db.logHandler = wal.VacuousLogHandler{}
	default:
		return nil, fmt.Errorf("stonesql: unknown wal handler %q", cfg.Wal.Handler)
	}

	// Buffer pool manager with the shared double-write buffer.
	db.bpm = bufferpool.NewBufferPoolManager(opts, cfg.BufferPool.FrameCount)
	var dblwr bufferpool.DoubleWriteBuffer
	if cfg.BufferPool.DoubleWrite {
		d := bufferpool.NewDiskDoubleWriteBuffer(db.bpm, cfg.BufferPool.DoubleWriteThreshold)
		if err := d.OpenFile(filepath.Join(dir, dblwrFile), opts); err != nil {
			return nil, err
		}
		dblwr = d
	} else {
		dblwr = bufferpool.VacuousDoubleWriteBuffer{}
	}
	db.bpm.Init(db.logHandler, dblwr)

	// Transaction kit.
	db.trxKit, err = trx.NewTrxKit(cfg.Trx.Kit)
	if err != nil {
		return nil, err
	}
	if kit, ok := db.trxKit.(*trx.MvccTrxKit); ok {
		db.mvccKit = kit
	}

	if err := db.recoverAndOpenTables(); err != nil {
		return nil, err
	}

	slog.Info("stonesql: database opened",
		"dir", dir, "instance", db.instanceID.String(),
		"tables", len(db.tables), "trxKit", cfg.Trx.Kit, "wal", cfg.Wal.Handler)
	return db, nil
}

func (db *Db) loadOrCreateMeta() error {
	path := filepath.Join(db.dir, dbMetaFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		var meta dbMeta
		if err := yaml.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("stonesql: unmarshal db meta: %w", err)
		}
		db.instanceID, err = uuid.Parse(meta.InstanceID)
		if err != nil {
			return fmt.Errorf("stonesql: parse instance id: %w", err)
		}
		db.nextTableID = meta.NextTableID
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	db.instanceID = uuid.New()
	db.nextTableID = 0
	return db.saveMeta()
}

func (db *Db) saveMeta() error {
	out, err := yaml.Marshal(dbMeta{
		InstanceID:  db.instanceID.String(),
		NextTableID: db.nextTableID,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(db.dir, dbMetaFile), out, 0o644)
}

// listTableNames enumerates tables by their metadata files.
func (db *Db) listTableNames() ([]string, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, de := range entries {
		name := de.Name()
		if name == dbMetaFile || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, metaSuffix))
	}
	return names, nil
}

// recoverAndOpenTables opens every table's files so their pools are
// addressable, replays the whole log from LSN 0 through the composite
// replayer, builds the table handlers over the recovered pages, and
// only then finalises each module replayer and starts the WAL.
func (db *Db) recoverAndOpenTables() error {
	names, err := db.listTableNames()
	if err != nil {
		return err
	}

	// Phase 1: pools only, so WAL entries can address them by id.
	for _, name := range names {
		meta, err := table.LoadTableMeta(table.MetaPathFor(db.dir, name))
		if err != nil {
			return err
		}
		if _, err := db.bpm.OpenFile(filepath.Join(db.dir, name+".data")); err != nil {
			return err
		}
		for _, im := range meta.Indexes {
			if _, err := db.bpm.OpenFile(filepath.Join(db.dir, fmt.Sprintf("%s_%s.idx", name, im.Name))); err != nil {
				return err
			}
		}
	}

	// Phase 2: replay. There is no checkpoint; the whole log replays.
	replayer := db.newIntegratedReplayer()
	if err := db.logHandler.Replay(replayer, 0); err != nil {
		return fmt.Errorf("stonesql: replay log: %w", err)
	}

	// Tables need to exist before OnDone: the MVCC replayer rolls
	// back unfinished transactions through them.
	for _, name := range names {
		t, err := table.OpenTable(db.bpm, db.logHandler, db.dir, name)
		if err != nil {
			return err
		}
		db.tables[name] = t
		db.tablesByID[t.TableID()] = t
		if t.TableID() >= db.nextTableID {
			db.nextTableID = t.TableID() + 1
		}
	}

	if err := replayer.OnDone(); err != nil {
		return fmt.Errorf("stonesql: finalize replay: %w", err)
	}
	return db.logHandler.Start()
}

// Close flushes everything and stops the WAL.
func (db *Db) Close() error {
	db.mu.Lock()
	for _, t := range db.tables {
		if err := t.Sync(); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	db.mu.Unlock()

	if err := db.bpm.Close(); err != nil {
		return err
	}
	if err := db.logHandler.Stop(); err != nil {
		return err
	}
	if err := db.logHandler.AwaitTermination(); err != nil {
		return err
	}
	return db.saveMeta()
}

// CreateTable creates a table with the given visible fields; the
// transaction kit's hidden fields are prepended automatically.
func (db *Db) CreateTable(name string, fields []table.FieldSpec, format record.StorageFormat) (*table.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.tables[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	tableID := db.nextTableID
	db.nextTableID++

	t, err := table.CreateTable(db.bpm, db.logHandler, db.dir, tableID, name,
		db.trxKit.TrxFields(), fields, format)
	if err != nil {
		return nil, err
	}
	db.tables[name] = t
	db.tablesByID[tableID] = t
	if err := db.saveMeta(); err != nil {
		return nil, err
	}
	return t, nil
}

// Table returns an open table by name.
func (db *Db) Table(name string) (*table.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tables[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTableNotExist, name)
}

// TableByID implements trx.TableResolver for the MVCC log replayer.
func (db *Db) TableByID(id int32) *table.Table {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tablesByID[id]
}

// CreateTrx starts a transaction from the configured kit.
func (db *Db) CreateTrx() trx.Trx {
	return db.trxKit.CreateTrx(db.logHandler)
}

// TrxKit exposes the configured transaction kit.
func (db *Db) TrxKit() trx.TrxKit { return db.trxKit }

// LogHandler exposes the WAL, mostly for tests and tooling.
func (db *Db) LogHandler() wal.LogHandler { return db.logHandler }

// BufferPoolManager exposes the pool manager, mostly for tests.
func (db *Db) BufferPoolManager() *bufferpool.BufferPoolManager { return db.bpm }

// InstanceID identifies this database instance across restarts.
func (db *Db) InstanceID() uuid.UUID { return db.instanceID }

// Sync flushes every table and the double-write buffer.
func (db *Db) Sync() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, t := range db.tables {
		if err := t.Sync(); err != nil {
			return err
		}
	}
	return db.bpm.FlushAll()
}

// integratedLogReplayer fans each log entry out to the module that
// owns it.
type integratedLogReplayer struct {
	bufferPool *bufferpool.BufferPoolLogReplayer
	record     *record.RecordLogReplayer
	btree      *btree.BplusTreeLogReplayer
	trx        wal.LogReplayer
}

func (db *Db) newIntegratedReplayer() *integratedLogReplayer {
	r := &integratedLogReplayer{
		bufferPool: &bufferpool.BufferPoolLogReplayer{Manager: db.bpm},
		record:     &record.RecordLogReplayer{Manager: db.bpm},
		btree:      &btree.BplusTreeLogReplayer{Manager: db.bpm},
	}
	if db.mvccKit != nil {
		r.trx = trx.NewMvccTrxLogReplayer(db, db.mvccKit, db.logHandler)
	}
	return r
}

func (r *integratedLogReplayer) Replay(entry *wal.LogEntry) error {
	switch entry.Module() {
	case wal.ModuleBufferPool:
		return r.bufferPool.Replay(entry)
	case wal.ModuleRecordManager:
		return r.record.Replay(entry)
	case wal.ModuleBplusTree:
		return r.btree.Replay(entry)
	case wal.ModuleTransaction:
		if r.trx == nil {
			slog.Warn("stonesql: transaction log entry with no trx replayer, skipped", "lsn", entry.LSN())
			return nil
		}
		return r.trx.Replay(entry)
	default:
		return fmt.Errorf("stonesql: log entry for unknown module %d", entry.Module())
	}
}

func (r *integratedLogReplayer) OnDone() error {
	if err := r.bufferPool.OnDone(); err != nil {
		return err
	}
	if err := r.record.OnDone(); err != nil {
		return err
	}
	if err := r.btree.OnDone(); err != nil {
		return err
	}
	if r.trx != nil {
		return r.trx.OnDone()
	}
	return nil
}
