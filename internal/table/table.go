package table

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/tvhung83/stonesql/internal/btree"
	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/wal"
)

// Index is one open B+Tree over a table field.
type Index struct {
	Meta  IndexMeta
	Field FieldMeta
	Tree  *btree.BplusTreeHandler
}

// entryKey extracts the indexed field's bytes from a row image.
func (ix *Index) entryKey(data []byte) []byte {
	return data[ix.Field.Offset : ix.Field.Offset+ix.Field.Len]
}

// Table owns its record file handler and index handlers. Callers hold
// the table for its lifetime; records are addressed by RID.
type Table struct {
	dir  string
	meta *TableMeta

	bpm  *bufferpool.BufferPoolManager
	wal  wal.LogHandler
	pool *bufferpool.DiskBufferPool
	rfh  *record.RecordFileHandler

	indexes []*Index
}

func dataPath(dir, name string) string  { return filepath.Join(dir, name+".data") }
func metaPath(dir, name string) string  { return filepath.Join(dir, name+".meta.yaml") }
func indexPath(dir, table, index string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.idx", table, index))
}

// MetaPathFor is used by the database layer to enumerate tables.
func MetaPathFor(dir, name string) string { return metaPath(dir, name) }

// CreateTable creates the metadata and data files of a new table.
func CreateTable(
	bpm *bufferpool.BufferPoolManager,
	walHandler wal.LogHandler,
	dir string,
	tableID int32,
	name string,
	trxFields, userFields []FieldSpec,
	format record.StorageFormat,
) (*Table, error) {
	meta, err := NewTableMeta(tableID, name, trxFields, userFields, format)
	if err != nil {
		return nil, err
	}
	if err := meta.Save(metaPath(dir, name)); err != nil {
		return nil, err
	}
	pool, err := bpm.OpenFile(dataPath(dir, name))
	if err != nil {
		return nil, err
	}
	t := &Table{dir: dir, meta: meta, bpm: bpm, wal: walHandler, pool: pool}
	if err := t.openRecordHandler(); err != nil {
		return nil, err
	}
	slog.Info("table: created", "name", name, "tableID", tableID, "format", format.String())
	return t, nil
}

// OpenTable opens an existing table. Pools already opened by the
// database (for WAL replay) are reused.
func OpenTable(
	bpm *bufferpool.BufferPoolManager,
	walHandler wal.LogHandler,
	dir string,
	name string,
) (*Table, error) {
	meta, err := LoadTableMeta(metaPath(dir, name))
	if err != nil {
		return nil, err
	}
	pool, err := openOrReuse(bpm, dataPath(dir, name))
	if err != nil {
		return nil, err
	}
	t := &Table{dir: dir, meta: meta, bpm: bpm, wal: walHandler, pool: pool}
	if err := t.openRecordHandler(); err != nil {
		return nil, err
	}
	for _, im := range meta.Indexes {
		if err := t.openIndex(im); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func openOrReuse(bpm *bufferpool.BufferPoolManager, path string) (*bufferpool.DiskBufferPool, error) {
	if pool := bpm.PoolByName(path); pool != nil {
		return pool, nil
	}
	return bpm.OpenFile(path)
}

func (t *Table) openRecordHandler() error {
	rfh, err := record.OpenRecordFileHandler(
		t.pool, t.wal, t.meta.StorageFormat, t.meta.RecordSize, t.meta.ColumnLens())
	if err != nil {
		return err
	}
	t.rfh = rfh
	return nil
}

func (t *Table) openIndex(im IndexMeta) error {
	field, err := t.meta.Field(im.FieldName)
	if err != nil {
		return err
	}
	pool, err := openOrReuse(t.bpm, indexPath(t.dir, t.meta.Name, im.Name))
	if err != nil {
		return err
	}
	tree, err := btree.OpenBplusTree(pool, t.wal)
	if err != nil {
		return err
	}
	t.indexes = append(t.indexes, &Index{Meta: im, Field: *field, Tree: tree})
	return nil
}

func (t *Table) Meta() *TableMeta                       { return t.meta }
func (t *Table) TableID() int32                         { return t.meta.TableID }
func (t *Table) Name() string                           { return t.meta.Name }
func (t *Table) Pool() *bufferpool.DiskBufferPool       { return t.pool }
func (t *Table) RecordHandler() *record.RecordFileHandler { return t.rfh }

// CreateIndex builds a new index over field and backfills it from the
// existing rows. internalMax/leafMax of zero derive fan-out from the
// page size.
func (t *Table) CreateIndex(name, fieldName string, internalMax, leafMax int32) error {
	if t.meta.Index(name) != nil {
		return fmt.Errorf("table: index %s.%s already exists", t.meta.Name, name)
	}
	field, err := t.meta.Field(fieldName)
	if err != nil {
		return err
	}

	pool, err := t.bpm.OpenFile(indexPath(t.dir, t.meta.Name, name))
	if err != nil {
		return err
	}
	tree, err := btree.CreateBplusTree(pool, t.wal, field.Type, field.Len, internalMax, leafMax)
	if err != nil {
		return err
	}
	ix := &Index{Meta: IndexMeta{Name: name, FieldName: fieldName}, Field: *field, Tree: tree}

	// Backfill from every existing row, visibility ignored: the index
	// covers all versions and readers re-check rows they fetch.
	scanner := t.rfh.OpenScanner(nil, nil)
	defer scanner.Close()
	for {
		rec, err := scanner.Next()
		if errors.Is(err, record.ErrRecordEOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := ix.Tree.InsertEntry(ix.entryKey(rec.Data), rec.Rid); err != nil {
			return err
		}
	}

	t.indexes = append(t.indexes, ix)
	t.meta.Indexes = append(t.meta.Indexes, ix.Meta)
	return t.meta.Save(metaPath(t.dir, t.meta.Name))
}

// Indexes returns the open index handles.
func (t *Table) Indexes() []*Index { return t.indexes }

// IndexByField finds an index covering fieldName.
func (t *Table) IndexByField(fieldName string) *Index {
	for _, ix := range t.indexes {
		if ix.Meta.FieldName == fieldName {
			return ix
		}
	}
	return nil
}

// InsertRecord places a row in the heap and in every index. When an
// index insert fails (duplicate key), the entries inserted into the
// earlier indexes are rolled back and the heap record removed before
// the error returns.
func (t *Table) InsertRecord(rec *record.Record) error {
	if int32(len(rec.Data)) != t.meta.RecordSize {
		return fmt.Errorf("%w: row size %d, want %d",
			record.ErrRecordInvalidArgument, len(rec.Data), t.meta.RecordSize)
	}
	rid, err := t.rfh.InsertRecord(rec.Data)
	if err != nil {
		return err
	}
	rec.Rid = rid

	for i, ix := range t.indexes {
		if err := ix.Tree.InsertEntry(ix.entryKey(rec.Data), rid); err != nil {
			for j := i - 1; j >= 0; j-- {
				prev := t.indexes[j]
				if derr := prev.Tree.DeleteEntry(prev.entryKey(rec.Data), rid); derr != nil {
					slog.Warn("table: index rollback failed",
						"table", t.meta.Name, "index", prev.Meta.Name, "rid", rid.String(), "err", derr)
				}
			}
			if derr := t.rfh.DeleteRecord(rid, false); derr != nil {
				slog.Warn("table: heap rollback failed",
					"table", t.meta.Name, "rid", rid.String(), "err", derr)
			}
			return err
		}
	}
	return nil
}

// DeleteRecord removes a row from every index and the heap.
func (t *Table) DeleteRecord(rec *record.Record) error {
	for _, ix := range t.indexes {
		if err := ix.Tree.DeleteEntry(ix.entryKey(rec.Data), rec.Rid); err != nil {
			if !errors.Is(err, btree.ErrKeyNotExist) {
				return err
			}
		}
	}
	return t.rfh.DeleteRecord(rec.Rid, false)
}

// GetRecord returns an owned copy of the row at rid.
func (t *Table) GetRecord(rid record.RID) (record.Record, error) {
	return t.rfh.GetRecord(rid)
}

// VisitRecord runs visitor on the row at rid under the page latch; a
// mutating visitor's changes are written back and logged.
func (t *Table) VisitRecord(rid record.RID, readonly bool, visitor func(rec *record.Record) error) error {
	return t.rfh.VisitRecord(rid, readonly, visitor)
}

// OpenScanner scans the heap with an optional condition and the
// transaction's visibility check.
func (t *Table) OpenScanner(cond record.ConditionFunc, visible record.VisibilityFunc) *record.RecordFileScanner {
	return t.rfh.OpenScanner(cond, visible)
}

// OpenChunkScanner batch-reads PAX pages.
func (t *Table) OpenChunkScanner() *record.ChunkFileScanner {
	return t.rfh.OpenChunkScanner()
}

// Sync flushes the table's dirty pages, its indexes and its metadata.
func (t *Table) Sync() error {
	if err := t.pool.FlushAllPages(); err != nil {
		return err
	}
	for _, ix := range t.indexes {
		if err := ix.Tree.Sync(); err != nil {
			return err
		}
	}
	return t.meta.Save(metaPath(t.dir, t.meta.Name))
}
