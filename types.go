package stonesql

import (
	"github.com/tvhung83/stonesql/internal/btree"
	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/table"
	"github.com/tvhung83/stonesql/internal/trx"
)

// Re-exports so callers only import the root package.

type (
	Table     = table.Table
	FieldSpec = table.FieldSpec
	FieldMeta = table.FieldMeta
	TableMeta = table.TableMeta
	Index     = table.Index

	Record = record.Record
	RID    = record.RID

	Trx   = trx.Trx
	TrxID = trx.TrxID

	BplusTreeScanner = btree.BplusTreeScanner
)

const (
	AttrInt    = record.AttrInt
	AttrBigint = record.AttrBigint
	AttrFloat  = record.AttrFloat
	AttrChars  = record.AttrChars

	RowFormat = record.RowFormat
	PaxFormat = record.PaxFormat
)

var (
	// ErrRecordEOF ends scans.
	ErrRecordEOF = record.ErrRecordEOF

	// ErrRecordInvisible marks a row outside a transaction's snapshot.
	ErrRecordInvisible = record.ErrRecordInvisible

	// ErrLockedNeedWait asks the caller to retry a tree scan.
	ErrLockedNeedWait = btree.ErrLockedNeedWait

	// ErrDuplicateKey is returned by index inserts.
	ErrDuplicateKey = btree.ErrDuplicateKey
)

// Visibility builds the scanner hook that applies a transaction's
// snapshot to a table scan.
func Visibility(t Trx, tbl *Table) record.VisibilityFunc {
	return trx.Visibility(t, tbl)
}
