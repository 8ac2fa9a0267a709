// Package trx implements transactions over the table layer. The
// vacuous kit applies operations directly; the MVCC kit stamps every
// row with hidden begin/end transaction ids, answers visibility from
// them, and logs operations so restart recovery can roll back whatever
// never committed.
package trx

import (
	"errors"
	"fmt"

	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/table"
	"github.com/tvhung83/stonesql/internal/wal"
)

// TrxID identifies a transaction. Ids and commit stamps come from one
// monotonically increasing counter, so a commit stamp is larger than
// the id of every transaction concurrent with it.
type TrxID = int32

var (
	// ErrConcurrencyConflict is returned when a write touches a row an
	// uncommitted peer already changed.
	ErrConcurrencyConflict = errors.New("trx: concurrent transaction conflict")

	// ErrTrxNotStarted names the idle-trx condition. No method returns
	// it: operations start an idle transaction on demand, and Commit or
	// Rollback of one that never started returns nil.
	ErrTrxNotStarted = errors.New("trx: transaction not started")
)

// Trx is one transaction.
type Trx interface {
	ID() TrxID

	// StartIfNeed lazily assigns the transaction its id.
	StartIfNeed()

	// InsertRecord writes a row through the transaction; rec.Rid is
	// filled in on success.
	InsertRecord(t *table.Table, rec *record.Record) error

	// DeleteRecord marks (MVCC) or removes (vacuous) a row.
	DeleteRecord(t *table.Table, rec *record.Record) error

	// VisitRecord checks whether this transaction may see (readonly)
	// or change the row; invisible rows yield record.ErrRecordInvisible.
	VisitRecord(t *table.Table, rec *record.Record, readonly bool) error

	Commit() error
	Rollback() error
}

// TrxKit creates transactions and defines the hidden fields they need
// on every table.
type TrxKit interface {
	// TrxFields returns the invisible leading fields every table must
	// carry under this kit.
	TrxFields() []table.FieldSpec

	// CreateTrx starts a fresh transaction.
	CreateTrx(log wal.LogHandler) Trx

	// CreateTrxWithID revives a transaction during recovery.
	CreateTrxWithID(log wal.LogHandler, id TrxID) (Trx, error)

	// DestroyTrx drops a finished transaction.
	DestroyTrx(trx Trx)
}

// NewTrxKit builds the kit named by configuration: "vacuous" or "mvcc".
func NewTrxKit(name string) (TrxKit, error) {
	switch name {
	case "", "vacuous":
		return &VacuousTrxKit{}, nil
	case "mvcc":
		return NewMvccTrxKit(), nil
	default:
		return nil, fmt.Errorf("trx: unknown trx kit %q", name)
	}
}

// ---- vacuous ----

// VacuousTrxKit runs without transaction semantics: operations apply
// immediately and commit/rollback are no-ops.
type VacuousTrxKit struct{}

func (k *VacuousTrxKit) TrxFields() []table.FieldSpec { return nil }

func (k *VacuousTrxKit) CreateTrx(wal.LogHandler) Trx { return &VacuousTrx{} }

func (k *VacuousTrxKit) CreateTrxWithID(_ wal.LogHandler, id TrxID) (Trx, error) {
	return nil, fmt.Errorf("trx: vacuous kit cannot revive trx %d", id)
}

func (k *VacuousTrxKit) DestroyTrx(Trx) {}

type VacuousTrx struct{}

func (t *VacuousTrx) ID() TrxID    { return 0 }
func (t *VacuousTrx) StartIfNeed() {}

func (t *VacuousTrx) InsertRecord(tbl *table.Table, rec *record.Record) error {
	return tbl.InsertRecord(rec)
}

func (t *VacuousTrx) DeleteRecord(tbl *table.Table, rec *record.Record) error {
	return tbl.DeleteRecord(rec)
}

func (t *VacuousTrx) VisitRecord(*table.Table, *record.Record, bool) error { return nil }

func (t *VacuousTrx) Commit() error   { return nil }
func (t *VacuousTrx) Rollback() error { return nil }
