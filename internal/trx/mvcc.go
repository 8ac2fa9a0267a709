package trx

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/table"
	"github.com/tvhung83/stonesql/internal/wal"
)

const (
	beginFieldName = "__trx_xid_begin"
	endFieldName   = "__trx_xid_end"

	// MaxTrxID marks "not deleted" in a row's end stamp.
	MaxTrxID TrxID = math.MaxInt32
)

type opType int

const (
	opInsert opType = iota
	opDelete
)

// operation is one row change a transaction must finish at
// commit/rollback time.
type operation struct {
	typ   opType
	table *table.Table
	rid   record.RID
}

// MvccTrxKit hands out transaction ids and the two hidden int32
// columns every table carries: trx_begin and trx_end.
type MvccTrxKit struct {
	trxID atomic.Int32

	mu     sync.Mutex
	trxes  map[TrxID]*MvccTrx
}

func NewMvccTrxKit() *MvccTrxKit {
	return &MvccTrxKit{trxes: make(map[TrxID]*MvccTrx)}
}

func (k *MvccTrxKit) TrxFields() []table.FieldSpec {
	return []table.FieldSpec{
		{Name: beginFieldName, Type: record.AttrInt, Len: 4},
		{Name: endFieldName, Type: record.AttrInt, Len: 4},
	}
}

// nextTrxID serves both transaction ids and commit stamps.
func (k *MvccTrxKit) nextTrxID() TrxID {
	return k.trxID.Add(1)
}

// UpdateMaxTrxID keeps the counter above ids seen in the log during
// recovery.
func (k *MvccTrxKit) UpdateMaxTrxID(id TrxID) {
	for {
		cur := k.trxID.Load()
		if cur >= id || k.trxID.CompareAndSwap(cur, id) {
			return
		}
	}
}

func (k *MvccTrxKit) CreateTrx(log wal.LogHandler) Trx {
	return &MvccTrx{kit: k, log: log}
}

func (k *MvccTrxKit) CreateTrxWithID(log wal.LogHandler, id TrxID) (Trx, error) {
	if id <= 0 {
		return nil, fmt.Errorf("trx: invalid trx id %d", id)
	}
	k.UpdateMaxTrxID(id)
	trx := &MvccTrx{kit: k, log: log, id: id, started: true, recovering: true}
	k.register(trx)
	return trx, nil
}

func (k *MvccTrxKit) DestroyTrx(trx Trx) {
	if m, ok := trx.(*MvccTrx); ok {
		k.unregister(m)
	}
}

func (k *MvccTrxKit) register(trx *MvccTrx) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.trxes[trx.id] = trx
}

func (k *MvccTrxKit) unregister(trx *MvccTrx) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.trxes, trx.id)
}

// MvccTrx is one multi-version transaction. Its id doubles as its
// snapshot: it sees rows committed with a stamp at or below it.
type MvccTrx struct {
	kit *MvccTrxKit
	log wal.LogHandler

	id         TrxID
	started    bool
	recovering bool

	operations []operation
}

func (t *MvccTrx) ID() TrxID { return t.id }

func (t *MvccTrx) StartIfNeed() {
	if t.started {
		return
	}
	t.id = t.kit.nextTrxID()
	t.started = true
	t.kit.register(t)
	slog.Debug("trx: started", "trxID", t.id)
}

func readStamps(meta *table.TableMeta, data []byte) (begin, end TrxID) {
	fields := meta.TrxFields()
	return bx.I32At(data, int(fields[0].Offset)), bx.I32At(data, int(fields[1].Offset))
}

func writeBegin(meta *table.TableMeta, data []byte, v TrxID) {
	bx.PutI32At(data, int(meta.TrxFields()[0].Offset), v)
}

func writeEnd(meta *table.TableMeta, data []byte, v TrxID) {
	bx.PutI32At(data, int(meta.TrxFields()[1].Offset), v)
}

// InsertRecord stamps the hidden columns (begin = -trx, end = +inf),
// inserts the row, and logs the operation. A failed log append undoes
// the insert.
func (t *MvccTrx) InsertRecord(tbl *table.Table, rec *record.Record) error {
	t.StartIfNeed()

	writeBegin(tbl.Meta(), rec.Data, -t.id)
	writeEnd(tbl.Meta(), rec.Data, MaxTrxID)

	if err := tbl.InsertRecord(rec); err != nil {
		return err
	}
	if err := t.appendRecordLog(mvccLogInsert, tbl, rec.Rid); err != nil {
		if derr := tbl.DeleteRecord(rec); derr != nil {
			slog.Warn("trx: undo of unlogged insert failed",
				"trxID", t.id, "table", tbl.Name(), "rid", rec.Rid.String(), "err", derr)
		}
		return err
	}
	t.operations = append(t.operations, operation{typ: opInsert, table: tbl, rid: rec.Rid})
	return nil
}

// DeleteRecord stamps the row's end column with -trx after checking
// for conflicts, and logs the operation. The row stays in place until
// commit.
func (t *MvccTrx) DeleteRecord(tbl *table.Table, rec *record.Record) error {
	t.StartIfNeed()

	err := tbl.VisitRecord(rec.Rid, false, func(r *record.Record) error {
		if err := t.checkVisit(tbl.Meta(), r.Data, false); err != nil {
			return err
		}
		writeEnd(tbl.Meta(), r.Data, -t.id)
		return nil
	})
	if err != nil {
		return err
	}
	if err := t.appendRecordLog(mvccLogDelete, tbl, rec.Rid); err != nil {
		return err
	}
	t.operations = append(t.operations, operation{typ: opDelete, table: tbl, rid: rec.Rid})
	return nil
}

// VisitRecord applies the visibility rule for this transaction.
func (t *MvccTrx) VisitRecord(tbl *table.Table, rec *record.Record, readonly bool) error {
	t.StartIfNeed()
	return t.checkVisit(tbl.Meta(), rec.Data, readonly)
}

// checkVisit decides visibility from the begin/end stamps. Committed
// stamps are positive; a negative stamp names the uncommitted owner.
// A row is visible to reader R when begin <= R < end among committed
// stamps; a transaction always sees its own writes.
func (t *MvccTrx) checkVisit(meta *table.TableMeta, data []byte, readonly bool) error {
	begin, end := readStamps(meta, data)

	if begin < 0 {
		// Uncommitted insert.
		if -begin == t.id {
			return nil
		}
		if readonly {
			return record.ErrRecordInvisible
		}
		return fmt.Errorf("%w: record owned by trx %d", ErrConcurrencyConflict, -begin)
	}
	if begin > t.id {
		// Committed after this snapshot.
		return record.ErrRecordInvisible
	}

	if end < 0 {
		// Uncommitted delete.
		if -end == t.id {
			// Deleted by self: gone from this trx's view.
			return record.ErrRecordInvisible
		}
		if readonly {
			return nil
		}
		return fmt.Errorf("%w: record deleted by trx %d", ErrConcurrencyConflict, -end)
	}
	if end <= t.id {
		return record.ErrRecordInvisible
	}
	return nil
}

// Visibility adapts this transaction into the record scanner's hook.
func Visibility(trx Trx, tbl *table.Table) record.VisibilityFunc {
	return func(rec *record.Record) error {
		return trx.VisitRecord(tbl, rec, true)
	}
}

// Commit stamps every touched row with the commit id, logs COMMIT and
// waits for it to be durable.
func (t *MvccTrx) Commit() error {
	if !t.started {
		return nil
	}
	commitID := t.kit.nextTrxID()

	for _, op := range t.operations {
		op := op
		err := op.table.VisitRecord(op.rid, false, func(r *record.Record) error {
			switch op.typ {
			case opInsert:
				writeBegin(op.table.Meta(), r.Data, commitID)
			case opDelete:
				writeEnd(op.table.Meta(), r.Data, commitID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("trx: commit stamp %s rid=%s: %w", op.table.Name(), op.rid.String(), err)
		}
	}

	lsn, err := t.appendCommitLog(commitID)
	if err != nil {
		return err
	}
	if !t.recovering {
		if err := t.log.WaitLSN(lsn); err != nil {
			return err
		}
	}

	t.kit.unregister(t)
	t.operations = nil
	slog.Debug("trx: committed", "trxID", t.id, "commitID", commitID)
	return nil
}

// Rollback physically undoes every operation, newest first: inserts
// are removed, deletes restored. Recovery calls this for transactions
// whose COMMIT never made it to disk, possibly repeating a rollback
// that was already half done before the crash.
func (t *MvccTrx) Rollback() error {
	if !t.started {
		return nil
	}

	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]
		switch op.typ {
		case opInsert:
			rec, err := op.table.GetRecord(op.rid)
			if err != nil {
				if t.recovering {
					continue
				}
				return err
			}
			if err := op.table.DeleteRecord(&rec); err != nil {
				return err
			}
		case opDelete:
			err := op.table.VisitRecord(op.rid, false, func(r *record.Record) error {
				writeEnd(op.table.Meta(), r.Data, MaxTrxID)
				return nil
			})
			if err != nil && !t.recovering {
				return err
			}
		}
	}

	if _, err := t.appendRollbackLog(); err != nil {
		return err
	}
	t.kit.unregister(t)
	t.operations = nil
	slog.Debug("trx: rolled back", "trxID", t.id)
	return nil
}
