package trx

import (
	"fmt"
	"log/slog"

	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/table"
	"github.com/tvhung83/stonesql/internal/wal"
)

// MVCC transaction log operations.
type mvccLogOp int32

const (
	mvccLogInsert mvccLogOp = iota
	mvccLogDelete
	mvccLogCommit
	mvccLogRollback
)

func (op mvccLogOp) String() string {
	switch op {
	case mvccLogInsert:
		return "INSERT_RECORD"
	case mvccLogDelete:
		return "DELETE_RECORD"
	case mvccLogCommit:
		return "COMMIT"
	case mvccLogRollback:
		return "ROLLBACK"
	default:
		return fmt.Sprintf("OP(%d)", int32(op))
	}
}

// Payload: operation (4) + trx_id (4), then per operation:
// INSERT/DELETE: table_id (4) + rid (8); COMMIT: commit_trx_id (4).
const mvccLogHeaderSize = 8

type mvccLogEntry struct {
	op          mvccLogOp
	trxID       TrxID
	tableID     int32
	rid         record.RID
	commitTrxID TrxID
}

func (e *mvccLogEntry) encode() []byte {
	size := mvccLogHeaderSize
	switch e.op {
	case mvccLogInsert, mvccLogDelete:
		size += 4 + record.RIDSize
	case mvccLogCommit:
		size += 4
	}
	buf := make([]byte, size)
	bx.PutI32At(buf, 0, int32(e.op))
	bx.PutI32At(buf, 4, e.trxID)
	switch e.op {
	case mvccLogInsert, mvccLogDelete:
		bx.PutI32At(buf, 8, e.tableID)
		record.EncodeRID(buf[12:], e.rid)
	case mvccLogCommit:
		bx.PutI32At(buf, 8, e.commitTrxID)
	}
	return buf
}

func decodeMvccLog(payload []byte) (*mvccLogEntry, error) {
	if len(payload) < mvccLogHeaderSize {
		return nil, fmt.Errorf("%w: trx payload size %d", wal.ErrLogEntryInvalid, len(payload))
	}
	e := &mvccLogEntry{
		op:    mvccLogOp(bx.I32At(payload, 0)),
		trxID: bx.I32At(payload, 4),
	}
	switch e.op {
	case mvccLogInsert, mvccLogDelete:
		if len(payload) < mvccLogHeaderSize+4+record.RIDSize {
			return nil, fmt.Errorf("%w: short trx record payload", wal.ErrLogEntryInvalid)
		}
		e.tableID = bx.I32At(payload, 8)
		e.rid = record.DecodeRID(payload[12:])
	case mvccLogCommit:
		if len(payload) < mvccLogHeaderSize+4 {
			return nil, fmt.Errorf("%w: short trx commit payload", wal.ErrLogEntryInvalid)
		}
		e.commitTrxID = bx.I32At(payload, 8)
	case mvccLogRollback:
	default:
		return nil, fmt.Errorf("%w: trx op %d", wal.ErrLogEntryInvalid, e.op)
	}
	return e, nil
}

func (t *MvccTrx) appendRecordLog(op mvccLogOp, tbl *table.Table, rid record.RID) error {
	e := &mvccLogEntry{op: op, trxID: t.id, tableID: tbl.TableID(), rid: rid}
	if _, err := t.log.Append(wal.ModuleTransaction, e.encode()); err != nil {
		return fmt.Errorf("trx: append %s log: %w", op, err)
	}
	return nil
}

func (t *MvccTrx) appendCommitLog(commitID TrxID) (wal.LSN, error) {
	e := &mvccLogEntry{op: mvccLogCommit, trxID: t.id, commitTrxID: commitID}
	lsn, err := t.log.Append(wal.ModuleTransaction, e.encode())
	if err != nil {
		return 0, fmt.Errorf("trx: append COMMIT log: %w", err)
	}
	return lsn, nil
}

func (t *MvccTrx) appendRollbackLog() (wal.LSN, error) {
	e := &mvccLogEntry{op: mvccLogRollback, trxID: t.id}
	lsn, err := t.log.Append(wal.ModuleTransaction, e.encode())
	if err != nil {
		return 0, fmt.Errorf("trx: append ROLLBACK log: %w", err)
	}
	return lsn, nil
}

// TableResolver maps the table ids found in the log to open tables.
// The database layer implements it.
type TableResolver interface {
	TableByID(id int32) *table.Table
}

// MvccTrxLogReplayer rebuilds in-flight transactions from the log. The
// page contents were already redone by the record-manager replayer;
// this replayer only tracks which transactions finished. OnDone rolls
// back every transaction with no COMMIT or ROLLBACK in the log.
//
// Operations are kept raw during the scan — the table handlers open
// only after the log is replayed — and resolve to tables in OnDone.
type MvccTrxLogReplayer struct {
	Resolver TableResolver
	Kit      *MvccTrxKit
	Log      wal.LogHandler

	trxes map[TrxID]*MvccTrx
	ops   map[TrxID][]rawOperation
}

type rawOperation struct {
	typ     opType
	tableID int32
	rid     record.RID
}

func NewMvccTrxLogReplayer(resolver TableResolver, kit *MvccTrxKit, log wal.LogHandler) *MvccTrxLogReplayer {
	return &MvccTrxLogReplayer{
		Resolver: resolver,
		Kit:      kit,
		Log:      log,
		trxes:    make(map[TrxID]*MvccTrx),
		ops:      make(map[TrxID][]rawOperation),
	}
}

func (r *MvccTrxLogReplayer) Replay(entry *wal.LogEntry) error {
	e, err := decodeMvccLog(entry.Payload())
	if err != nil {
		return err
	}

	trx, ok := r.trxes[e.trxID]
	if !ok {
		revived, err := r.Kit.CreateTrxWithID(r.Log, e.trxID)
		if err != nil {
			return err
		}
		trx = revived.(*MvccTrx)
		r.trxes[e.trxID] = trx
	}

	switch e.op {
	case mvccLogInsert, mvccLogDelete:
		typ := opInsert
		if e.op == mvccLogDelete {
			typ = opDelete
		}
		r.ops[e.trxID] = append(r.ops[e.trxID], rawOperation{typ: typ, tableID: e.tableID, rid: e.rid})
	case mvccLogCommit:
		r.Kit.UpdateMaxTrxID(e.commitTrxID)
		r.Kit.DestroyTrx(trx)
		delete(r.trxes, e.trxID)
		delete(r.ops, e.trxID)
	case mvccLogRollback:
		r.Kit.DestroyTrx(trx)
		delete(r.trxes, e.trxID)
		delete(r.ops, e.trxID)
	}
	return nil
}

// OnDone rolls back the survivors: transactions the log shows started
// but never finished.
func (r *MvccTrxLogReplayer) OnDone() error {
	for id, trx := range r.trxes {
		for _, raw := range r.ops[id] {
			tbl := r.Resolver.TableByID(raw.tableID)
			if tbl == nil {
				return fmt.Errorf("%w: unknown table id %d", wal.ErrLogEntryInvalid, raw.tableID)
			}
			trx.operations = append(trx.operations, operation{typ: raw.typ, table: tbl, rid: raw.rid})
		}
		slog.Info("trx: rolling back unfinished transaction after replay",
			"trxID", id, "operations", len(trx.operations))
		if err := trx.Rollback(); err != nil {
			return err
		}
	}
	r.trxes = make(map[TrxID]*MvccTrx)
	r.ops = make(map[TrxID][]rawOperation)
	return nil
}
