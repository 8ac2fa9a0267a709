package stonesql

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tvhung83/stonesql/internal/trx"
)

func testConfig() *EngineConfig {
	return DefaultConfig()
}

func createUsersTable(t *testing.T, db *Db) *Table {
	t.Helper()
	tbl, err := db.CreateTable("users", []FieldSpec{
		{Name: "id", Type: AttrInt, Len: 4},
		{Name: "name", Type: AttrChars, Len: 16},
	}, RowFormat)
	require.NoError(t, err)
	return tbl
}

func insertUser(t *testing.T, tx Trx, tbl *Table, id int32, name string) Record {
	t.Helper()
	data, err := tbl.Meta().EncodeRow(id, name)
	require.NoError(t, err)
	rec := Record{Data: data}
	require.NoError(t, tx.InsertRecord(tbl, &rec))
	return rec
}

// scanIDs reads the visible id column through a fresh snapshot.
func scanIDs(t *testing.T, db *Db, tbl *Table) []int32 {
	t.Helper()
	reader := db.CreateTrx()
	reader.StartIfNeed()
	return scanIDsAs(t, reader, tbl)
}

func scanIDsAs(t *testing.T, reader Trx, tbl *Table) []int32 {
	t.Helper()
	scanner := tbl.OpenScanner(nil, Visibility(reader, tbl))
	defer scanner.Close()

	var ids []int32
	for {
		rec, err := scanner.Next()
		if errors.Is(err, ErrRecordEOF) {
			return ids
		}
		require.NoError(t, err)
		values, err := tbl.Meta().DecodeRow(rec.Data)
		require.NoError(t, err)
		ids = append(ids, values[0].(int32))
	}
}

func findByID(t *testing.T, db *Db, tbl *Table, id int32) Record {
	t.Helper()
	reader := db.CreateTrx()
	reader.StartIfNeed()
	scanner := tbl.OpenScanner(nil, Visibility(reader, tbl))
	defer scanner.Close()
	for {
		rec, err := scanner.Next()
		require.NoError(t, err)
		values, err := tbl.Meta().DecodeRow(rec.Data)
		require.NoError(t, err)
		if values[0].(int32) == id {
			return rec
		}
	}
}

func TestEngine_HeapRoundTripWithRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	tbl := createUsersTable(t, db)

	tx := db.CreateTrx()
	insertUser(t, tx, tbl, 1, "a")
	insertUser(t, tx, tbl, 2, "b")
	insertUser(t, tx, tbl, 3, "c")
	require.NoError(t, tx.Commit())

	require.Equal(t, []int32{1, 2, 3}, scanIDs(t, db, tbl), "rows in insertion order")

	rec := findByID(t, db, tbl, 2)
	tx2 := db.CreateTrx()
	require.NoError(t, tx2.DeleteRecord(tbl, &rec))
	require.NoError(t, tx2.Commit())
	require.Equal(t, []int32{1, 3}, scanIDs(t, db, tbl))

	// Clean shutdown flushes everything; reopen sees the same rows.
	require.NoError(t, db.Close())
	db2, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, db2.Close()) }()

	tbl2, err := db2.Table("users")
	require.NoError(t, err)
	require.Equal(t, []int32{1, 3}, scanIDs(t, db2, tbl2))
}

func TestEngine_RecoveryAfterCrash(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	tbl := createUsersTable(t, db)

	tx := db.CreateTrx()
	const n = 1000
	for i := int32(1); i <= n; i++ {
		insertUser(t, tx, tbl, i, fmt.Sprintf("user-%d", i))
	}
	require.NoError(t, tx.Commit(), "commit is durable once its log entry is")

	// Crash: stop the WAL without flushing any data page.
	require.NoError(t, db.LogHandler().Stop())
	require.NoError(t, db.LogHandler().AwaitTermination())

	db2, err := Open(dir, testConfig())
	require.NoError(t, err)
	tbl2, err := db2.Table("users")
	require.NoError(t, err)
	require.Len(t, scanIDs(t, db2, tbl2), n, "recovery replays every committed row")

	// Idempotence: a clean close and another replayed open changes
	// nothing.
	require.NoError(t, db2.Close())
	db3, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, db3.Close()) }()
	tbl3, err := db3.Table("users")
	require.NoError(t, err)
	require.Len(t, scanIDs(t, db3, tbl3), n)
}

func TestEngine_MvccIsolation(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	tbl := createUsersTable(t, db)

	// A inserts and commits; B's snapshot predates the commit stamp,
	// C's follows it.
	a := db.CreateTrx()
	b := db.CreateTrx()
	b.StartIfNeed()

	insertUser(t, a, tbl, 100, "r")
	require.NoError(t, a.Commit())

	require.Empty(t, scanIDsAs(t, b, tbl), "snapshot before commit: row absent")
	require.Equal(t, []int32{100}, scanIDs(t, db, tbl), "snapshot after commit: row present")
}

func TestEngine_MvccUncommittedInvisibleAndConflict(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	tbl := createUsersTable(t, db)

	writer := db.CreateTrx()
	rec := insertUser(t, writer, tbl, 1, "mine")

	// The writer sees its own insert; others do not.
	require.Equal(t, []int32{1}, scanIDsAs(t, writer, tbl))
	require.Empty(t, scanIDs(t, db, tbl))

	// A concurrent delete of the uncommitted row conflicts.
	other := db.CreateTrx()
	err = other.DeleteRecord(tbl, &rec)
	require.ErrorIs(t, err, trx.ErrConcurrencyConflict)

	require.NoError(t, writer.Commit())
	require.Equal(t, []int32{1}, scanIDs(t, db, tbl))
}

func TestEngine_MvccRollback(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	tbl := createUsersTable(t, db)

	tx := db.CreateTrx()
	insertUser(t, tx, tbl, 1, "gone")
	require.NoError(t, tx.Rollback())
	require.Empty(t, scanIDs(t, db, tbl))

	// Rolling back a delete restores the row.
	tx2 := db.CreateTrx()
	insertUser(t, tx2, tbl, 2, "stays")
	require.NoError(t, tx2.Commit())

	rec := findByID(t, db, tbl, 2)
	tx3 := db.CreateTrx()
	require.NoError(t, tx3.DeleteRecord(tbl, &rec))
	require.NoError(t, tx3.Rollback())
	require.Equal(t, []int32{2}, scanIDs(t, db, tbl))
}

func TestEngine_UncommittedRolledBackOnRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	tbl := createUsersTable(t, db)

	tx := db.CreateTrx()
	insertUser(t, tx, tbl, 1, "phantom")
	// Make the transaction's log durable, then crash without commit.
	require.NoError(t, db.LogHandler().WaitLSN(db.LogHandler().CurrentLSN()))
	require.NoError(t, db.LogHandler().Stop())
	require.NoError(t, db.LogHandler().AwaitTermination())

	db2, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, db2.Close()) }()
	tbl2, err := db2.Table("users")
	require.NoError(t, err)
	require.Empty(t, scanIDs(t, db2, tbl2), "no trace of the uncommitted insert")
}

func TestEngine_IndexMaintainedAcrossDelete(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	tbl := createUsersTable(t, db)
	require.NoError(t, tbl.CreateIndex("idx_users_id", "id", 0, 0))

	tx := db.CreateTrx()
	first := insertUser(t, tx, tbl, 1, "one")
	require.NoError(t, tx.Commit())

	idField, err := tbl.Meta().Field("id")
	require.NoError(t, err)
	key := first.Data[idField.Offset : idField.Offset+idField.Len]

	rids, err := tbl.IndexByField("id").Tree.GetEntry(key)
	require.NoError(t, err)
	require.Equal(t, []RID{first.Rid}, rids)

	// An MVCC delete stamps the row's end column; the index keeps the
	// entry (it covers all versions) but readers that fetch the row
	// see it as invisible.
	rec := findByID(t, db, tbl, 1)
	tx2 := db.CreateTrx()
	require.NoError(t, tx2.DeleteRecord(tbl, &rec))
	require.NoError(t, tx2.Commit())

	rids, err = tbl.IndexByField("id").Tree.GetEntry(key)
	require.NoError(t, err)
	require.Len(t, rids, 1)

	got, err := tbl.GetRecord(rids[0])
	require.NoError(t, err)
	reader := db.CreateTrx()
	require.ErrorIs(t, reader.VisitRecord(tbl, &got, true), ErrRecordInvisible)
}

func TestEngine_IndexScanFindsCommittedRows(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	tbl := createUsersTable(t, db)
	require.NoError(t, tbl.CreateIndex("idx_users_id", "id", 0, 0))

	tx := db.CreateTrx()
	for i := int32(1); i <= 50; i++ {
		insertUser(t, tx, tbl, i, fmt.Sprintf("u%d", i))
	}
	require.NoError(t, tx.Commit())

	ix := tbl.IndexByField("id")
	require.NotNil(t, ix)

	rec := findByID(t, db, tbl, 25)
	rids, err := ix.Tree.GetEntry(rec.Data[8:12])
	require.NoError(t, err)
	require.Equal(t, []RID{rec.Rid}, rids)

	got, err := tbl.GetRecord(rids[0])
	require.NoError(t, err)
	values, err := tbl.Meta().DecodeRow(got.Data)
	require.NoError(t, err)
	require.Equal(t, int32(25), values[0].(int32))
}

func TestEngine_PaxTableChunkScan(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	tbl, err := db.CreateTable("metrics", []FieldSpec{
		{Name: "ts", Type: AttrBigint, Len: 8},
		{Name: "value", Type: AttrFloat, Len: 4},
	}, PaxFormat)
	require.NoError(t, err)

	tx := db.CreateTrx()
	for i := int64(0); i < 10; i++ {
		data, err := tbl.Meta().EncodeRow(i, float32(i)*1.5)
		require.NoError(t, err)
		rec := Record{Data: data}
		require.NoError(t, tx.InsertRecord(tbl, &rec))
	}
	require.NoError(t, tx.Commit())

	require.Len(t, scanIDsPax(t, db, tbl), 10)
}

func scanIDsPax(t *testing.T, db *Db, tbl *Table) []int64 {
	t.Helper()
	reader := db.CreateTrx()
	reader.StartIfNeed()
	scanner := tbl.OpenScanner(nil, Visibility(reader, tbl))
	defer scanner.Close()
	var out []int64
	for {
		rec, err := scanner.Next()
		if errors.Is(err, ErrRecordEOF) {
			return out
		}
		require.NoError(t, err)
		values, err := tbl.Meta().DecodeRow(rec.Data)
		require.NoError(t, err)
		out = append(out, values[0].(int64))
	}
}
