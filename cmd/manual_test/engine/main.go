// Manual smoke test: create a table, run a transaction through
// insert/scan/delete, then reopen the database to watch recovery.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	stonesql "github.com/tvhung83/stonesql"
)

func main() {
	dir, err := os.MkdirTemp("", "stonesql-manual-*")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("database dir:", dir)

	db, err := stonesql.Open(dir, stonesql.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}

	tbl, err := db.CreateTable("users", []stonesql.FieldSpec{
		{Name: "id", Type: stonesql.AttrInt, Len: 4},
		{Name: "name", Type: stonesql.AttrChars, Len: 16},
	}, stonesql.RowFormat)
	if err != nil {
		log.Fatal(err)
	}
	if err := tbl.CreateIndex("idx_users_id", "id", 0, 0); err != nil {
		log.Fatal(err)
	}

	t := db.CreateTrx()
	for i := 1; i <= 100; i++ {
		data, err := tbl.Meta().EncodeRow(int32(i), fmt.Sprintf("user-%d", i))
		if err != nil {
			log.Fatal(err)
		}
		rec := stonesql.Record{Data: data}
		if err := t.InsertRecord(tbl, &rec); err != nil {
			log.Fatal(err)
		}
	}
	if err := t.Commit(); err != nil {
		log.Fatal(err)
	}

	reader := db.CreateTrx()
	reader.StartIfNeed()
	scanner := tbl.OpenScanner(nil, stonesql.Visibility(reader, tbl))
	count := 0
	for {
		_, err := scanner.Next()
		if errors.Is(err, stonesql.ErrRecordEOF) {
			break
		}
		if err != nil {
			log.Fatal(err)
		}
		count++
	}
	scanner.Close()
	fmt.Println("visible rows:", count)

	if err := db.Close(); err != nil {
		log.Fatal(err)
	}

	// Reopen: recovery replays the log and the rows are still there.
	db, err = stonesql.Open(dir, stonesql.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	tbl, err = db.Table("users")
	if err != nil {
		log.Fatal(err)
	}
	reader = db.CreateTrx()
	reader.StartIfNeed()
	scanner = tbl.OpenScanner(nil, stonesql.Visibility(reader, tbl))
	count = 0
	for {
		_, err := scanner.Next()
		if errors.Is(err, stonesql.ErrRecordEOF) {
			break
		}
		if err != nil {
			log.Fatal(err)
		}
		count++
	}
	scanner.Close()
	fmt.Println("visible rows after reopen:", count)
}
