package table

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tvhung83/stonesql/internal/record"
)

var trxFields = []FieldSpec{
	{Name: "__trx_xid_begin", Type: record.AttrInt, Len: 4},
	{Name: "__trx_xid_end", Type: record.AttrInt, Len: 4},
}

func TestTableMeta_LayoutAndPersistence(t *testing.T) {
	meta, err := NewTableMeta(3, "users", trxFields, []FieldSpec{
		{Name: "id", Type: record.AttrInt, Len: 4},
		{Name: "name", Type: record.AttrChars, Len: 16},
	}, record.RowFormat)
	require.NoError(t, err)

	require.Equal(t, int32(28), meta.RecordSize)
	require.Len(t, meta.TrxFields(), 2)

	id, err := meta.Field("id")
	require.NoError(t, err)
	require.Equal(t, int32(8), id.Offset, "user fields follow the hidden trx fields")
	require.True(t, id.Visible)

	begin, err := meta.Field("__trx_xid_begin")
	require.NoError(t, err)
	require.Equal(t, int32(0), begin.Offset)
	require.False(t, begin.Visible)

	require.Equal(t, record.ColumnLens{4, 4, 4, 16}, meta.ColumnLens())

	path := filepath.Join(t.TempDir(), "users.meta.yaml")
	require.NoError(t, meta.Save(path))
	loaded, err := LoadTableMeta(path)
	require.NoError(t, err)
	require.Equal(t, meta, loaded)
}

func TestRowCodec_RoundTrip(t *testing.T) {
	meta, err := NewTableMeta(0, "t", trxFields, []FieldSpec{
		{Name: "id", Type: record.AttrInt, Len: 4},
		{Name: "score", Type: record.AttrFloat, Len: 4},
		{Name: "big", Type: record.AttrBigint, Len: 8},
		{Name: "name", Type: record.AttrChars, Len: 8},
	}, record.RowFormat)
	require.NoError(t, err)

	data, err := meta.EncodeRow(int32(7), float32(2.5), int64(1<<40), "abc")
	require.NoError(t, err)
	require.Len(t, data, int(meta.RecordSize))

	values, err := meta.DecodeRow(data)
	require.NoError(t, err)
	require.Equal(t, []any{int32(7), float32(2.5), int64(1 << 40), "abc"}, values)
}

func TestRowCodec_Validation(t *testing.T) {
	meta, err := NewTableMeta(0, "t", nil, []FieldSpec{
		{Name: "id", Type: record.AttrInt, Len: 4},
		{Name: "name", Type: record.AttrChars, Len: 4},
	}, record.RowFormat)
	require.NoError(t, err)

	_, err = meta.EncodeRow(int32(1))
	require.Error(t, err, "missing value")
	_, err = meta.EncodeRow(int32(1), "toolongname")
	require.Error(t, err, "oversized CHARS")
	_, err = meta.EncodeRow("nope", "x")
	require.Error(t, err, "type mismatch")
}
