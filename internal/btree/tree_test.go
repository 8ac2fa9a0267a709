package btree

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tvhung83/stonesql/internal/bufferpool"
	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/record"
	"github.com/tvhung83/stonesql/internal/storage"
	"github.com/tvhung83/stonesql/internal/wal"
)

func newTestTree(t *testing.T, internalMax, leafMax int32) *BplusTreeHandler {
	t.Helper()
	m := bufferpool.NewBufferPoolManager(storage.Options{Mode: storage.ModeDisk}, 0)
	m.Init(wal.VacuousLogHandler{}, bufferpool.VacuousDoubleWriteBuffer{})
	pool, err := m.OpenFile(filepath.Join(t.TempDir(), "idx.data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	h, err := CreateBplusTree(pool, wal.VacuousLogHandler{}, record.AttrInt, 4, internalMax, leafMax)
	require.NoError(t, err)
	return h
}

func intKey(v int32) []byte {
	b := make([]byte, 4)
	bx.PutI32(b, v)
	return b
}

func ridOf(v int32) record.RID {
	return record.RID{PageNum: 1 + v/100, SlotNum: v % 100}
}

func scanAll(t *testing.T, h *BplusTreeHandler) []record.RID {
	t.Helper()
	s := NewBplusTreeScanner(h)
	require.NoError(t, s.Open(nil, false, nil, false))
	defer s.Close()
	var out []record.RID
	for {
		rid, err := s.Next()
		if errors.Is(err, record.ErrRecordEOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rid)
	}
}

func TestTree_SplitProducesSiblingLeaves(t *testing.T) {
	h := newTestTree(t, 4, 4)

	for _, k := range []int32{10, 20, 30, 40, 25} {
		require.NoError(t, h.InsertEntry(intKey(k), ridOf(k)))
	}
	require.NoError(t, h.Validate())

	// Two leaves linked by next_page, internal root with separator 30.
	root, err := h.pool.GetThisPage(h.rootPage)
	require.NoError(t, err)
	rn := asInternal(root, h.cfg)
	require.False(t, rn.isLeaf())
	require.Equal(t, int32(2), rn.size())
	require.Equal(t, int32(30), bx.I32(rn.keyAt(1)))

	leftFrame, err := h.pool.GetThisPage(rn.childAt(0))
	require.NoError(t, err)
	left := asLeaf(leftFrame, h.cfg)
	require.Equal(t, int32(3), left.size())
	require.Equal(t, int32(10), bx.I32(left.keyAt(0)))
	require.Equal(t, int32(20), bx.I32(left.keyAt(1)))
	require.Equal(t, int32(25), bx.I32(left.keyAt(2)))

	rightFrame, err := h.pool.GetThisPage(rn.childAt(1))
	require.NoError(t, err)
	right := asLeaf(rightFrame, h.cfg)
	require.Equal(t, int32(2), right.size())
	require.Equal(t, int32(30), bx.I32(right.keyAt(0)))
	require.Equal(t, int32(40), bx.I32(right.keyAt(1)))
	require.Equal(t, rightFrame.PageNum(), left.next())

	h.pool.UnpinPage(rightFrame)
	h.pool.UnpinPage(leftFrame)
	h.pool.UnpinPage(root)
}

func TestTree_DeleteCollapsesRoot(t *testing.T) {
	h := newTestTree(t, 4, 4)
	for _, k := range []int32{10, 20, 30, 40, 25} {
		require.NoError(t, h.InsertEntry(intKey(k), ridOf(k)))
	}

	require.NoError(t, h.DeleteEntry(intKey(40), ridOf(40)))
	require.NoError(t, h.Validate())

	// The internal root collapsed into a single leaf [10,20,25,30].
	root, err := h.pool.GetThisPage(h.rootPage)
	require.NoError(t, err)
	leaf := asLeaf(root, h.cfg)
	require.True(t, leaf.isLeaf())
	require.Equal(t, int32(4), leaf.size())
	for i, want := range []int32{10, 20, 25, 30} {
		require.Equal(t, want, bx.I32(leaf.keyAt(int32(i))))
	}
	require.Equal(t, storage.InvalidPageNum, leaf.next())
	h.pool.UnpinPage(root)
}

func TestTree_RoundTrip(t *testing.T) {
	h := newTestTree(t, 4, 4)

	const n = 200
	keys := rand.New(rand.NewSource(1)).Perm(n)
	for _, k := range keys {
		require.NoError(t, h.InsertEntry(intKey(int32(k)), ridOf(int32(k))))
	}
	require.NoError(t, h.Validate())

	// Every key hits.
	for i := int32(0); i < n; i++ {
		rids, err := h.GetEntry(intKey(i))
		require.NoError(t, err)
		require.Equal(t, []record.RID{ridOf(i)}, rids)
	}

	// A full scan yields exactly the inserted set in ascending order.
	all := scanAll(t, h)
	require.Len(t, all, n)
	for i := int32(0); i < n; i++ {
		require.Equal(t, ridOf(i), all[i])
	}

	// Delete in a second random order; lookups miss afterwards.
	del := rand.New(rand.NewSource(2)).Perm(n)
	for _, k := range del {
		require.NoError(t, h.DeleteEntry(intKey(int32(k)), ridOf(int32(k))))
		if k%37 == 0 {
			require.NoError(t, h.Validate())
		}
	}
	require.True(t, h.IsEmpty(), "root is the invalid page after the last delete")
	require.Empty(t, scanAll(t, h))
}

func TestTree_DuplicateAndMissing(t *testing.T) {
	h := newTestTree(t, 4, 4)
	require.NoError(t, h.InsertEntry(intKey(1), ridOf(1)))

	// Same (key, rid) is a duplicate; same key with another rid is not.
	require.ErrorIs(t, h.InsertEntry(intKey(1), ridOf(1)), ErrDuplicateKey)
	other := record.RID{PageNum: 9, SlotNum: 9}
	require.NoError(t, h.InsertEntry(intKey(1), other))

	rids, err := h.GetEntry(intKey(1))
	require.NoError(t, err)
	require.Len(t, rids, 2)

	require.ErrorIs(t, h.DeleteEntry(intKey(2), ridOf(2)), ErrKeyNotExist)
}

func TestTree_RangeScanBounds(t *testing.T) {
	h := newTestTree(t, 4, 4)
	for i := int32(0); i < 50; i++ {
		require.NoError(t, h.InsertEntry(intKey(i*2), ridOf(i*2)))
	}

	s := NewBplusTreeScanner(h)
	require.NoError(t, s.Open(intKey(10), true, intKey(20), false))
	defer s.Close()

	var got []record.RID
	for {
		rid, err := s.Next()
		if errors.Is(err, record.ErrRecordEOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, rid)
	}
	// [10, 20): keys 10, 12, 14, 16, 18.
	require.Equal(t, []record.RID{ridOf(10), ridOf(12), ridOf(14), ridOf(16), ridOf(18)}, got)
}

func TestTree_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.data")
	opts := storage.Options{Mode: storage.ModeDisk}

	m := bufferpool.NewBufferPoolManager(opts, 0)
	m.Init(wal.VacuousLogHandler{}, bufferpool.VacuousDoubleWriteBuffer{})
	pool, err := m.OpenFile(path)
	require.NoError(t, err)
	h, err := CreateBplusTree(pool, wal.VacuousLogHandler{}, record.AttrInt, 4, 0, 0)
	require.NoError(t, err)
	for i := int32(0); i < 100; i++ {
		require.NoError(t, h.InsertEntry(intKey(i), ridOf(i)))
	}
	require.NoError(t, m.Close())

	m2 := bufferpool.NewBufferPoolManager(opts, 0)
	m2.Init(wal.VacuousLogHandler{}, bufferpool.VacuousDoubleWriteBuffer{})
	pool2, err := m2.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m2.Close() })

	h2, err := OpenBplusTree(pool2, wal.VacuousLogHandler{})
	require.NoError(t, err)
	require.NoError(t, h2.Validate())
	for i := int32(0); i < 100; i++ {
		rids, err := h2.GetEntry(intKey(i))
		require.NoError(t, err)
		require.Equal(t, []record.RID{ridOf(i)}, rids)
	}
}

func TestTree_CharsKeyPadding(t *testing.T) {
	m := bufferpool.NewBufferPoolManager(storage.Options{Mode: storage.ModeDisk}, 0)
	m.Init(wal.VacuousLogHandler{}, bufferpool.VacuousDoubleWriteBuffer{})
	pool, err := m.OpenFile(filepath.Join(t.TempDir(), "chars.data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	h, err := CreateBplusTree(pool, wal.VacuousLogHandler{}, record.AttrChars, 8, 4, 4)
	require.NoError(t, err)

	words := []string{"ant", "bee", "cat", "dog", "eel", "fox"}
	for i, w := range words {
		require.NoError(t, h.InsertEntry([]byte(w), ridOf(int32(i))))
	}
	require.NoError(t, h.Validate())

	// A short key is zero padded to the attribute length.
	rids, err := h.GetEntry([]byte("cat"))
	require.NoError(t, err)
	require.Equal(t, []record.RID{ridOf(2)}, rids)

	// A longer-than-attribute right bound is truncated inclusively.
	s := NewBplusTreeScanner(h)
	require.NoError(t, s.Open([]byte("bee"), true, []byte("catamaran"), false))
	defer s.Close()
	var got []record.RID
	for {
		rid, err := s.Next()
		if errors.Is(err, record.ErrRecordEOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, rid)
	}
	require.Equal(t, []record.RID{ridOf(1), ridOf(2)}, got)
}
