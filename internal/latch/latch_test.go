package latch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatch_RecursiveWrite(t *testing.T) {
	l := NewLatch()
	owner := new(int)

	l.XLatch(owner)
	l.XLatch(owner) // re-entrant for the same owner
	l.XUnlatch(owner)

	// Still held once: another owner cannot take the read latch.
	require.False(t, l.TrySLatch(new(int)))

	l.XUnlatch(owner)
	require.True(t, l.TrySLatch(owner))
	l.SUnlatch(owner)
}

func TestLatch_SharedReaders(t *testing.T) {
	l := NewLatch()
	a, b := new(int), new(int)

	l.SLatch(a)
	l.SLatch(b)

	writerDone := make(chan struct{})
	go func() {
		l.XLatch(new(int))
		close(writerDone)
	}()

	select {
	case <-writerDone:
		t.Fatal("writer acquired latch while readers hold it")
	case <-time.After(20 * time.Millisecond):
	}

	l.SUnlatch(a)
	l.SUnlatch(b)
	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired latch")
	}
}

func TestLatch_TrySharedFailsUnderWriter(t *testing.T) {
	l := NewLatch()
	w := new(int)
	l.XLatch(w)
	require.False(t, l.TrySLatch(new(int)))
	l.XUnlatch(w)
	require.True(t, l.TrySLatch(new(int)))
}

func TestLatch_SharedWhileWritingPanics(t *testing.T) {
	l := NewLatch()
	owner := new(int)
	l.XLatch(owner)
	require.Panics(t, func() { l.SLatch(owner) })
	l.XUnlatch(owner)
}

func TestLatch_UpgradePanicsInDebug(t *testing.T) {
	Debug = true
	defer func() { Debug = false }()

	l := NewLatch()
	owner := new(int)
	l.SLatch(owner)
	require.Panics(t, func() { l.XLatch(owner) })
	l.SUnlatch(owner)
}

func TestLatch_Contention(t *testing.T) {
	l := NewLatch()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := new(int)
			for j := 0; j < 100; j++ {
				l.XLatch(owner)
				counter++
				l.XUnlatch(owner)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 800, counter)
}
