package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Wait()
		}()
	}
	l.Trigger()
	wg.Wait()
	require.True(t, l.Test())
	l.Trigger() // Idempotent.
	l.Wait()    // Does not block once triggered.

	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan of a triggered latch must be closed")
	}
}

func TestLatchTriggerAndTest(t *testing.T) {
	l := NewLatch()
	winners := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TriggerAndTest() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, int]
	_, found := m.Load("a")
	require.False(t, found)
	m.Store("a", 1)
	v, found := m.Load("a")
	require.True(t, found)
	require.Equal(t, 1, v)
	m.Delete("a")
	_, found = m.Load("a")
	require.False(t, found)
}
