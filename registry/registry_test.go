package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestTryInsert(t *testing.T) {
	t.Parallel()
	r := New[int]()

	assert.Assert(t, r.TryInsert("cam1", 1))
	assert.Assert(t, !r.TryInsert("cam1", 2))

	v, ok := r.Get("cam1")
	assert.Assert(t, ok)
	assert.Equal(t, v, 1)

	v, ok = r.Remove("cam1")
	assert.Assert(t, ok)
	assert.Equal(t, v, 1)
	_, ok = r.Remove("cam1")
	assert.Assert(t, !ok)
	assert.Equal(t, r.Len(), 0)
}

func TestTryInsertSingleWriter(t *testing.T) {
	t.Parallel()
	r := New[int]()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.TryInsert("cam1", i) {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, wins, int32(1))
	assert.Equal(t, r.Len(), 1)
}

func TestList(t *testing.T) {
	t.Parallel()
	r := New[string]()
	r.TryInsert("b", "B")
	r.TryInsert("a", "A")
	r.TryInsert("c", "C")

	entries := r.List()
	assert.Equal(t, len(entries), 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, entries[i].ID, id)
	}
}

func TestLockSerializesSameID(t *testing.T) {
	t.Parallel()
	r := New[int]()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := r.Lock("cam1")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, maxActive, int32(1))

	// released locks are dropped
	r.locksMutex.Lock()
	assert.Equal(t, len(r.locks), 0)
	r.locksMutex.Unlock()
}

func TestLockDifferentIDsDoNotBlock(t *testing.T) {
	t.Parallel()
	r := New[int]()

	unlock := r.Lock("cam1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			release := r.Lock(fmt.Sprintf("other%d", i))
			r.TryInsert(fmt.Sprintf("other%d", i), i)
			release()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on cam1 blocked other ids")
	}
	assert.Equal(t, r.Len(), 10)
}
