package cache

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obj(key string, size int) *Object {
	return NewObject([]byte(key), bytes.Repeat([]byte{'x'}, size))
}

// checkBudget verifies sum(size) + bytesLeft == maxBytes.
func checkBudget(t *testing.T, c *Cache) {
	t.Helper()
	total := 0
	for scan := c.mra; scan != nil; scan = scan.next {
		total += scan.Size
	}
	require.Equal(t, c.maxBytes, total+c.bytesLeft)
}

// checkList verifies the list is doubly consistent and acyclic.
func checkList(t *testing.T, c *Cache) {
	t.Helper()
	require.Equal(t, c.mra == nil, c.lra == nil)
	seen := make(map[*Object]bool)
	var last *Object
	for scan := c.mra; scan != nil; scan = scan.next {
		require.False(t, seen[scan], "cycle in cache list")
		seen[scan] = true
		require.Equal(t, last, scan.prev)
		last = scan
	}
	require.Equal(t, last, c.lra)
}

func TestInsertFind(t *testing.T) {
	c := New(1000)

	o := obj("GET http://a/ HTTP/1.0\r\n", 100)
	c.Insert(o)
	checkBudget(t, c)
	checkList(t, c)

	got := c.Find([]byte("GET http://a/ HTTP/1.0\r\n"))
	require.Same(t, o, got)
	assert.Nil(t, c.Find([]byte("GET http://b/ HTTP/1.0\r\n")))
	assert.Equal(t, 900, c.BytesLeft())

	st := c.Stats()
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
}

func TestObjectOwnsBuffers(t *testing.T) {
	key := []byte("GET http://a/ HTTP/1.0\r\n")
	val := []byte("hello")
	o := NewObject(key, val)
	key[0] = 'X'
	val[0] = 'X'
	assert.Equal(t, "GET http://a/ HTTP/1.0\r\n", string(o.Request))
	assert.Equal(t, "hello", string(o.Response))

	cp := o.CopyResponse()
	cp[0] = 'Y'
	assert.Equal(t, "hello", string(o.Response))
}

func TestEvictionIsTailOnly(t *testing.T) {
	c := New(100)

	c.Insert(obj("o1", 60))
	c.Insert(obj("o2", 50))
	checkBudget(t, c)
	checkList(t, c)

	assert.Nil(t, c.Find([]byte("o1")), "o1 should have been evicted from the tail")
	require.NotNil(t, c.Find([]byte("o2")))
	assert.Equal(t, 50, c.BytesLeft())
	assert.EqualValues(t, 1, c.Stats().Evictions)
}

func TestFindDoesNotPromote(t *testing.T) {
	c := New(300)
	c.Insert(obj("a", 100))
	c.Insert(obj("b", 100))
	require.NotNil(t, c.Find([]byte("a")))

	// "a" is still the tail: inserting past the budget drops it first.
	c.Insert(obj("c", 200))
	assert.Nil(t, c.Find([]byte("a")))
	require.NotNil(t, c.Find([]byte("b")))
	require.NotNil(t, c.Find([]byte("c")))
	checkBudget(t, c)
	checkList(t, c)
}

func TestEvictionBounded(t *testing.T) {
	c := New(MaxCacheSize)

	total := 0
	n := 0
	for total < 1200000 {
		size := 40000 + (n%7)*9000
		c.Insert(obj(fmt.Sprintf("req-%d", n), size))
		total += size
		n++
		checkBudget(t, c)
	}
	checkList(t, c)

	assert.GreaterOrEqual(t, c.BytesLeft(), 0)
	resident := 0
	for scan := c.mra; scan != nil; scan = scan.next {
		resident += scan.Size
	}
	assert.LessOrEqual(t, resident, MaxCacheSize)

	// Oldest insertions are the ones gone.
	assert.Nil(t, c.Find([]byte("req-0")))
	require.NotNil(t, c.Find([]byte(fmt.Sprintf("req-%d", n-1))))
}

func TestRemove(t *testing.T) {
	c := New(1000)
	a, b, d := obj("a", 100), obj("b", 100), obj("d", 100)
	c.Insert(a)
	c.Insert(b)
	c.Insert(d)

	c.Remove(b) // middle
	checkBudget(t, c)
	checkList(t, c)
	assert.Nil(t, c.Find([]byte("b")))

	c.Remove(d) // head
	c.Remove(a) // tail, now sole object
	checkBudget(t, c)
	checkList(t, c)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1000, c.BytesLeft())
}

func TestFree(t *testing.T) {
	c := New(1000)
	for i := 0; i < 5; i++ {
		c.Insert(obj(fmt.Sprintf("k%d", i), 100))
	}
	c.Free()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1000, c.BytesLeft())
	checkList(t, c)
}

// TestConcurrentReaders drives the cache the way the proxy does: one
// RWMutex external to the cache, readers copying bytes out under the read
// lock while writers insert.
func TestConcurrentReaders(t *testing.T) {
	c := New(MaxCacheSize)
	var mu sync.RWMutex

	c.Insert(obj("hot", 1000))
	want := bytes.Repeat([]byte{'x'}, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				mu.RLock()
				var got []byte
				if o := c.Find([]byte("hot")); o != nil {
					got = o.CopyResponse()
				}
				mu.RUnlock()
				if got != nil && !bytes.Equal(got, want) {
					t.Error("reader observed torn response")
					return
				}
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				mu.Lock()
				c.Insert(obj(fmt.Sprintf("w%d-%d", i, j), 5000))
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	checkBudget(t, c)
	checkList(t, c)
}
