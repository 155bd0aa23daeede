package gopool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestGoRunsTasks(t *testing.T) {
	p := New("test", nil)
	defer p.Close()

	var n atomic.Int64
	for i := 0; i < 100; i++ {
		p.Go(func() { n.Inc() })
	}
	p.Wait()
	assert.EqualValues(t, 100, n.Load())
}

func TestQueueOverflowFallsBack(t *testing.T) {
	p := New("test", &Option{MaxIdleWorkers: 1, WorkerMaxAge: time.Minute, TaskQueueLen: 1})
	defer p.Close()

	var n atomic.Int64
	var gate sync.WaitGroup
	gate.Add(1)
	// Park a task so the queue backs up.
	p.Go(func() { gate.Wait(); n.Inc() })
	for i := 0; i < 50; i++ {
		p.Go(func() { n.Inc() })
	}
	gate.Done()
	p.Wait()
	assert.EqualValues(t, 51, n.Load())
}

func TestPanicIsolated(t *testing.T) {
	p := New("test", nil)
	defer p.Close()

	var got atomic.Value
	p.SetPanicHandler(func(r any) { got.Store(r) })

	p.Go(func() { panic("boom") })
	p.Wait()
	require.Equal(t, "boom", got.Load())

	// The pool still works afterwards.
	var ran atomic.Bool
	p.Go(func() { ran.Store(true) })
	p.Wait()
	assert.True(t, ran.Load())
}

func TestWaitDrains(t *testing.T) {
	p := New("test", nil)
	defer p.Close()

	var n atomic.Int64
	for i := 0; i < 20; i++ {
		p.Go(func() {
			time.Sleep(time.Millisecond)
			n.Inc()
		})
	}
	p.Wait()
	assert.EqualValues(t, 20, n.Load())
}
