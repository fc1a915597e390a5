package ordermonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fifoWaiter mimics the local monitor's condition: strict FIFO by
// seqno.
type fifoWaiter struct {
	mu    sync.Mutex
	seqno int64
}

func (w *fifoWaiter) Seqno() int64 { return w.seqno }
func (w *fifoWaiter) Lock()        { w.mu.Lock() }
func (w *fifoWaiter) Unlock()      { w.mu.Unlock() }
func (w *fifoWaiter) Condition(_, lastLeft int64) bool {
	return lastLeft+1 == w.seqno
}

// dependsWaiter mimics the apply monitor's condition: local waiters
// always pass, remote waiters wait for their dependency to be drained.
type dependsWaiter struct {
	mu      sync.Mutex
	seqno   int64
	isLocal bool
	depends int64
}

func (w *dependsWaiter) Seqno() int64 { return w.seqno }
func (w *dependsWaiter) Lock()        { w.mu.Lock() }
func (w *dependsWaiter) Unlock()      { w.mu.Unlock() }
func (w *dependsWaiter) Condition(_, lastLeft int64) bool {
	return w.isLocal || lastLeft >= w.depends
}

func TestMonitor_StrictFIFOOrder(t *testing.T) {
	m := New(0)
	var order []int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, seqno := range []int64{3, 1, 2} {
		seqno := seqno
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := &fifoWaiter{seqno: seqno}
			require.NoError(t, m.Enter(context.Background(), w))
			mu.Lock()
			order = append(order, seqno)
			mu.Unlock()
			m.Leave(w)
		}()
		time.Sleep(5 * time.Millisecond) // encourage registration order
	}
	wg.Wait()

	require.Equal(t, []int64{1, 2, 3}, order)
	require.Equal(t, int64(3), m.LastLeft())
}

func TestMonitor_OutOfOrderAdmissionWhenDependencyMet(t *testing.T) {
	m := New(0)

	// Remote waiter at seqno 5 depends on seqno 2 having left.
	remote := &dependsWaiter{seqno: 5, depends: 2}
	done := make(chan error, 1)
	go func() { done <- m.Enter(context.Background(), remote) }()

	select {
	case <-done:
		t.Fatal("remote waiter entered before its dependency was satisfied")
	case <-time.After(30 * time.Millisecond):
	}

	// A local waiter always passes immediately regardless of order.
	local := &dependsWaiter{seqno: 1, isLocal: true}
	require.NoError(t, m.Enter(context.Background(), local))
	m.Leave(local)

	dep := &dependsWaiter{seqno: 2, isLocal: true}
	require.NoError(t, m.Enter(context.Background(), dep))
	m.Leave(dep)

	require.NoError(t, <-done)
	m.Leave(remote)
}

func TestMonitor_Interrupt(t *testing.T) {
	m := New(0)
	w := &fifoWaiter{seqno: 5}

	m.Interrupt(5)
	err := m.Enter(context.Background(), w)
	require.Error(t, err)
}

func TestMonitor_InterruptSkipsLastLeft(t *testing.T) {
	m := New(0)

	w1 := &fifoWaiter{seqno: 1}
	require.NoError(t, m.Enter(context.Background(), w1))
	m.Leave(w1)

	// seqno 2 is interrupted before ever entering; last_left should
	// still be able to advance past it once 3 completes.
	m.Interrupt(2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w3 := &fifoWaiter{seqno: 3}
		// 3 can't satisfy strict FIFO condition since last_left+1 would
		// need to be 3, but interrupt already marks 2 as left, so once
		// this waiter re-checks after the broadcast it should proceed.
		require.NoError(t, m.Enter(context.Background(), w3))
		m.Leave(w3)
	}()
	wg.Wait()

	require.Equal(t, int64(3), m.LastLeft())
}

func TestMonitor_Drain(t *testing.T) {
	m := New(0)
	w1 := &fifoWaiter{seqno: 1}
	require.NoError(t, m.Enter(context.Background(), w1))

	drained := make(chan struct{})
	go func() {
		require.NoError(t, m.Drain(context.Background()))
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before pending waiter left")
	case <-time.After(30 * time.Millisecond):
	}

	m.Leave(w1)
	<-drained
}

func TestMonitor_Disabled(t *testing.T) {
	m := New(0)
	m.Disable()

	w := &fifoWaiter{seqno: 1000}
	require.NoError(t, m.Enter(context.Background(), w))
	m.Leave(w)
	require.NoError(t, m.Drain(context.Background()))
}

func TestMonitor_ContextCancellation(t *testing.T) {
	m := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	w := &fifoWaiter{seqno: 99}

	done := make(chan error, 1)
	go func() { done <- m.Enter(ctx, w) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
}
