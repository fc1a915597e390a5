package servicethread

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodb/core/replication/ordermonitor"
)

type fakeReporter struct {
	calls atomic.Int64
	last  atomic.Int64
}

func (r *fakeReporter) ReportLastCommitted(_ context.Context, seqno int64) error {
	r.calls.Add(1)
	r.last.Store(seqno)
	return nil
}

// waiter is a minimal ordermonitor.Waiter used only to advance
// last_left in these tests.
type waiter struct{ seqno int64 }

func (w waiter) Seqno() int64              { return w.seqno }
func (w waiter) Lock()                     {}
func (w waiter) Unlock()                   {}
func (w waiter) Condition(_, _ int64) bool { return true }

func TestServiceThread_ReportsOnlyEveryNthCommit(t *testing.T) {
	mon := ordermonitor.New(0)
	ctx := context.Background()
	reporter := &fakeReporter{}
	st := New(3, mon, reporter, nil)
	st.Start(ctx)
	defer st.Stop()

	for i := int64(1); i <= 2; i++ {
		require.NoError(t, mon.Enter(ctx, waiter{i}))
		mon.Leave(waiter{i})
		st.Notify()
	}
	require.Eventually(t, func() bool { return reporter.calls.Load() == 0 }, 200*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, mon.Enter(ctx, waiter{3}))
	mon.Leave(waiter{3})
	st.Notify()

	require.Eventually(t, func() bool { return reporter.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), reporter.last.Load())
}

func TestServiceThread_DefaultIntervalReportsEveryCommit(t *testing.T) {
	mon := ordermonitor.New(10)
	reporter := &fakeReporter{}
	st := New(0, mon, reporter, nil)
	ctx := context.Background()
	st.Start(ctx)
	defer st.Stop()

	require.NoError(t, mon.Enter(ctx, waiter{11}))
	mon.Leave(waiter{11})
	st.Notify()

	require.Eventually(t, func() bool { return reporter.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(11), reporter.last.Load())
}

func TestServiceThread_StopIsIdempotentAndStopsDelivery(t *testing.T) {
	mon := ordermonitor.New(0)
	reporter := &fakeReporter{}
	st := New(1, mon, reporter, nil)
	st.Start(context.Background())
	st.Stop()
	st.Stop() // must not panic or double-close

	st.Notify()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), reporter.calls.Load())
}
