// Package servicethread implements the background worker that
// coalesces "report last-committed" notifications into periodic
// out-of-band messages to the group (spec §4.7), following the
// coalescing-writer-loop shape of the teacher's eventsender.EventSender
// (a dedicated goroutine draining a channel on its own schedule, torn
// down via a quit channel and a WaitGroup).
package servicethread

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb/core/replication/ordermonitor"
)

// Reporter is the narrow out-of-band side channel the service thread
// needs from the group transport: advancing peers' commit-cut horizon
// is a standalone message, not a totally-ordered write-set submission,
// so it is modeled separately from pipeline.GroupChannel's Submit.
type Reporter interface {
	ReportLastCommitted(ctx context.Context, seqno int64) error
}

// ServiceThread is, per spec §4.7, "the single writer for asynchronous
// out-of-band messages": only one goroutine (run) ever calls
// Reporter.ReportLastCommitted.
type ServiceThread struct {
	reportInterval int64
	apply          *ordermonitor.Monitor
	reporter       Reporter
	log            *zap.Logger

	counter  atomic.Int64
	notifyCh chan struct{}

	quit   chan struct{}
	closed int32
	wg     sync.WaitGroup
}

// New builds a service thread that reports apply_monitor.LastLeft()
// every reportInterval commit notifications. reportInterval <= 0 is
// treated as 1 (report on every commit).
func New(reportInterval int64, apply *ordermonitor.Monitor, reporter Reporter, log *zap.Logger) *ServiceThread {
	if reportInterval <= 0 {
		reportInterval = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ServiceThread{
		reportInterval: reportInterval,
		apply:          apply,
		reporter:       reporter,
		log:            log,
		notifyCh:       make(chan struct{}, 1),
		quit:           make(chan struct{}),
	}
}

// Notify records a commit. Pass this as pipeline.Callbacks.Notify so the
// pipeline's commit stage feeds this thread directly (spec §4.7).
func (s *ServiceThread) Notify() {
	n := s.counter.Add(1)
	if n%s.reportInterval != 0 {
		return
	}
	select {
	case s.notifyCh <- struct{}{}:
	default:
		// a report is already pending; the next one will pick up the
		// latest last_left anyway, so dropping this wakeup is safe.
	}
}

// Start launches the background loop. Stop must be called to release
// it.
func (s *ServiceThread) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *ServiceThread) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-s.notifyCh:
			seqno := s.apply.LastLeft()
			if err := s.reporter.ReportLastCommitted(ctx, seqno); err != nil {
				s.log.Warn("failed to report last-committed seqno", zap.Int64("seqno", seqno), zap.Error(err))
			}
		}
	}
}

// Stop tears down the background loop and waits for it to exit.
func (s *ServiceThread) Stop() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.quit)
	}
	s.wg.Wait()
}
