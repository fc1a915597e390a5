package repltypes

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeFlusher struct {
	stopped bool
}

func (f *fakeFlusher) Stop() { f.stopped = true }

func TestFatalAbort_StopsTheServiceThreadAndLogsNodeFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	log := zap.New(core)
	svc := &fakeFlusher{}

	FatalAbort(log, svc)

	if !svc.stopped {
		t.Fatal("expected FatalAbort to stop the service thread")
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one error log entry, got %d", len(entries))
	}
	if entries[0].Message != "fatal replication error, node aborting" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestFatalAbort_NilServiceAndLoggerDoNotPanic(t *testing.T) {
	FatalAbort(nil, nil)
}
