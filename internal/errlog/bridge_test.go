package errlog

import (
	"io"
	"log/slog"
	"testing"

	"owlmon-agent/internal/model"
	"owlmon-agent/internal/queue"
)

// innerHandler must report Enabled, otherwise slog never reaches the
// bridge; the discard handler would short-circuit everything.
func innerHandler() slog.Handler {
	return slog.NewTextHandler(io.Discard, nil)
}

func newTestBridge(q *queue.Queue) *slog.Logger {
	b := NewBridge(innerHandler(), q)
	return slog.New(b)
}

func TestErrorRecordsDroppedWithoutConfigID(t *testing.T) {
	q := queue.New()
	logger := newTestBridge(q)

	logger.Error("disk on fire")
	if q.Len(model.KindErrorLog) != 0 {
		t.Fatalf("error enqueued before config id was known")
	}
}

func TestErrorRecordsForwardedWithConfigID(t *testing.T) {
	q := queue.New()
	b := NewBridge(innerHandler(), q)
	logger := slog.New(b)
	b.SetConfigID("err-1")

	logger.Error("disk on fire")
	logger.Warn("just a warning")
	logger.Info("noise")

	if got := q.Len(model.KindErrorLog); got != 1 {
		t.Fatalf("queued %d error entries, want 1", got)
	}
	msg, _ := q.TryGet(model.KindErrorLog)
	e := msg.ErrorLog
	if e.ConfigID != "err-1" || e.Message != "disk on fire" || e.Severity != "ERROR" {
		t.Fatalf("unexpected entry: %#v", e)
	}
	if e.TimestampMS == 0 {
		t.Fatalf("entry missing timestamp")
	}
}

func TestDerivedHandlersShareConfigID(t *testing.T) {
	q := queue.New()
	b := NewBridge(innerHandler(), q)
	derived := slog.New(b).With("worker", "shipper")
	b.SetConfigID("err-1")

	derived.Error("boom")
	if q.Len(model.KindErrorLog) != 1 {
		t.Fatalf("derived logger did not forward error")
	}
}
