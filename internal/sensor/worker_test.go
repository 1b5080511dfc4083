package sensor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"owlmon-agent/internal/model"
	"owlmon-agent/internal/queue"
)

type alwaysAlive struct{}

func (alwaysAlive) ParentAlive() bool { return true }

type deadParent struct{}

func (deadParent) ParentAlive() bool { return false }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T, typ *stubType, q *queue.Queue, liveness Liveness) *Worker {
	t.Helper()
	r := NewRegistry()
	if err := r.Register(typ); err != nil {
		t.Fatalf("register: %v", err)
	}
	registered, catalog, _ := r.Lookup(typ.name)
	cfg := model.SensorConfig{ConfigID: "cfg-1", Sensor: typ.name, Frequency: 1}
	w := NewWorker(cfg, registered, catalog, q, liveness, testLogger(), time.Second)
	w.nowMS = func() int64 { return 1700000000000 }
	return w
}

func TestCycleEmitsValidSample(t *testing.T) {
	q := queue.New()
	typ := &stubType{
		name:    "stub",
		streams: Catalog{"default": {Type: model.ValueTypeFloat}},
		probe: func(context.Context, map[string]any) ([]Sample, error) {
			return []Sample{{Stream: "default", Value: 1.1}}, nil
		},
	}
	w := newTestWorker(t, typ, q, alwaysAlive{})

	w.cycle(context.Background())

	msg, ok := q.TryGet(model.KindDataPoint)
	if !ok {
		t.Fatalf("no message enqueued")
	}
	p := msg.DataPoint
	if p == nil {
		t.Fatalf("message has no data point")
	}
	if p.ConfigID != "cfg-1" || p.StreamName != "default" ||
		p.Datatype != model.ValueTypeFloat || p.Value != 1.1 ||
		p.TimestampMS != 1700000000000 {
		t.Fatalf("unexpected data point: %#v", p)
	}
	if _, ok := q.TryGet(model.KindDataPoint); ok {
		t.Fatalf("more than one message enqueued")
	}
	if w.State() != stateSleeping {
		t.Fatalf("state after cycle = %q, want sleeping", w.State())
	}
}

func TestCycleDropsUndeclaredStream(t *testing.T) {
	q := queue.New()
	typ := &stubType{
		name:    "stub",
		streams: Catalog{"default": {Type: model.ValueTypeFloat}},
		probe: func(context.Context, map[string]any) ([]Sample, error) {
			return []Sample{{Stream: "rogue", Value: 1.1}}, nil
		},
	}
	w := newTestWorker(t, typ, q, alwaysAlive{})

	w.cycle(context.Background())

	if _, ok := q.TryGet(model.KindDataPoint); ok {
		t.Fatalf("sample for undeclared stream was enqueued")
	}
}

func TestCycleDropsMismatchedDatatype(t *testing.T) {
	q := queue.New()
	typ := &stubType{
		name:    "stub",
		streams: Catalog{"default": {Type: model.ValueTypeFloat}},
		probe: func(context.Context, map[string]any) ([]Sample, error) {
			// int64 against a float stream: tag equality, no widening.
			return []Sample{{Stream: "default", Value: int64(1)}}, nil
		},
	}
	w := newTestWorker(t, typ, q, alwaysAlive{})

	w.cycle(context.Background())

	if _, ok := q.TryGet(model.KindDataPoint); ok {
		t.Fatalf("sample with mismatched datatype was enqueued")
	}
}

func TestCycleProbeFailureSkips(t *testing.T) {
	q := queue.New()
	typ := &stubType{
		name:    "stub",
		streams: Catalog{"default": {Type: model.ValueTypeFloat}},
		probe: func(context.Context, map[string]any) ([]Sample, error) {
			return nil, fmt.Errorf("device gone")
		},
	}
	w := newTestWorker(t, typ, q, alwaysAlive{})

	w.cycle(context.Background())

	if _, ok := q.TryGet(model.KindDataPoint); ok {
		t.Fatalf("probe failure still enqueued a message")
	}
	if w.State() != stateSleeping {
		t.Fatalf("state after failed cycle = %q, want sleeping", w.State())
	}
}

func TestRunExitsWhenOrphaned(t *testing.T) {
	q := queue.New()
	typ := &stubType{
		name:    "stub",
		streams: Catalog{"default": {Type: model.ValueTypeFloat}},
	}
	w := newTestWorker(t, typ, q, deadParent{})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("orphaned run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("orphaned worker did not exit")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := queue.New()
	typ := &stubType{
		name:    "stub",
		streams: Catalog{"default": {Type: model.ValueTypeFloat}},
		probe: func(context.Context, map[string]any) ([]Sample, error) {
			return []Sample{{Stream: "default", Value: 1.0}}, nil
		},
	}
	w := newTestWorker(t, typ, q, alwaysAlive{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop on cancel")
	}
}
