package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"owlmon-agent/internal/model"
	"owlmon-agent/internal/queue"
	"owlmon-agent/internal/store"
	"owlmon-agent/internal/transport"
)

type alwaysAlive struct{}

func (alwaysAlive) ParentAlive() bool { return true }

// fakeSource serves one fixed page of inbound messages.
type fakeSource struct {
	msgs []transport.InboundMessage
	err  error
}

func (f *fakeSource) PullInbound(context.Context, string, int) ([]transport.InboundMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := f.msgs
	f.msgs = nil
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReceiver(t *testing.T, q *queue.Queue, source transport.InboundSource, handlers Handlers) (*Receiver, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "receiver.db")
	r := New("agent-1", q, source, handlers, alwaysAlive{}, path, DefaultOptions(), testLogger())
	st, err := store.Open(path, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return r, st
}

func TestErrorChannelPersistedAndReemitted(t *testing.T) {
	q := queue.New()
	q.Put(model.NewErrorLogMessage(model.ErrorLogEntry{
		ConfigID:    "err-1",
		TimestampMS: 1700000000000,
		Severity:    "ERROR",
		Message:     "probe exploded",
	}))
	r, st := newTestReceiver(t, q, &fakeSource{}, Handlers{})
	ctx := context.Background()

	n, err := r.drainErrorChannel(ctx, st)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("drained %d, want 1", n)
	}

	applied, err := r.applyPending(ctx, st)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied %d, want 1", applied)
	}

	// Application surfaces the failure back onto the outbound path.
	msg, ok := q.TryGet(model.KindDataPoint)
	if !ok {
		t.Fatalf("no _error data point emitted")
	}
	p := msg.DataPoint
	if p.ConfigID != "err-1" || p.StreamName != "_error" ||
		p.Datatype != model.ValueTypeText || p.Value != "probe exploded" {
		t.Fatalf("unexpected _error point: %#v", p)
	}

	count, err := st.CountPending(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("applied row still pending")
	}
}

func TestConfigPushInvokesHandler(t *testing.T) {
	pushes := 0
	handlers := Handlers{
		OnConfigPush: func(context.Context) error {
			pushes++
			return nil
		},
	}
	source := &fakeSource{msgs: []transport.InboundMessage{
		{ID: "m1", Type: transport.InboundConfigPush},
	}}
	r, st := newTestReceiver(t, queue.New(), source, handlers)
	ctx := context.Background()

	if _, err := r.pullCollector(ctx, st); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if _, err := r.applyPending(ctx, st); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if pushes != 1 {
		t.Fatalf("config push handler called %d times, want 1", pushes)
	}
}

func TestCommandDispatch(t *testing.T) {
	var gotName string
	handlers := Handlers{
		OnCommand: func(_ context.Context, name string, _ json.RawMessage) error {
			gotName = name
			return nil
		},
	}
	payload, _ := json.Marshal(map[string]string{"name": "resync"})
	source := &fakeSource{msgs: []transport.InboundMessage{
		{ID: "m1", Type: transport.InboundCommand, Payload: payload},
	}}
	r, st := newTestReceiver(t, queue.New(), source, handlers)
	ctx := context.Background()

	if _, err := r.pullCollector(ctx, st); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if _, err := r.applyPending(ctx, st); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if gotName != "resync" {
		t.Fatalf("command name = %q, want resync", gotName)
	}
}

func TestFailedApplicationStaysPending(t *testing.T) {
	handlers := Handlers{
		OnConfigPush: func(context.Context) error {
			return fmt.Errorf("refresh failed")
		},
	}
	source := &fakeSource{msgs: []transport.InboundMessage{
		{ID: "m1", Type: transport.InboundConfigPush},
	}}
	r, st := newTestReceiver(t, queue.New(), source, handlers)
	ctx := context.Background()

	if _, err := r.pullCollector(ctx, st); err != nil {
		t.Fatalf("pull: %v", err)
	}
	applied, err := r.applyPending(ctx, st)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != 0 {
		t.Fatalf("failed application counted as applied")
	}

	n, err := st.CountPending(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("failed row not left pending: %d", n)
	}
}

func TestPullFailureIsNonFatal(t *testing.T) {
	source := &fakeSource{err: fmt.Errorf("collector down")}
	r, st := newTestReceiver(t, queue.New(), source, Handlers{})

	if _, err := r.pullCollector(context.Background(), st); err == nil {
		t.Fatalf("pull failure not reported")
	}
	// Run treats this as a warning; nothing to assert beyond the error
	// surfacing, the store must simply be untouched.
	n, err := st.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("rows appeared from a failed pull")
	}
}
