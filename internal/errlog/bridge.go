package errlog

import (
	"context"
	"log/slog"
	"sync"

	"owlmon-agent/internal/model"
	"owlmon-agent/internal/queue"
)

// Bridge is a slog.Handler that forwards error-severity records onto
// the inter-worker queue as error-log entries, attributed to the
// internal error sensor's config id. The agent's own failures then
// travel the same pipeline as telemetry. Best-effort: records are
// dropped (to the inner handler only) until a config id is known.
type Bridge struct {
	inner slog.Handler
	queue *queue.Queue
	state *bridgeState
}

type bridgeState struct {
	mu       sync.RWMutex
	configID string
}

func NewBridge(inner slog.Handler, q *queue.Queue) *Bridge {
	return &Bridge{inner: inner, queue: q, state: &bridgeState{}}
}

// SetConfigID attributes subsequent error records. Called by the
// supervisor when remote config names the _error pseudo-sensor.
func (b *Bridge) SetConfigID(id string) {
	b.state.mu.Lock()
	b.state.configID = id
	b.state.mu.Unlock()
}

func (b *Bridge) configID() string {
	b.state.mu.RLock()
	defer b.state.mu.RUnlock()
	return b.state.configID
}

func (b *Bridge) Enabled(ctx context.Context, level slog.Level) bool {
	return b.inner.Enabled(ctx, level)
}

func (b *Bridge) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= slog.LevelError {
		if id := b.configID(); id != "" {
			b.queue.Put(model.NewErrorLogMessage(model.ErrorLogEntry{
				ConfigID:    id,
				TimestampMS: rec.Time.UnixMilli(),
				Severity:    rec.Level.String(),
				Message:     rec.Message,
			}))
		}
	}
	return b.inner.Handle(ctx, rec)
}

func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Bridge{inner: b.inner.WithAttrs(attrs), queue: b.queue, state: b.state}
}

func (b *Bridge) WithGroup(name string) slog.Handler {
	return &Bridge{inner: b.inner.WithGroup(name), queue: b.queue, state: b.state}
}
