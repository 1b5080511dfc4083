package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"owlmon-agent/internal/model"
	"owlmon-agent/internal/queue"
	"owlmon-agent/internal/store"
	"owlmon-agent/internal/transport"
)

// Liveness lets the receiver detect a vanished supervisor.
type Liveness interface {
	ParentAlive() bool
}

// Handlers are the local effects of applied inbound traffic. Both are
// optional; a missing handler downgrades application to a log line.
type Handlers struct {
	// OnConfigPush is invoked when the collector pushes configuration;
	// the supervisor wires its refresh here.
	OnConfigPush func(ctx context.Context) error
	// OnCommand receives collector commands by name.
	OnCommand func(ctx context.Context, name string, payload json.RawMessage) error
}

// Options tunes the receiver's polling.
type Options struct {
	PollInterval time.Duration
	PullLimit    int
}

func DefaultOptions() Options {
	return Options{PollInterval: time.Second, PullLimit: 100}
}

// record is the persisted form of one inbound item: either an
// error-channel entry from the queue or a collector message.
type record struct {
	Error   *model.ErrorLogEntry      `json:"error,omitempty"`
	Message *transport.InboundMessage `json:"message,omitempty"`
}

// Receiver mirrors the shipper for the inbound direction: collector
// messages and error-channel entries are persisted as pending rows,
// applied locally, and marked consumed only after application
// succeeds. A crash mid-apply replays the row.
type Receiver struct {
	agentID   string
	queue     *queue.Queue
	source    transport.InboundSource
	handlers  Handlers
	liveness  Liveness
	logger    *slog.Logger
	storePath string
	opts      Options
}

func New(
	agentID string,
	q *queue.Queue,
	source transport.InboundSource,
	handlers Handlers,
	liveness Liveness,
	storePath string,
	opts Options,
	logger *slog.Logger,
) *Receiver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.PullLimit <= 0 {
		opts.PullLimit = DefaultOptions().PullLimit
	}
	return &Receiver{
		agentID:   agentID,
		queue:     q,
		source:    source,
		handlers:  handlers,
		liveness:  liveness,
		logger:    logger.With("worker", "receiver"),
		storePath: storePath,
		opts:      opts,
	}
}

// Run opens the durable store and loops: persist new inbound items,
// then apply whatever is pending. Rows left over from a crash are
// applied before any new traffic.
func (r *Receiver) Run(ctx context.Context) error {
	st, err := store.Open(r.storePath, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		r.drainErrorChannel(context.Background(), st)
		if cerr := st.Close(); cerr != nil {
			r.logger.Warn("store close failed", "error", cerr)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !r.liveness.ParentAlive() {
			r.logger.Info("supervisor gone, receiver exiting")
			return nil
		}

		ingested := 0
		n, err := r.drainErrorChannel(ctx, st)
		if err != nil {
			return err
		}
		ingested += n

		n, err = r.pullCollector(ctx, st)
		if err != nil {
			// Network fault: pending rows are untouched, try later.
			r.logger.Warn("inbound pull failed", "error", err)
		} else {
			ingested += n
		}

		applied, err := r.applyPending(ctx, st)
		if err != nil {
			return err
		}

		if ingested == 0 && applied == 0 {
			if !sleep(ctx, r.opts.PollInterval) {
				return nil
			}
		}
	}
}

// drainErrorChannel persists queued error-log entries as pending rows.
func (r *Receiver) drainErrorChannel(ctx context.Context, st *store.Store) (int, error) {
	var payloads [][]byte
	for {
		msg, ok := r.queue.TryGet(model.KindErrorLog)
		if !ok {
			break
		}
		if msg.ErrorLog == nil {
			continue
		}
		payload, err := json.Marshal(record{Error: msg.ErrorLog})
		if err != nil {
			r.logger.Error("dropping unencodable error entry", "error", err)
			continue
		}
		payloads = append(payloads, payload)
	}
	if len(payloads) == 0 {
		return 0, nil
	}
	if err := st.AppendBatch(ctx, payloads); err != nil {
		return 0, err
	}
	return len(payloads), nil
}

// pullCollector fetches queued collector messages and persists them.
func (r *Receiver) pullCollector(ctx context.Context, st *store.Store) (int, error) {
	msgs, err := r.source.PullInbound(ctx, r.agentID, r.opts.PullLimit)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	payloads := make([][]byte, 0, len(msgs))
	for i := range msgs {
		payload, err := json.Marshal(record{Message: &msgs[i]})
		if err != nil {
			r.logger.Error("dropping unencodable inbound message", "error", err)
			continue
		}
		payloads = append(payloads, payload)
	}
	if err := st.AppendBatch(ctx, payloads); err != nil {
		return 0, err
	}
	return len(payloads), nil
}

// applyPending applies pending rows in insertion order, marking each
// consumed only after its application succeeded. The first failing
// row stops the pass so ordering is preserved.
func (r *Receiver) applyPending(ctx context.Context, st *store.Store) (int, error) {
	records, err := st.Pending(ctx, r.opts.PullLimit)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, row := range records {
		var rec record
		if err := json.Unmarshal(row.Payload, &rec); err != nil {
			r.logger.Error("purging undecodable inbound row", "id", row.ID, "error", err)
			if cerr := st.Complete(ctx, []int64{row.ID}, model.StatusConsumed); cerr != nil {
				return applied, cerr
			}
			continue
		}
		if err := r.apply(ctx, rec); err != nil {
			r.logger.Warn("inbound application failed, row stays pending",
				"id", row.ID, "error", err)
			return applied, nil
		}
		if err := st.Complete(ctx, []int64{row.ID}, model.StatusConsumed); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// apply performs the local effect of one inbound item.
func (r *Receiver) apply(ctx context.Context, rec record) error {
	switch {
	case rec.Error != nil:
		// Audit record locally, then surface the failure to the
		// collector as an _error data point on the outbound path.
		// Advisory only: this is not the primary delivery guarantee.
		r.logger.Debug("error channel entry recorded",
			"config_id", rec.Error.ConfigID, "severity", rec.Error.Severity,
			"message", rec.Error.Message)
		r.queue.Put(model.NewDataPointMessage(model.DataPoint{
			ConfigID:    rec.Error.ConfigID,
			StreamName:  "_error",
			Datatype:    model.ValueTypeText,
			TimestampMS: rec.Error.TimestampMS,
			Value:       rec.Error.Message,
		}))
		return nil

	case rec.Message != nil:
		switch rec.Message.Type {
		case transport.InboundConfigPush:
			if r.handlers.OnConfigPush == nil {
				r.logger.Warn("config push received but no handler wired")
				return nil
			}
			return r.handlers.OnConfigPush(ctx)
		case transport.InboundCommand:
			var cmd struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(rec.Message.Payload, &cmd); err != nil {
				return fmt.Errorf("decode command: %w", err)
			}
			if r.handlers.OnCommand == nil {
				r.logger.Warn("command received but no handler wired", "command", cmd.Name)
				return nil
			}
			return r.handlers.OnCommand(ctx, cmd.Name, rec.Message.Payload)
		case transport.InboundAck:
			r.logger.Debug("collector ack recorded", "id", rec.Message.ID)
			return nil
		default:
			r.logger.Warn("unknown inbound message type", "type", rec.Message.Type)
			return nil
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
