package shipper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"owlmon-agent/internal/model"
	"owlmon-agent/internal/queue"
	"owlmon-agent/internal/store"
	"owlmon-agent/internal/transport"
)

// Liveness lets the shipper detect a vanished supervisor.
type Liveness interface {
	ParentAlive() bool
}

// Options tunes batching and retry behavior.
type Options struct {
	BatchLimit      int
	PollInterval    time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchLimit:      250,
		PollInterval:    time.Second,
		InitialInterval: time.Second,
		MaxInterval:     60 * time.Second,
	}
}

// Shipper is the outbound store-and-forward worker: it drains data
// points off the queue into its durable store, then delivers pending
// rows to the collector in insertion order, purging only on a
// positive ack. A crash before the ack leaves rows pending and they
// are replayed, so delivery is at-least-once.
type Shipper struct {
	agentID   string
	queue     *queue.Queue
	sink      transport.DataSink
	liveness  Liveness
	logger    *slog.Logger
	storePath string
	opts      Options
}

func New(
	agentID string,
	q *queue.Queue,
	sink transport.DataSink,
	liveness Liveness,
	storePath string,
	opts Options,
	logger *slog.Logger,
) *Shipper {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultOptions().BatchLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultOptions().InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultOptions().MaxInterval
	}
	return &Shipper{
		agentID:   agentID,
		queue:     q,
		sink:      sink,
		liveness:  liveness,
		logger:    logger.With("worker", "shipper"),
		storePath: storePath,
		opts:      opts,
	}
}

// Run opens the durable store (creating the schema on first run) and
// loops until stopped or orphaned. Pending rows from a previous crash
// are picked up before any new queue traffic.
func (s *Shipper) Run(ctx context.Context) error {
	st, err := store.Open(s.storePath, s.logger)
	if err != nil {
		return err
	}
	defer func() {
		// Flush whatever is still queued so a termination signal
		// never loses sampled data.
		s.drain(context.Background(), st)
		if cerr := st.Close(); cerr != nil {
			s.logger.Warn("store close failed", "error", cerr)
		}
	}()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.opts.InitialInterval
	retry.MaxInterval = s.opts.MaxInterval
	retry.MaxElapsedTime = 0 // rows retry until delivered
	retry.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !s.liveness.ParentAlive() {
			s.logger.Info("supervisor gone, shipper exiting")
			return nil
		}

		drained, err := s.drain(ctx, st)
		if err != nil {
			return err
		}

		delivered, err := s.deliverPending(ctx, st)
		if err != nil {
			// NetworkError: rows stay pending, back off and retry.
			wait := retry.NextBackOff()
			s.logger.Warn("delivery failed, backing off", "error", err, "wait", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		if delivered > 0 {
			retry.Reset()
			continue
		}
		if drained == 0 {
			// Nothing queued, nothing pending: idle without spinning.
			if !sleep(ctx, s.opts.PollInterval) {
				return nil
			}
		}
	}
}

// drain moves every currently queued data point into the durable
// store as pending rows. Non-blocking: it stops at the first empty
// poll.
func (s *Shipper) drain(ctx context.Context, st *store.Store) (int, error) {
	var payloads [][]byte
	for {
		msg, ok := s.queue.TryGet(model.KindDataPoint)
		if !ok {
			break
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("dropping unencodable queue message", "error", err)
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

// deliverPending sends one batch of pending rows, oldest first, and
// purges them on ack. Returns how many rows were confirmed. A zero
// with nil error means there was nothing to send — no network call is
// made in that case.
func (s *Shipper) deliverPending(ctx context.Context, st *store.Store) (int, error) {
	records, err := st.Pending(ctx, s.opts.BatchLimit)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	msgs := make([]model.QueueMessage, 0, len(records))
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		var msg model.QueueMessage
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			// A corrupt row would wedge the whole buffer; confirm it
			// away and keep a trace.
			s.logger.Error("purging undecodable buffered row", "id", rec.ID, "error", err)
			if cerr := st.Complete(ctx, []int64{rec.ID}, model.StatusShipped); cerr != nil {
				return 0, cerr
			}
			continue
		}
		msgs = append(msgs, msg)
		ids = append(ids, rec.ID)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	frame := transport.NewBatchFrame(s.agentID, uuid.NewString(), msgs)
	if _, err := s.sink.StoreData(ctx, frame); err != nil {
		return 0, err
	}
	if err := st.Complete(ctx, ids, model.StatusShipped); err != nil {
		return 0, err
	}
	s.logger.Debug("batch delivered", "rows", len(ids), "batch_id", frame.BatchID)
	return len(ids), nil
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
