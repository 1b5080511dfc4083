package sensor

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"

	"owlmon-agent/internal/model"
	"owlmon-agent/internal/queue"
)

// Liveness lets a worker detect that its supervisor is gone so it can
// self-terminate instead of sampling as an orphan.
type Liveness interface {
	ParentAlive() bool
}

// Worker runs one sensor config on a drift-compensated schedule. Its
// cycle is a small state machine: Idle → Sampling → Validating →
// Emitting → Sleeping → Idle, with a probe failure short-circuiting
// straight to Sleeping.
type Worker struct {
	cfg          model.SensorConfig
	typ          Type
	catalog      Catalog
	queue        *queue.Queue
	liveness     Liveness
	logger       *slog.Logger
	probeTimeout time.Duration
	machine      *fsm.FSM
	nowMS        func() int64
}

const (
	stateIdle       = "idle"
	stateSampling   = "sampling"
	stateValidating = "validating"
	stateEmitting   = "emitting"
	stateSleeping   = "sleeping"
)

func NewWorker(
	cfg model.SensorConfig,
	typ Type,
	catalog Catalog,
	q *queue.Queue,
	liveness Liveness,
	logger *slog.Logger,
	probeTimeout time.Duration,
) *Worker {
	if probeTimeout <= 0 {
		probeTimeout = 30 * time.Second
	}
	w := &Worker{
		cfg:          cfg,
		typ:          typ,
		catalog:      catalog,
		queue:        q,
		liveness:     liveness,
		logger:       logger.With("sensor", cfg.Sensor, "config_id", cfg.ConfigID),
		probeTimeout: probeTimeout,
		nowMS:        model.NowMS,
	}
	w.machine = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: "tick", Src: []string{stateIdle}, Dst: stateSampling},
			{Name: "sampled", Src: []string{stateSampling}, Dst: stateValidating},
			{Name: "probe_failed", Src: []string{stateSampling}, Dst: stateSleeping},
			{Name: "validated", Src: []string{stateValidating}, Dst: stateEmitting},
			{Name: "emitted", Src: []string{stateEmitting}, Dst: stateSleeping},
			{Name: "slept", Src: []string{stateSleeping}, Dst: stateIdle},
		},
		fsm.Callbacks{},
	)
	return w
}

// Run loops until ctx is cancelled or the supervisor disappears. It
// never returns an error for probe faults; those are transient and
// only skip the cycle.
func (w *Worker) Run(ctx context.Context) error {
	period := w.cfg.SamplingPeriod()
	next := time.Now()

	w.logger.Debug("sensor worker starting", "period", period)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if !w.liveness.ParentAlive() {
			w.logger.Info("supervisor gone, sensor worker exiting")
			return nil
		}

		w.cycle(ctx)

		// Drift-compensated schedule: the next tick is anchored to
		// the previous scheduled time, not to when the probe finished.
		next = next.Add(period)
		now := time.Now()
		if next.Before(now) {
			w.logger.Warn("behind schedule", "lag", now.Sub(next))
			next = now
		}
		if err := w.sleepUntil(ctx, next); err != nil {
			return nil
		}
		w.event(ctx, "slept")
	}
}

// cycle performs one Sampling → Validating → Emitting pass and leaves
// the machine in Sleeping.
func (w *Worker) cycle(ctx context.Context) {
	w.event(ctx, "tick")

	probeCtx, cancel := context.WithTimeout(ctx, w.probeTimeout)
	samples, err := w.typ.Probe(probeCtx, w.cfg.Config)
	cancel()
	if err != nil {
		w.logger.Warn("probe failed, skipping cycle", "error", err)
		w.event(ctx, "probe_failed")
		return
	}
	w.event(ctx, "sampled")

	points := w.validate(samples)
	w.event(ctx, "validated")

	for _, p := range points {
		w.queue.Put(model.NewDataPointMessage(p))
	}
	w.event(ctx, "emitted")
}

// validate applies the catalog discipline: a sample is dropped when
// its stream is undeclared or its value's tag differs from the
// declared datatype. No widening, no coercion.
func (w *Worker) validate(samples []Sample) []model.DataPoint {
	ts := w.nowMS()
	points := make([]model.DataPoint, 0, len(samples))
	for _, s := range samples {
		def, ok := w.catalog[s.Stream]
		if !ok {
			w.logger.Debug("dropping sample for undeclared stream", "stream", s.Stream)
			continue
		}
		if err := model.CheckValue(def.Type, s.Value); err != nil {
			w.logger.Debug("dropping sample with mismatched datatype",
				"stream", s.Stream, "error", err)
			continue
		}
		points = append(points, model.DataPoint{
			ConfigID:    w.cfg.ConfigID,
			StreamName:  s.Stream,
			Datatype:    def.Type,
			TimestampMS: ts,
			Value:       s.Value,
		})
	}
	return points
}

func (w *Worker) sleepUntil(ctx context.Context, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// event advances the state machine. Transitions are fixed at
// construction, so a rejection is a programming error worth logging
// loudly rather than crashing the worker over.
func (w *Worker) event(ctx context.Context, name string) {
	if err := w.machine.Event(ctx, name); err != nil {
		w.logger.Error("state machine rejected transition",
			"event", name, "state", w.machine.Current(), "error", err)
	}
}

// State reports the machine's current state.
func (w *Worker) State() string {
	return w.machine.Current()
}
