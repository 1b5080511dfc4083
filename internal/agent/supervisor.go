package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"

	"owlmon-agent/internal/config"
	"owlmon-agent/internal/errlog"
	"owlmon-agent/internal/model"
	"owlmon-agent/internal/queue"
	"owlmon-agent/internal/receiver"
	"owlmon-agent/internal/sensor"
	"owlmon-agent/internal/shipper"
	"owlmon-agent/internal/transport"
)

// SupervisionError is fatal: a mandatory child kept dying past its
// restart budget, so the pipeline cannot be kept whole.
type SupervisionError struct {
	Child    string
	Restarts int
	Err      error
}

func (e *SupervisionError) Error() string {
	return fmt.Sprintf("supervision: mandatory child %q failed after %d restarts: %v",
		e.Child, e.Restarts, e.Err)
}

func (e *SupervisionError) Unwrap() error {
	return e.Err
}

// errChildExited stands in for a mandatory child that returned nil
// from its run loop, so a SupervisionError never carries a nil cause.
var errChildExited = errors.New("child exited")

const (
	childShipper  = "shipper"
	childReceiver = "receiver"
)

// child tracks one supervised goroutine. start builds a fresh
// component instance on every spawn so restarts never reuse state
// (store handles in particular).
type child struct {
	name      string
	mandatory bool
	start     func(ctx context.Context) error
	sensorCfg model.SensorConfig // zero for mandatory children

	cancel    context.CancelFunc
	done      chan struct{}
	err       error // written before done closes, read only after
	restarts  int
	wait      time.Duration
	retryAt   time.Time
	spawnedAt time.Time
}

// Supervisor owns the process tree: the mandatory shipper and
// receiver, plus one sensor worker per active config entry. Dead
// children are restarted with a doubling delay up to a bounded
// budget; a mandatory child exhausting its budget takes the whole
// agent down.
type Supervisor struct {
	cfg       config.Config
	logger    *slog.Logger
	registry  *sensor.Registry
	queue     *queue.Queue
	sink      transport.DataSink
	source    transport.InboundSource
	rpc       transport.RPCCaller
	bridge    *errlog.Bridge
	heartbeat *Heartbeat
	health    *HealthStatus

	children map[string]*child
	active   model.ConfigSet
	refresh  chan struct{}
}

func NewSupervisor(
	cfg config.Config,
	registry *sensor.Registry,
	q *queue.Queue,
	sink transport.DataSink,
	source transport.InboundSource,
	rpc transport.RPCCaller,
	bridge *errlog.Bridge,
	health *HealthStatus,
	logger *slog.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		logger:    logger.With("component", "supervisor"),
		registry:  registry,
		queue:     q,
		sink:      sink,
		source:    source,
		rpc:       rpc,
		bridge:    bridge,
		heartbeat: NewHeartbeat(cfg.SuperviseInterval),
		health:    health,
		children:  make(map[string]*child),
		refresh:   make(chan struct{}, 1),
	}
}

// Heartbeat exposes the liveness beacon workers watch.
func (s *Supervisor) Heartbeat() *Heartbeat {
	return s.heartbeat
}

// Run starts the mandatory children, applies the initial sensor
// configuration, and supervises until ctx is cancelled or a mandatory
// child exhausts its restart budget.
func (s *Supervisor) Run(ctx context.Context) error {
	// The liveness beacon ticks on its own goroutine: a config fetch
	// blocked on the collector or a slow child stop must never read as
	// a dead parent to the workers.
	beatStop := make(chan struct{})
	defer close(beatStop)
	go s.beatLoop(beatStop)

	s.applyConfig(s.loadInitialConfig(ctx))

	s.spawn(ctx, s.newShipperChild())
	s.spawn(ctx, s.newReceiverChild())
	s.reconcileSensors(ctx)

	supervise := time.NewTicker(s.cfg.SuperviseInterval)
	defer supervise.Stop()
	refresh := time.NewTicker(s.cfg.ConfigRefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-supervise.C:
			if err := s.reap(ctx); err != nil {
				s.shutdown()
				return err
			}
			s.health.SetChildrenAlive(s.aliveCount())
		case <-refresh.C:
			s.refreshConfig(ctx)
		case <-s.refresh:
			s.refreshConfig(ctx)
		}
	}
}

func (s *Supervisor) beatLoop(stop <-chan struct{}) {
	tick := time.NewTicker(s.cfg.SuperviseInterval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			s.heartbeat.Beat()
		}
	}
}

// RequestRefresh asks for a config refresh on the supervisor's own
// goroutine. Used as the receiver's config-push handler; safe from any
// goroutine, coalesces bursts.
func (s *Supervisor) RequestRefresh(context.Context) error {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
	return nil
}

// reap restarts dead children within their budget. Only mandatory
// children can fail the supervisor; a sensor worker past its budget is
// abandoned with an error log and its entry removed.
func (s *Supervisor) reap(ctx context.Context) error {
	now := time.Now()
	for name, c := range s.children {
		select {
		case <-c.done:
		default:
			// A child that has stayed up past the backoff cap earns its
			// restart budget back.
			if c.restarts > 0 && now.Sub(c.spawnedAt) >= s.cfg.RestartBackoffMax {
				c.restarts = 0
				c.wait = s.cfg.RestartBackoffInitial
			}
			continue
		}

		if c.retryAt.IsZero() {
			if c.restarts >= s.cfg.ChildRestartBudget {
				if c.mandatory {
					cause := c.err
					if cause == nil {
						cause = errChildExited
					}
					return &SupervisionError{Child: name, Restarts: c.restarts, Err: cause}
				}
				s.logger.Error("sensor worker abandoned after restart budget",
					"child", name, "restarts", c.restarts, "error", c.err)
				delete(s.children, name)
				continue
			}
			c.retryAt = now.Add(c.wait)
			s.logger.Warn("child died, restart scheduled",
				"child", name, "error", c.err, "wait", c.wait, "restarts", c.restarts)
			c.wait *= 2
			if c.wait > s.cfg.RestartBackoffMax {
				c.wait = s.cfg.RestartBackoffMax
			}
			continue
		}

		if now.After(c.retryAt) {
			c.restarts++
			c.retryAt = time.Time{}
			s.respawn(ctx, c)
		}
	}
	return nil
}

// spawn registers and starts a child in its own goroutine. Panics are
// contained: a panicking child counts as a death, not a crash of the
// supervisor.
func (s *Supervisor) spawn(ctx context.Context, c *child) {
	s.children[c.name] = c
	s.respawn(ctx, c)
}

func (s *Supervisor) respawn(ctx context.Context, c *child) {
	childCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.err = nil
	c.spawnedAt = time.Now()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("child panic: %v", r)
			}
		}()
		c.err = c.start(childCtx)
	}()
	s.logger.Debug("child started", "child", c.name, "restarts", c.restarts)
}

func (s *Supervisor) newShipperChild() *child {
	opts := shipper.Options{
		BatchLimit:      s.cfg.ShipperBatchLimit,
		PollInterval:    s.cfg.ShipperPollInterval,
		InitialInterval: s.cfg.ShipperBackoffInitial,
		MaxInterval:     s.cfg.ShipperBackoffMax,
	}
	return &child{
		name:      childShipper,
		mandatory: true,
		wait:      s.cfg.RestartBackoffInitial,
		start: func(ctx context.Context) error {
			sh := shipper.New(s.cfg.AgentID, s.queue, s.sink, s.heartbeat,
				s.cfg.ShipperStorePath(), opts, s.logger)
			return sh.Run(ctx)
		},
	}
}

func (s *Supervisor) newReceiverChild() *child {
	opts := receiver.Options{
		PollInterval: s.cfg.ReceiverPollInterval,
		PullLimit:    s.cfg.ReceiverPullLimit,
	}
	handlers := receiver.Handlers{
		OnConfigPush: s.RequestRefresh,
		OnCommand: func(_ context.Context, name string, _ json.RawMessage) error {
			s.logger.Info("collector command received", "command", name)
			return nil
		},
	}
	return &child{
		name:      childReceiver,
		mandatory: true,
		wait:      s.cfg.RestartBackoffInitial,
		start: func(ctx context.Context) error {
			rc := receiver.New(s.cfg.AgentID, s.queue, s.source, handlers, s.heartbeat,
				s.cfg.ReceiverStorePath(), opts, s.logger)
			return rc.Run(ctx)
		},
	}
}

func (s *Supervisor) newSensorChild(cfg model.SensorConfig) (*child, error) {
	typ, catalog, ok := s.registry.Lookup(cfg.Sensor)
	if !ok {
		return nil, fmt.Errorf("unknown sensor type %q", cfg.Sensor)
	}
	return &child{
		name:      sensorChildName(cfg.ConfigID),
		sensorCfg: cfg,
		wait:      s.cfg.RestartBackoffInitial,
		start: func(ctx context.Context) error {
			w := sensor.NewWorker(cfg, typ, catalog, s.queue, s.heartbeat,
				s.logger, s.cfg.ProbeTimeout)
			return w.Run(ctx)
		},
	}, nil
}

func sensorChildName(configID string) string {
	return "sensor:" + configID
}

// refreshConfig fetches remote configuration and reconciles the worker
// set. A fetch failure keeps the current set running.
func (s *Supervisor) refreshConfig(ctx context.Context) {
	entries, err := s.fetchRemoteConfig(ctx)
	if err != nil {
		s.logger.Warn("remote config fetch failed, keeping current set", "error", err)
		return
	}
	set := model.NormalizeConfigSet(entries)
	if reflect.DeepEqual(set, s.active) {
		return
	}
	s.applyConfig(set)
	s.reconcileSensors(ctx)
}

// loadInitialConfig prefers the collector; when it is unreachable at
// startup the cached set keeps sampling alive until it comes back.
func (s *Supervisor) loadInitialConfig(ctx context.Context) model.ConfigSet {
	entries, err := s.fetchRemoteConfig(ctx)
	if err == nil {
		return model.NormalizeConfigSet(entries)
	}
	s.logger.Warn("initial config fetch failed, trying cache", "error", err)

	cached, cerr := s.loadCachedConfig()
	if cerr != nil {
		s.logger.Warn("no usable cached config, starting with mandatory children only",
			"error", cerr)
		return model.ConfigSet{}
	}
	return cached
}

func (s *Supervisor) fetchRemoteConfig(ctx context.Context) ([]model.SensorConfig, error) {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var entries []model.SensorConfig
	err := s.rpc.Call(callCtx, "agentconfig.fetch",
		map[string]string{"agent_id": s.cfg.AgentID}, &entries)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// applyConfig installs a new active set: attribute the error channel,
// cache the set, and announce the application on the outbound path with
// the applied set's content hash.
func (s *Supervisor) applyConfig(set model.ConfigSet) {
	s.active = set
	if s.bridge != nil {
		s.bridge.SetConfigID(set.ErrorID)
	}

	data, err := yaml.Marshal(set)
	if err != nil {
		s.logger.Error("config set not encodable", "error", err)
		return
	}
	if err := os.WriteFile(s.cfg.ConfigCachePath, data, 0o600); err != nil {
		s.logger.Warn("config cache write failed", "error", err)
	}

	if set.ConfigAppliedID != "" {
		digest := sha256.Sum256(data)
		s.queue.Put(model.NewDataPointMessage(model.DataPoint{
			ConfigID:    set.ConfigAppliedID,
			StreamName:  "_config_applied",
			Datatype:    model.ValueTypeText,
			TimestampMS: model.NowMS(),
			Value:       hex.EncodeToString(digest[:]),
		}))
	}
	s.health.MarkConfigApplied(time.Now())
	s.logger.Info("sensor configuration applied", "sensors", len(set.Sensors))
}

// reconcileSensors makes the running worker set match the active
// config: changed entries are bounced, removed entries stopped, new
// entries started. Entries failing validation are skipped with a
// warning so one bad config cannot block the rest.
func (s *Supervisor) reconcileSensors(ctx context.Context) {
	desired := make(map[string]model.SensorConfig, len(s.active.Sensors))
	for _, entry := range s.active.Sensors {
		if err := s.registry.ValidateConfig(entry); err != nil {
			s.logger.Warn("skipping invalid sensor config",
				"config_id", entry.ConfigID, "error", err)
			continue
		}
		desired[sensorChildName(entry.ConfigID)] = entry
	}

	for name, c := range s.children {
		if c.mandatory {
			continue
		}
		entry, keep := desired[name]
		if keep && reflect.DeepEqual(entry, c.sensorCfg) {
			continue
		}
		// Removed, or same config_id with changed content: bounce it.
		s.stopChild(c)
		delete(s.children, name)
	}

	for name, entry := range desired {
		if _, running := s.children[name]; running {
			continue
		}
		c, err := s.newSensorChild(entry)
		if err != nil {
			s.logger.Warn("skipping sensor config", "config_id", entry.ConfigID, "error", err)
			continue
		}
		s.spawn(ctx, c)
	}
}

func (s *Supervisor) loadCachedConfig() (model.ConfigSet, error) {
	data, err := os.ReadFile(s.cfg.ConfigCachePath)
	if err != nil {
		return model.ConfigSet{}, err
	}
	var set model.ConfigSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return model.ConfigSet{}, fmt.Errorf("decode config cache: %w", err)
	}
	return set, nil
}

func (s *Supervisor) stopChild(c *child) {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("child did not stop within timeout", "child", c.name)
	}
}

// shutdown stops the heartbeat and every child, giving the pipeline
// workers a chance to flush their queues to durable storage.
func (s *Supervisor) shutdown() {
	s.heartbeat.Stop()
	for _, c := range s.children {
		if c.cancel != nil {
			c.cancel()
		}
	}
	deadline := time.After(s.cfg.ShutdownTimeout)
	for name, c := range s.children {
		select {
		case <-c.done:
		case <-deadline:
			s.logger.Warn("child did not stop within shutdown timeout", "child", name)
		}
	}
	s.health.SetChildrenAlive(0)
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) aliveCount() int {
	alive := 0
	for _, c := range s.children {
		select {
		case <-c.done:
		default:
			alive++
		}
	}
	return alive
}
