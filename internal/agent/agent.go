package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"owlmon-agent/internal/cert"
	"owlmon-agent/internal/config"
	"owlmon-agent/internal/errlog"
	"owlmon-agent/internal/queue"
	"owlmon-agent/internal/sensor"
	"owlmon-agent/internal/transport"
)

// Agent ties the pipeline together: certificate bootstrap, the
// supervisor with its children, the health loop and the probe
// endpoint.
type Agent struct {
	cfg      config.Config
	logger   *slog.Logger
	queue    *queue.Queue
	bridge   *errlog.Bridge
	registry *sensor.Registry
	health   *HealthStatus
}

func New(cfg config.Config, q *queue.Queue, bridge *errlog.Bridge, logger *slog.Logger) (*Agent, error) {
	for _, dir := range []string{cfg.DataDir, cfg.CertsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Agent{
		cfg:      cfg,
		logger:   logger,
		queue:    q,
		bridge:   bridge,
		registry: sensor.Builtin(),
		health:   NewHealthStatus(),
	}, nil
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting owlmon-agent",
		"agent_id", a.cfg.AgentID, "version", a.cfg.AgentVersion)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
		// Agent terminated by itself (bootstrap error/supervision error/parent ctx canceled).
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown",
			"signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
			// graceful stop completed in time
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("owlmon-agent stopped")
	return nil
}

// bootstrap completes the certificate handshake when TLS is enabled
// and returns the client TLS config the runtime connections use. In
// the TLS-disabled development mode it returns nil and skips the
// handshake entirely.
func (a *Agent) bootstrap(ctx context.Context) (*tls.Config, error) {
	if !a.cfg.TLSEnabled {
		a.logger.Warn("tls disabled, skipping certificate bootstrap")
		return nil, nil
	}

	paths := cert.BundlePaths(a.cfg.CertsDir)
	mgr := cert.NewManager(a.cfg.AgentID, paths, nil, nil, cert.PollPolicy{}, a.logger)
	if mgr.BundleComplete() {
		return mgr.MutualTLSConfig()
	}

	// Pre-identity phase: only the CA root verifies the collector.
	trust, err := mgr.ServerTrustConfig()
	if err != nil {
		return nil, &cert.BootstrapError{Err: err}
	}
	enroller := transport.NewHTTPEnroller(a.cfg.EnrollURL, trust)
	rpc := transport.NewWSRPCClient(a.cfg.RPCURL, trust, a.logger)
	defer func() { _ = rpc.Close() }()

	policy := cert.PollPolicy{
		InitialInterval: a.cfg.CertPollInitial,
		MaxInterval:     a.cfg.CertPollMax,
		MaxElapsedTime:  a.cfg.CertPollMaxElapsed,
	}
	mgr = cert.NewManager(a.cfg.AgentID, paths, enroller, rpc, policy, a.logger)
	if err := mgr.EnsureCertificate(ctx); err != nil {
		return nil, err
	}
	return mgr.MutualTLSConfig()
}

func (a *Agent) run(ctx context.Context) error {
	tlsCfg, err := a.bootstrap(ctx)
	if err != nil {
		return err
	}

	grpcClient := transport.NewGRPCClient(a.cfg.CollectorGRPCAddr, tlsCfg, a.logger)
	defer func() { _ = grpcClient.Close() }()
	rpcClient := transport.NewWSRPCClient(a.cfg.RPCURL, tlsCfg, a.logger)
	defer func() { _ = rpcClient.Close() }()

	sup := NewSupervisor(
		a.cfg,
		a.registry,
		a.queue,
		&healthSink{sink: grpcClient, health: a.health},
		&healthSource{source: grpcClient, health: a.health},
		rpcClient,
		a.bridge,
		a.health,
		a.logger,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	g.Go(func() error {
		return a.runProbeListener(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.logger.Debug("agent health", "snapshot", a.health.Snapshot())
		}
	}
}

// BuildLogger assembles the agent's logger: a JSON or text handler
// wrapped by the error-channel bridge so error-level records also
// travel the telemetry pipeline. The bridge is returned so the
// supervisor can attribute it once remote config arrives.
func BuildLogger(cfg config.Config, q *queue.Queue) (*slog.Logger, *errlog.Bridge) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.LogJSON {
		inner = slog.NewJSONHandler(os.Stdout, hOpts)
	} else {
		inner = slog.NewTextHandler(os.Stdout, hOpts)
	}
	bridge := errlog.NewBridge(inner, q)
	return slog.New(bridge), bridge
}
