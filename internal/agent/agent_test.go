package agent

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"owlmon-agent/internal/config"
	"owlmon-agent/internal/model"
	"owlmon-agent/internal/queue"
)

func TestProbeBannerTracksCollectorState(t *testing.T) {
	a := &Agent{health: NewHealthStatus()}
	if got := a.probeBanner(); got != "owlmon-agent:degraded\n" {
		t.Fatalf("banner before first delivery = %q", got)
	}
	a.health.SetCollectorConnected(true)
	if got := a.probeBanner(); got != "owlmon-agent:ok\n" {
		t.Fatalf("banner with collector connected = %q", got)
	}
}

func TestProbeListenerAnswers(t *testing.T) {
	q := queue.New()
	logger, _ := BuildLogger(config.Config{LogLevel: "error"}, q)
	a := &Agent{
		cfg:    config.Config{ProbeListenAddr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		logger: logger,
		health: NewHealthStatus(),
	}
	a.health.SetCollectorConnected(true)

	// Grab a free port first; the listener itself cannot report the
	// bound address back.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	a.cfg.ProbeListenAddr = addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.runProbeListener(ctx) }()

	var banner string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, dialErr := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if dialErr != nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		line, readErr := bufio.NewReader(conn).ReadString('\n')
		_ = conn.Close()
		if readErr == nil {
			banner = line
			break
		}
	}
	if !strings.HasPrefix(banner, "owlmon-agent:") {
		t.Fatalf("probe banner = %q", banner)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listener: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop")
	}
}

func TestBuildLoggerBridgesErrors(t *testing.T) {
	q := queue.New()
	logger, bridge := BuildLogger(config.Config{LogLevel: "info", LogJSON: true}, q)
	bridge.SetConfigID("err-1")

	logger.Error("pipeline fault")
	if q.Len(model.KindErrorLog) != 1 {
		t.Fatalf("error record not bridged onto the queue")
	}
}
