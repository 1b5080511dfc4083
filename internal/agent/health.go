package agent

import (
	"context"
	"sync/atomic"
	"time"

	"owlmon-agent/internal/transport"
)

type HealthStatus struct {
	collectorConnected atomic.Bool
	childrenAlive      atomic.Int64
	lastDeliveryAt     atomic.Int64
	lastInboundAt      atomic.Int64
	configAppliedAt    atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{}
}

func (h *HealthStatus) SetCollectorConnected(ok bool) {
	h.collectorConnected.Store(ok)
}

func (h *HealthStatus) SetChildrenAlive(n int) {
	h.childrenAlive.Store(int64(n))
}

func (h *HealthStatus) MarkDelivery(ts time.Time) {
	h.lastDeliveryAt.Store(ts.UnixNano())
}

func (h *HealthStatus) MarkInbound(ts time.Time) {
	h.lastInboundAt.Store(ts.UnixNano())
}

func (h *HealthStatus) MarkConfigApplied(ts time.Time) {
	h.configAppliedAt.Store(ts.UnixNano())
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"collector_connected": h.collectorConnected.Load(),
		"children_alive":      h.childrenAlive.Load(),
	}
	if v := h.lastDeliveryAt.Load(); v > 0 {
		out["last_delivery_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastInboundAt.Load(); v > 0 {
		out["last_inbound_at"] = time.Unix(0, v).UTC()
	}
	if v := h.configAppliedAt.Load(); v > 0 {
		out["config_applied_at"] = time.Unix(0, v).UTC()
	}
	return out
}

// healthSink wraps the outbound sink so every delivery outcome updates
// the health snapshot.
type healthSink struct {
	sink   transport.DataSink
	health *HealthStatus
}

func (s *healthSink) StoreData(ctx context.Context, frame transport.BatchFrame) (transport.BatchAck, error) {
	ack, err := s.sink.StoreData(ctx, frame)
	if err != nil {
		s.health.SetCollectorConnected(false)
		return ack, err
	}
	s.health.SetCollectorConnected(true)
	s.health.MarkDelivery(time.Now())
	return ack, nil
}

// healthSource wraps the inbound source the same way.
type healthSource struct {
	source transport.InboundSource
	health *HealthStatus
}

func (s *healthSource) PullInbound(ctx context.Context, agentID string, limit int) ([]transport.InboundMessage, error) {
	msgs, err := s.source.PullInbound(ctx, agentID, limit)
	if err != nil {
		s.health.SetCollectorConnected(false)
		return nil, err
	}
	s.health.SetCollectorConnected(true)
	if len(msgs) > 0 {
		s.health.MarkInbound(time.Now())
	}
	return msgs, nil
}
