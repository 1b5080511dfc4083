package sensor

import (
	"context"
	"fmt"
	"sync"

	"owlmon-agent/internal/model"
	"owlmon-agent/internal/system"
)

// CPUStat reports busy percentage between consecutive probes. The
// first probe measures against boot. One instance may serve several
// workers, so the previous reading is lock-guarded.
type CPUStat struct {
	mu   sync.Mutex
	prev system.CPUCounters
}

func (*CPUStat) Name() string { return "cpustat" }

func (*CPUStat) Streams() Catalog {
	return Catalog{
		"usage": {Type: model.ValueTypeFloat, Description: "CPU busy percentage since last probe."},
	}
}

func (*CPUStat) ConfigSchema() Schema {
	return Schema{}
}

func (c *CPUStat) Probe(_ context.Context, _ map[string]any) ([]Sample, error) {
	cur, err := system.ReadCPUCounters()
	if err != nil {
		return nil, fmt.Errorf("cpustat: %w", err)
	}
	c.mu.Lock()
	usage := system.CPUUsage(c.prev, cur)
	c.prev = cur
	c.mu.Unlock()
	return []Sample{{Stream: "usage", Value: usage}}, nil
}
