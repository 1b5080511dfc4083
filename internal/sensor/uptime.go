package sensor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"owlmon-agent/internal/model"
)

// Uptime reports seconds since boot on the default stream.
type Uptime struct{}

func (*Uptime) Name() string { return "uptime" }

func (*Uptime) Streams() Catalog {
	return Catalog{
		"default": {Type: model.ValueTypeFloat, Description: "System uptime."},
	}
}

func (*Uptime) ConfigSchema() Schema {
	return Schema{}
}

func (*Uptime) Probe(ctx context.Context, _ map[string]any) ([]Sample, error) {
	boot, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("uptime: boot time: %w", err)
	}
	up := time.Since(time.Unix(int64(boot), 0)).Seconds()
	return []Sample{{Stream: "default", Value: up}}, nil
}
