package sensor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/load"

	"owlmon-agent/internal/model"
)

// LoadAvg reports the one-minute system load average.
type LoadAvg struct{}

func (*LoadAvg) Name() string { return "loadavg" }

func (*LoadAvg) Streams() Catalog {
	return Catalog{
		"default": {
			Type:        model.ValueTypeFloat,
			Description: "Processes in the run queue averaged over the last minute.",
		},
	}
}

func (*LoadAvg) ConfigSchema() Schema {
	return Schema{}
}

func (*LoadAvg) Probe(ctx context.Context, _ map[string]any) ([]Sample, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("loadavg: %w", err)
	}
	return []Sample{{Stream: "default", Value: avg.Load1}}, nil
}
