package sensor

import (
	"context"
	"fmt"

	"owlmon-agent/internal/model"
	"owlmon-agent/internal/system"
)

// MemStat reports memory occupancy from /proc/meminfo.
type MemStat struct{}

func (*MemStat) Name() string { return "memstat" }

func (*MemStat) Streams() Catalog {
	return Catalog{
		"total_bytes":     {Type: model.ValueTypeFloat, Description: "Total physical memory."},
		"used_bytes":      {Type: model.ValueTypeFloat, Description: "Memory in use."},
		"available_bytes": {Type: model.ValueTypeFloat, Description: "Memory available without swapping."},
		"used_percent":    {Type: model.ValueTypeFloat, Description: "Memory in use as a percentage."},
	}
}

func (*MemStat) ConfigSchema() Schema {
	return Schema{}
}

func (*MemStat) Probe(_ context.Context, _ map[string]any) ([]Sample, error) {
	info, err := system.ReadMemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("memstat: %w", err)
	}
	return []Sample{
		{Stream: "total_bytes", Value: float64(info.TotalBytes)},
		{Stream: "used_bytes", Value: float64(info.UsedBytes)},
		{Stream: "available_bytes", Value: float64(info.AvailableBytes)},
		{Stream: "used_percent", Value: float64(info.UsedBytes) / float64(info.TotalBytes) * 100},
	}, nil
}
