package sensor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"

	"owlmon-agent/internal/model"
)

// DiskStat reports cumulative disk I/O counters, either for one
// configured device or summed over all devices.
type DiskStat struct{}

func (*DiskStat) Name() string { return "diskstat" }

func (*DiskStat) Streams() Catalog {
	return Catalog{
		"read_bytes":  {Type: model.ValueTypeFloat, Description: "Number of bytes read."},
		"write_bytes": {Type: model.ValueTypeFloat, Description: "Number of bytes written."},
		"read_count":  {Type: model.ValueTypeFloat, Description: "Number of reads."},
		"write_count": {Type: model.ValueTypeFloat, Description: "Number of writes."},
		"read_time":   {Type: model.ValueTypeFloat, Description: "Time spent reading in milliseconds."},
		"write_time":  {Type: model.ValueTypeFloat, Description: "Time spent writing in milliseconds."},
	}
}

func (*DiskStat) ConfigSchema() Schema {
	return Schema{
		Properties: map[string]model.ValueType{"device": model.ValueTypeText},
	}
}

func (*DiskStat) Probe(ctx context.Context, cfg map[string]any) ([]Sample, error) {
	var names []string
	if dev, ok := cfg["device"].(string); ok && dev != "" {
		names = []string{dev}
	}
	counters, err := disk.IOCountersWithContext(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("diskstat: io counters: %w", err)
	}
	if len(counters) == 0 {
		return nil, fmt.Errorf("diskstat: no matching devices")
	}

	var total disk.IOCountersStat
	for _, c := range counters {
		total.ReadBytes += c.ReadBytes
		total.WriteBytes += c.WriteBytes
		total.ReadCount += c.ReadCount
		total.WriteCount += c.WriteCount
		total.ReadTime += c.ReadTime
		total.WriteTime += c.WriteTime
	}
	return []Sample{
		{Stream: "read_bytes", Value: float64(total.ReadBytes)},
		{Stream: "write_bytes", Value: float64(total.WriteBytes)},
		{Stream: "read_count", Value: float64(total.ReadCount)},
		{Stream: "write_count", Value: float64(total.WriteCount)},
		{Stream: "read_time", Value: float64(total.ReadTime)},
		{Stream: "write_time", Value: float64(total.WriteTime)},
	}, nil
}
