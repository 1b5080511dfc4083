package sensor

import (
	"context"
	"fmt"

	"owlmon-agent/internal/model"
	"owlmon-agent/internal/system"
)

// NetStat reports cumulative traffic counters summed over all
// non-loopback interfaces.
type NetStat struct{}

func (*NetStat) Name() string { return "netstat" }

func (*NetStat) Streams() Catalog {
	return Catalog{
		"rx_bytes": {Type: model.ValueTypeFloat, Description: "Bytes received."},
		"tx_bytes": {Type: model.ValueTypeFloat, Description: "Bytes transmitted."},
	}
}

func (*NetStat) ConfigSchema() Schema {
	return Schema{}
}

func (*NetStat) Probe(_ context.Context, _ map[string]any) ([]Sample, error) {
	counters, err := system.ReadNetCounters()
	if err != nil {
		return nil, fmt.Errorf("netstat: %w", err)
	}
	return []Sample{
		{Stream: "rx_bytes", Value: float64(counters.RxBytes)},
		{Stream: "tx_bytes", Value: float64(counters.TxBytes)},
	}, nil
}
