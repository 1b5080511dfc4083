package model

import "time"

// Internal pseudo-sensors carried in remote config. They are never
// spawned as workers; their config_ids attribute agent-generated
// streams.
const (
	InternalSensorError         = "_error"
	InternalSensorConfigApplied = "_conf_applied"
)

// SensorConfig is one scheduled sensor instance. Immutable once
// loaded; a refresh replaces the whole active set atomically.
type SensorConfig struct {
	ConfigID  string         `json:"config_id" yaml:"config_id"`
	Sensor    string         `json:"sensor" yaml:"sensor"`
	Target    string         `json:"target" yaml:"target"`
	TargetID  string         `json:"target_id" yaml:"target_id"`
	Frequency int            `json:"frequency" yaml:"frequency"` // seconds
	Config    map[string]any `json:"config" yaml:"config"`
}

// SamplingPeriod converts the frequency to a duration, defaulting to
// one minute when unset.
func (c SensorConfig) SamplingPeriod() time.Duration {
	if c.Frequency <= 0 {
		return time.Minute
	}
	return time.Duration(c.Frequency) * time.Second
}

// ConfigSet is the active sensor configuration plus the extracted
// internal sensor ids.
type ConfigSet struct {
	Sensors         []SensorConfig `yaml:"sensors"`
	ErrorID         string         `yaml:"error_id,omitempty"`
	ConfigAppliedID string         `yaml:"config_applied_id,omitempty"`
}

// NormalizeConfigSet deduplicates entries by config_id (last entry
// wins) and splits out internal pseudo-sensors. The returned slice
// preserves the order of last occurrence.
func NormalizeConfigSet(entries []SensorConfig) ConfigSet {
	var set ConfigSet
	seen := make(map[string]int)
	for _, e := range entries {
		switch e.Sensor {
		case InternalSensorError:
			set.ErrorID = e.ConfigID
			continue
		case InternalSensorConfigApplied:
			set.ConfigAppliedID = e.ConfigID
			continue
		}
		if idx, ok := seen[e.ConfigID]; ok {
			set.Sensors[idx] = e
			continue
		}
		seen[e.ConfigID] = len(set.Sensors)
		set.Sensors = append(set.Sensors, e)
	}
	return set
}
