package sensor

import (
	"context"
	"fmt"

	"owlmon-agent/internal/model"
)

// StreamDef declares one output stream of a sensor type.
type StreamDef struct {
	Type        model.ValueType
	Description string
}

// Catalog maps stream name to its declaration. It is static per
// sensor type and read-only to workers.
type Catalog map[string]StreamDef

// ErrorStreamName is implicitly present in every sensor type's
// catalog; sensors must not declare it themselves.
const ErrorStreamName = "error"

// Sample is one (stream, value) pair returned by a probe.
type Sample struct {
	Stream string
	Value  any
}

// Type is the sensor-type collaborator contract: a name, a stream
// catalog, a config schema, and a probe.
type Type interface {
	Name() string
	Streams() Catalog
	ConfigSchema() Schema
	// Probe runs one sampling cycle. A failure is transient: the
	// worker logs it and skips the cycle.
	Probe(ctx context.Context, cfg map[string]any) ([]Sample, error)
}

// Schema is the structural validation applied to a sensor instance's
// config map. A property's declared type is checked by tag equality,
// the same discipline applied to stream values.
type Schema struct {
	Properties           map[string]model.ValueType
	Required             []string
	AdditionalProperties bool
}

// Validate checks cfg against the schema.
func (s Schema) Validate(cfg map[string]any) error {
	for _, name := range s.Required {
		if _, ok := cfg[name]; !ok {
			return fmt.Errorf("config missing required property %q", name)
		}
	}
	for name, v := range cfg {
		declared, ok := s.Properties[name]
		if !ok {
			if s.AdditionalProperties {
				continue
			}
			return fmt.Errorf("config property %q is not allowed", name)
		}
		if err := model.CheckValue(declared, v); err != nil {
			return fmt.Errorf("config property %q: %w", name, err)
		}
	}
	return nil
}
