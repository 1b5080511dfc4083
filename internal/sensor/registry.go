package sensor

import (
	"fmt"
	"regexp"

	"owlmon-agent/internal/model"
)

var nameRe = regexp.MustCompile(`^\w{1,32}$`)

// Registry holds the sensor types available to this agent build.
type Registry struct {
	types    map[string]Type
	catalogs map[string]Catalog
}

func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[string]Type),
		catalogs: make(map[string]Catalog),
	}
}

// Register validates a sensor type and adds it. The effective catalog
// gains the implicit error stream.
func (r *Registry) Register(t Type) error {
	name := t.Name()
	if !nameRe.MatchString(name) {
		return fmt.Errorf("sensor name %q must match %s", name, nameRe)
	}
	if name == model.InternalSensorError || name == model.InternalSensorConfigApplied {
		return fmt.Errorf("sensor name %q is reserved", name)
	}
	if _, exists := r.types[name]; exists {
		return fmt.Errorf("sensor %q already registered", name)
	}

	catalog := make(Catalog, len(t.Streams())+1)
	for stream, def := range t.Streams() {
		if !nameRe.MatchString(stream) {
			return fmt.Errorf("sensor %q: stream name %q must match %s", name, stream, nameRe)
		}
		if stream == ErrorStreamName {
			return fmt.Errorf("sensor %q: stream %q is implicit and must not be declared", name, stream)
		}
		if !def.Type.Valid() {
			return fmt.Errorf("sensor %q: stream %q has unregistered datatype %q", name, stream, def.Type)
		}
		catalog[stream] = def
	}
	catalog[ErrorStreamName] = StreamDef{Type: model.ValueTypeText, Description: "Error stream."}

	r.types[name] = t
	r.catalogs[name] = catalog
	return nil
}

// Lookup returns the sensor type and its effective catalog.
func (r *Registry) Lookup(name string) (Type, Catalog, bool) {
	t, ok := r.types[name]
	if !ok {
		return nil, nil, false
	}
	return t, r.catalogs[name], true
}

// ValidateConfig checks a sensor instance config against its type's
// schema. Unknown sensor types are reported so the supervisor can skip
// the entry with a warning instead of failing.
func (r *Registry) ValidateConfig(cfg model.SensorConfig) error {
	t, _, ok := r.Lookup(cfg.Sensor)
	if !ok {
		return fmt.Errorf("unknown sensor type %q", cfg.Sensor)
	}
	if err := t.ConfigSchema().Validate(cfg.Config); err != nil {
		return fmt.Errorf("sensor %q config %s: %w", cfg.Sensor, cfg.ConfigID, err)
	}
	return nil
}

// Builtin returns a registry with the sensor types compiled into this
// agent.
func Builtin() *Registry {
	r := NewRegistry()
	for _, t := range []Type{&Uptime{}, &LoadAvg{}, &DiskStat{}, &MemStat{}, &NetStat{}, &CPUStat{}} {
		if err := r.Register(t); err != nil {
			// Builtin definitions are validated in tests; a failure
			// here is a programming error.
			panic(err)
		}
	}
	return r
}
