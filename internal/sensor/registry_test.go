package sensor

import (
	"context"
	"strings"
	"testing"

	"owlmon-agent/internal/model"
)

type stubType struct {
	name    string
	streams Catalog
	schema  Schema
	probe   func(ctx context.Context, cfg map[string]any) ([]Sample, error)
}

func (s *stubType) Name() string         { return s.name }
func (s *stubType) Streams() Catalog     { return s.streams }
func (s *stubType) ConfigSchema() Schema { return s.schema }

func (s *stubType) Probe(ctx context.Context, cfg map[string]any) ([]Sample, error) {
	if s.probe == nil {
		return nil, nil
	}
	return s.probe(ctx, cfg)
}

func TestRegisterInjectsErrorStream(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubType{
		name:    "stub",
		streams: Catalog{"default": {Type: model.ValueTypeFloat}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, catalog, ok := r.Lookup("stub")
	if !ok {
		t.Fatalf("registered type not found")
	}
	def, ok := catalog[ErrorStreamName]
	if !ok {
		t.Fatalf("implicit error stream missing from catalog")
	}
	if def.Type != model.ValueTypeText {
		t.Fatalf("error stream type = %q, want text", def.Type)
	}
}

func TestRegisterRejections(t *testing.T) {
	cases := []struct {
		label string
		typ   *stubType
	}{
		{"bad name", &stubType{name: "has space"}},
		{"long name", &stubType{name: strings.Repeat("x", 33)}},
		{"reserved name", &stubType{name: "_error"}},
		{"declared error stream", &stubType{
			name:    "stub",
			streams: Catalog{ErrorStreamName: {Type: model.ValueTypeText}},
		}},
		{"bad stream datatype", &stubType{
			name:    "stub",
			streams: Catalog{"default": {Type: "double"}},
		}},
	}
	for _, c := range cases {
		if err := NewRegistry().Register(c.typ); err == nil {
			t.Fatalf("%s: register accepted", c.label)
		}
	}

	r := NewRegistry()
	if err := r.Register(&stubType{name: "stub"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&stubType{name: "stub"}); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
}

func TestValidateConfig(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubType{
		name: "stub",
		schema: Schema{
			Properties: map[string]model.ValueType{"device": model.ValueTypeText},
			Required:   []string{"device"},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	good := model.SensorConfig{ConfigID: "c1", Sensor: "stub",
		Config: map[string]any{"device": "sda"}}
	if err := r.ValidateConfig(good); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	missing := model.SensorConfig{ConfigID: "c2", Sensor: "stub"}
	if err := r.ValidateConfig(missing); err == nil {
		t.Fatalf("config missing required property accepted")
	}

	wrongType := model.SensorConfig{ConfigID: "c3", Sensor: "stub",
		Config: map[string]any{"device": int64(1)}}
	if err := r.ValidateConfig(wrongType); err == nil {
		t.Fatalf("config with mismatched property type accepted")
	}

	unknown := model.SensorConfig{ConfigID: "c4", Sensor: "nope"}
	if err := r.ValidateConfig(unknown); err == nil {
		t.Fatalf("unknown sensor type accepted")
	}
}

func TestSchemaAdditionalProperties(t *testing.T) {
	strict := Schema{Properties: map[string]model.ValueType{"a": model.ValueTypeInt}}
	if err := strict.Validate(map[string]any{"b": "x"}); err == nil {
		t.Fatalf("undeclared property accepted by strict schema")
	}
	open := Schema{AdditionalProperties: true}
	if err := open.Validate(map[string]any{"b": "x"}); err != nil {
		t.Fatalf("open schema rejected extra property: %v", err)
	}
}

func TestBuiltinRegistersKnownTypes(t *testing.T) {
	r := Builtin()
	for _, name := range []string{"uptime", "loadavg", "diskstat", "memstat", "netstat", "cpustat"} {
		if _, _, ok := r.Lookup(name); !ok {
			t.Fatalf("builtin sensor %q not registered", name)
		}
	}
}
