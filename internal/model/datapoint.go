package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DataPoint is one timestamped, typed observation for a named stream.
type DataPoint struct {
	ConfigID    string    `json:"config_id"`
	StreamName  string    `json:"stream_name"`
	Datatype    ValueType `json:"datatype"`
	TimestampMS int64     `json:"timestamp"`
	Value       any       `json:"data"`
}

// Validate checks the invariants that hold for every point entering
// the pipeline: a known datatype tag, a value carrying exactly that
// tag, and an in-range timestamp.
func (p DataPoint) Validate() error {
	if p.ConfigID == "" {
		return fmt.Errorf("data point missing config_id")
	}
	if p.StreamName == "" {
		return fmt.Errorf("data point missing stream_name")
	}
	if !p.Datatype.Valid() {
		return fmt.Errorf("data point datatype %q is not registered", p.Datatype)
	}
	if err := CheckValue(p.Datatype, p.Value); err != nil {
		return fmt.Errorf("data point %s/%s: %w", p.ConfigID, p.StreamName, err)
	}
	if err := CheckTimestampMS(p.TimestampMS); err != nil {
		return fmt.Errorf("data point %s/%s: %w", p.ConfigID, p.StreamName, err)
	}
	return nil
}

// UnmarshalJSON restores Value with the exact Go type its datatype tag
// declares. Plain json.Unmarshal would widen every number to float64,
// which breaks the tag-equality invariant on the read side.
func (p *DataPoint) UnmarshalJSON(data []byte) error {
	var raw struct {
		ConfigID    string          `json:"config_id"`
		StreamName  string          `json:"stream_name"`
		Datatype    ValueType       `json:"datatype"`
		TimestampMS int64           `json:"timestamp"`
		Value       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.ConfigID = raw.ConfigID
	p.StreamName = raw.StreamName
	p.Datatype = raw.Datatype
	p.TimestampMS = raw.TimestampMS
	p.Value = nil
	if len(raw.Value) == 0 {
		return nil
	}

	switch raw.Datatype {
	case ValueTypeFloat:
		var v float64
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return fmt.Errorf("decode float value: %w", err)
		}
		p.Value = v
	case ValueTypeInt:
		dec := json.NewDecoder(bytes.NewReader(raw.Value))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("decode int value: %w", err)
		}
		v, err := n.Int64()
		if err != nil {
			return fmt.Errorf("decode int value: %w", err)
		}
		p.Value = v
	case ValueTypeText:
		var v string
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return fmt.Errorf("decode text value: %w", err)
		}
		p.Value = v
	case ValueTypeBool:
		var v bool
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return fmt.Errorf("decode bool value: %w", err)
		}
		p.Value = v
	default:
		return fmt.Errorf("decode value: datatype %q is not registered", raw.Datatype)
	}
	return nil
}
