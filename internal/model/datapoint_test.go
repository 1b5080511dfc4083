package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func validPoint() DataPoint {
	return DataPoint{
		ConfigID:    "cfg-1",
		StreamName:  "default",
		Datatype:    ValueTypeFloat,
		TimestampMS: 1700000000000,
		Value:       1.5,
	}
}

func TestDataPointValidate(t *testing.T) {
	if err := validPoint().Validate(); err != nil {
		t.Fatalf("valid point rejected: %v", err)
	}

	p := validPoint()
	p.Value = int64(1)
	if err := p.Validate(); err == nil {
		t.Fatalf("int value accepted for float stream")
	}

	p = validPoint()
	p.Datatype = "double"
	if err := p.Validate(); err == nil {
		t.Fatalf("unregistered datatype accepted")
	}

	p = validPoint()
	p.TimestampMS = MaxTimestampMS + 1
	err := p.Validate()
	if err == nil {
		t.Fatalf("out-of-range timestamp accepted")
	}
	var rangeErr *TimestampRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected TimestampRangeError, got %v", err)
	}
}

func TestCheckValueTagEquality(t *testing.T) {
	cases := []struct {
		declared ValueType
		value    any
		ok       bool
	}{
		{ValueTypeFloat, 1.5, true},
		{ValueTypeFloat, int64(1), false},
		{ValueTypeInt, int64(7), true},
		{ValueTypeInt, 7.0, false},
		{ValueTypeInt, int(7), false}, // only int64 carries the int tag
		{ValueTypeText, "hi", true},
		{ValueTypeBool, true, true},
		{ValueTypeBool, "true", false},
		{ValueTypeFloat, nil, false},
	}
	for _, c := range cases {
		err := CheckValue(c.declared, c.value)
		if c.ok && err != nil {
			t.Fatalf("CheckValue(%s, %#v) = %v, want nil", c.declared, c.value, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("CheckValue(%s, %#v) = nil, want error", c.declared, c.value)
		}
	}
}

func TestDataPointJSONRoundTrip(t *testing.T) {
	points := []DataPoint{
		{ConfigID: "a", StreamName: "f", Datatype: ValueTypeFloat, TimestampMS: 1, Value: 2.25},
		{ConfigID: "a", StreamName: "i", Datatype: ValueTypeInt, TimestampMS: 2, Value: int64(9007199254740993)},
		{ConfigID: "a", StreamName: "t", Datatype: ValueTypeText, TimestampMS: 3, Value: "text"},
		{ConfigID: "a", StreamName: "b", Datatype: ValueTypeBool, TimestampMS: 4, Value: true},
	}
	for _, want := range points {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("marshal %s: %v", want.StreamName, err)
		}
		var got DataPoint
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", want.StreamName, err)
		}
		if got != want {
			t.Fatalf("round trip changed point: got %#v want %#v", got, want)
		}
		if err := got.Validate(); err != nil {
			t.Fatalf("round-tripped point invalid: %v", err)
		}
	}
}

func TestTimestampRange(t *testing.T) {
	for _, ms := range []int64{MinTimestampMS, 0, MaxTimestampMS} {
		if err := CheckTimestampMS(ms); err != nil {
			t.Fatalf("in-range timestamp %d rejected: %v", ms, err)
		}
	}
	for _, ms := range []int64{MinTimestampMS - 1, MaxTimestampMS + 1} {
		if err := CheckTimestampMS(ms); err == nil {
			t.Fatalf("out-of-range timestamp %d accepted", ms)
		}
	}
}

func TestQueueMessageValidate(t *testing.T) {
	if err := NewDataPointMessage(validPoint()).Validate(); err != nil {
		t.Fatalf("valid data point message rejected: %v", err)
	}
	if err := (QueueMessage{Kind: KindDataPoint}).Validate(); err == nil {
		t.Fatalf("data point message without payload accepted")
	}
	if err := (QueueMessage{Kind: "bogus"}).Validate(); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}
