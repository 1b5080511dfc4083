package model

import "fmt"

// ValueType tags the payload type of a stream. Validation is tag
// equality: an int64 sample never satisfies a Float stream.
type ValueType string

const (
	ValueTypeFloat ValueType = "float"
	ValueTypeInt   ValueType = "int"
	ValueTypeText  ValueType = "text"
	ValueTypeBool  ValueType = "bool"
)

func (t ValueType) Valid() bool {
	switch t {
	case ValueTypeFloat, ValueTypeInt, ValueTypeText, ValueTypeBool:
		return true
	}
	return false
}

// ValueTypeOf reports the tag for a raw sample value. Only the four
// canonical Go representations are recognized; anything else (including
// narrower integer types) yields ok=false and the sample is dropped by
// the caller.
func ValueTypeOf(v any) (ValueType, bool) {
	switch v.(type) {
	case float64:
		return ValueTypeFloat, true
	case int64:
		return ValueTypeInt, true
	case string:
		return ValueTypeText, true
	case bool:
		return ValueTypeBool, true
	}
	return "", false
}

// CheckValue verifies that v carries exactly the declared tag.
func CheckValue(declared ValueType, v any) error {
	got, ok := ValueTypeOf(v)
	if !ok {
		return fmt.Errorf("value %T is not a registered datatype", v)
	}
	if got != declared {
		return fmt.Errorf("value type %s does not match declared %s", got, declared)
	}
	return nil
}
