package model

import (
	"fmt"
	"time"
)

// Timestamps travel as signed milliseconds since the Unix epoch. The
// accepted range mirrors what the collector can represent; anything
// outside it is an error, never silently truncated.
const (
	// MinTimestampMS is 0001-01-01T00:00:00Z in milliseconds.
	MinTimestampMS int64 = -62135596800000
	// MaxTimestampMS is 9999-12-31T23:59:59.999Z in milliseconds.
	MaxTimestampMS int64 = 253402300799999
)

type TimestampRangeError struct {
	MS int64
}

func (e *TimestampRangeError) Error() string {
	return fmt.Sprintf("timestamp %d ms out of range [%d, %d]", e.MS, MinTimestampMS, MaxTimestampMS)
}

// NowMS returns the current time in milliseconds since the epoch.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// CheckTimestampMS validates a millisecond timestamp against the
// representable range.
func CheckTimestampMS(ms int64) error {
	if ms < MinTimestampMS || ms > MaxTimestampMS {
		return &TimestampRangeError{MS: ms}
	}
	return nil
}

// TimeFromMS converts a validated millisecond timestamp to time.Time.
func TimeFromMS(ms int64) (time.Time, error) {
	if err := CheckTimestampMS(ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
