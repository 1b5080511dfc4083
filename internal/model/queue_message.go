package model

import "fmt"

// MessageKind routes a queue message to the consumer that claims it:
// data points to the shipper, error-log entries to the receiver.
type MessageKind string

const (
	KindDataPoint MessageKind = "data_point"
	KindErrorLog  MessageKind = "error_log"
)

// ErrorLogEntry is an agent-side error surfaced through the same
// pipeline as telemetry, attributed to the internal error sensor.
type ErrorLogEntry struct {
	ConfigID    string `json:"config_id"`
	TimestampMS int64  `json:"timestamp"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
}

// QueueMessage is the tagged union carried by the inter-worker queue.
// Exactly one of DataPoint / ErrorLog is set, matching Kind.
type QueueMessage struct {
	Kind      MessageKind    `json:"kind"`
	DataPoint *DataPoint     `json:"data_point,omitempty"`
	ErrorLog  *ErrorLogEntry `json:"error_log,omitempty"`
}

// ConfigID attributes the message to its originating sensor config.
func (m QueueMessage) ConfigID() string {
	switch m.Kind {
	case KindDataPoint:
		if m.DataPoint != nil {
			return m.DataPoint.ConfigID
		}
	case KindErrorLog:
		if m.ErrorLog != nil {
			return m.ErrorLog.ConfigID
		}
	}
	return ""
}

func (m QueueMessage) Validate() error {
	switch m.Kind {
	case KindDataPoint:
		if m.DataPoint == nil {
			return fmt.Errorf("queue message kind %s missing data point", m.Kind)
		}
		return m.DataPoint.Validate()
	case KindErrorLog:
		if m.ErrorLog == nil {
			return fmt.Errorf("queue message kind %s missing error entry", m.Kind)
		}
		return nil
	}
	return fmt.Errorf("queue message has unknown kind %q", m.Kind)
}

func NewDataPointMessage(p DataPoint) QueueMessage {
	return QueueMessage{Kind: KindDataPoint, DataPoint: &p}
}

func NewErrorLogMessage(e ErrorLogEntry) QueueMessage {
	return QueueMessage{Kind: KindErrorLog, ErrorLog: &e}
}
