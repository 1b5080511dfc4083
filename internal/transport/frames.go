package transport

import (
	"encoding/json"

	"owlmon-agent/internal/model"
)

// BatchFrame is the outbound delivery unit. BatchID is a fresh UUID
// per attempt so the collector can deduplicate the at-least-once
// replays that follow a crash between ack and purge.
type BatchFrame struct {
	AgentID string                `json:"agent_id"`
	BatchID string                `json:"batch_id"`
	Points  []model.DataPoint     `json:"points"`
	Errors  []model.ErrorLogEntry `json:"errors,omitempty"`
}

// BatchAck is the collector's receipt for a stored batch.
type BatchAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Inbound message types pushed by the collector.
const (
	InboundCommand    = "command"
	InboundConfigPush = "config_push"
	InboundAck        = "ack"
)

// InboundMessage is one collector-to-agent message.
type InboundMessage struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PullRequest asks the collector for queued inbound messages.
type PullRequest struct {
	AgentID string `json:"agent_id"`
	Limit   int    `json:"limit"`
}

// PullResponse carries the collector's queued messages.
type PullResponse struct {
	Messages []InboundMessage `json:"messages"`
}
