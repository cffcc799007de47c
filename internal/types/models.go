// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// CallEvent is one transcript entry for a call. Text carries the spoken or
// received line; Payload holds wire metadata for lifecycle events.
type CallEvent struct {
	ID      EventID         `json:"id"`
	CallID  CallID          `json:"call_id"`
	RunID   RunID           `json:"run_id,omitempty"`
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CallRecord struct {
	CallID          CallID    `json:"call_id"`
	Source          string    `json:"source"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Turns           int       `json:"turns"`
	LastEventSeq    int64     `json:"last_event_seq"`
}

type CallSummary struct {
	CallID          CallID    `json:"call_id"`
	Source          string    `json:"source"`
	DurationSeconds int       `json:"duration_seconds"`
	Turns           int       `json:"turns"`
	Digest          string    `json:"digest"`
	CreatedAt       time.Time `json:"created_at"`
}

// InboundTurn is one caller message handed to the reply pipeline.
type InboundTurn struct {
	MessageID string    `json:"message_id"`
	CallID    CallID    `json:"call_id"`
	RequestID RequestID `json:"request_id"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}
