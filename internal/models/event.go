package models

import (
	"encoding/json"
	"time"
)

// StreamKind tags which relay stream an event came from.
type StreamKind int

const (
	// KindTranscript events carry transcript segments.
	KindTranscript StreamKind = iota
	// KindHeartbeat events are audio-byte deliveries used only as a liveness signal.
	KindHeartbeat
)

// String returns the string representation of the kind.
func (k StreamKind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Event is one delivered item from the relay API. Immutable once fetched.
type Event struct {
	ID         string          `json:"id"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Kind       StreamKind      `json:"kind"`
	Method     string          `json:"method,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	RawPayload json.RawMessage `json:"-"`
}
