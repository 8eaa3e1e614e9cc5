package events

import (
	"time"

	"relay-transcript-monitor/internal/models"
)

// Event types carried in the eventType field and header.
const (
	EventTypeSegment  = "relay.transcript.segment"
	EventTypeActivity = "relay.recording.activity"
)

// SegmentEvent is published once per accepted transcript segment.
type SegmentEvent struct {
	EventType   string         `json:"eventType"`
	Principal   string         `json:"principal"`
	Segment     models.Segment `json:"segment"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// ActivityEvent is published when recording activity starts or stops.
type ActivityEvent struct {
	EventType string    `json:"eventType"`
	Principal string    `json:"principal"`
	Active    bool      `json:"active"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}
