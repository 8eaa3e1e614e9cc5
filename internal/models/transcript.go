// Package models defines the data structures shared by the relay monitor.
package models

import "time"

// Segment is one normalized spoken-text unit extracted from a transcript event.
type Segment struct {
	Key            string    `json:"key" validate:"required"`
	ID             string    `json:"id,omitempty"`
	Speaker        string    `json:"speaker" validate:"required"`
	Text           string    `json:"text" validate:"required"`
	StartOffset    float64   `json:"start"`
	EndOffset      float64   `json:"end"`
	Confidence     *float64  `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Source         string    `json:"source"`
	Language       string    `json:"language" validate:"required"`
	EventTimestamp time.Time `json:"timestamp"`
}

// ContentTuple is the content identity used when merging into the output
// collection, independent of Key.
type ContentTuple struct {
	Text      string
	Start     float64
	End       float64
	Timestamp int64
}

// Tuple returns the content identity of the segment.
func (s Segment) Tuple() ContentTuple {
	return ContentTuple{
		Text:      s.Text,
		Start:     s.StartOffset,
		End:       s.EndOffset,
		Timestamp: s.EventTimestamp.UnixNano(),
	}
}
