package segment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"relay-transcript-monitor/internal/models"
)

// DefaultLanguage is used when neither the payload nor the entry names one.
const DefaultLanguage = "en"

// Result is the outcome of extracting one event.
type Result struct {
	Kind     PayloadKind
	Segments []models.Segment
	// Skipped counts entries dropped for empty text, missing start or bad shape.
	Skipped int
}

type rawEntry struct {
	ID         json.RawMessage `json:"id"`
	Text       json.RawMessage `json:"text"`
	Start      json.RawMessage `json:"start"`
	End        json.RawMessage `json:"end"`
	Speaker    json.RawMessage `json:"speaker"`
	SpeakerID  json.RawMessage `json:"speaker_id"`
	Confidence json.RawMessage `json:"confidence"`
	Language   json.RawMessage `json:"language"`
}

// Extract builds the segments carried by a transcript event. A malformed
// payload fails the event; malformed entries are skipped individually.
func Extract(ev models.Event) (Result, error) {
	p, err := Classify(ev.Content)
	if err != nil {
		return Result{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}

	res := Result{Kind: p.Kind}
	for _, raw := range p.Entries {
		seg, err := buildSegment(ev, p, raw)
		if err != nil {
			res.Skipped++
			continue
		}
		res.Segments = append(res.Segments, seg)
	}
	return res, nil
}

func buildSegment(ev models.Event, p Payload, raw json.RawMessage) (models.Segment, error) {
	var e rawEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.Segment{}, fmt.Errorf("%w: %v", ErrExtractionSkipped, err)
	}

	text, _ := stringValue(e.Text)
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Segment{}, fmt.Errorf("%w: empty text", ErrExtractionSkipped)
	}
	if len(bytes.TrimSpace(e.Start)) == 0 {
		return models.Segment{}, fmt.Errorf("%w: missing start", ErrExtractionSkipped)
	}

	start, _ := numberValue(e.Start)
	end, _ := numberValue(e.End)
	id := scalarText(e.ID)

	// a numeric speaker label is kept as written; only falsy ones fall back
	speaker := scalarText(e.Speaker)
	if speaker == "" {
		speakerID := scalarText(e.SpeakerID)
		if speakerID == "" {
			speakerID = "0"
		}
		speaker = "SPEAKER_" + speakerID
	}

	language := p.Language
	if language == "" {
		if l, ok := stringValue(e.Language); ok && l != "" {
			language = l
		} else {
			language = DefaultLanguage
		}
	}

	var confidence *float64
	if c, ok := numberValue(e.Confidence); ok {
		confidence = &c
	}

	return models.Segment{
		Key:            Key(id, text, start, end),
		ID:             id,
		Speaker:        speaker,
		Text:           text,
		StartOffset:    start,
		EndOffset:      end,
		Confidence:     confidence,
		Source:         ev.Method,
		Language:       language,
		EventTimestamp: ev.ReceivedAt,
	}, nil
}

// Key derives the content-based dedup identity of a segment. The event id
// is deliberately not part of it, so identical content delivered by two
// events collapses into one segment.
func Key(id, trimmedText string, start, end float64) string {
	return strings.Join([]string{id, trimmedText, formatOffset(start), formatOffset(end)}, "-")
}

func formatOffset(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func stringValue(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// numberValue accepts JSON numbers and numeric strings.
func numberValue(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	if s, ok := stringValue(raw); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// scalarText renders a string or number id; falsy values render empty.
func scalarText(raw json.RawMessage) string {
	if s, ok := stringValue(raw); ok {
		return s
	}
	raw = bytes.TrimSpace(raw)
	var f float64
	if len(raw) > 0 && json.Unmarshal(raw, &f) == nil && f != 0 {
		return formatOffset(f)
	}
	return ""
}
