// Package segment extracts normalized transcript segments from relay event
// payloads.
package segment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Errors reported by classification and extraction.
var (
	// ErrMalformedPayload means the event content could not be decoded at all.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrExtractionSkipped marks an individual segment entry that was dropped.
	ErrExtractionSkipped = errors.New("segment skipped")
)

// PayloadKind identifies which upstream schema a payload follows.
type PayloadKind int

const (
	// PayloadNone carries no segment list.
	PayloadNone PayloadKind = iota
	// PayloadSegments lists entries under "segments".
	PayloadSegments
	// PayloadTranscriptSegments lists entries under "transcript_segments".
	PayloadTranscriptSegments
)

// String returns the string representation of the kind.
func (k PayloadKind) String() string {
	switch k {
	case PayloadNone:
		return "none"
	case PayloadSegments:
		return "segments"
	case PayloadTranscriptSegments:
		return "transcript_segments"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// Payload is the resolved form of an event's content.
type Payload struct {
	Kind     PayloadKind
	Language string
	Entries  []json.RawMessage
	// Encoded is true when the content arrived as a JSON string holding JSON.
	Encoded bool
}

// Classify resolves raw event content into a Payload. It is pure: the same
// input always yields the same output.
//
// Content may be an object or a string containing an encoded object. The
// segment list is read from "segments" when it is an array, otherwise from
// "transcript_segments". Absence of both is not an error.
func Classify(content json.RawMessage) (Payload, error) {
	body := bytes.TrimSpace(content)
	var p Payload

	if len(body) > 0 && body[0] == '"' {
		var encoded string
		if err := json.Unmarshal(body, &encoded); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		inner := bytes.TrimSpace([]byte(encoded))
		if !json.Valid(inner) {
			return Payload{}, fmt.Errorf("%w: content string is not JSON", ErrMalformedPayload)
		}
		body = inner
		p.Encoded = true
	}

	if len(body) == 0 || body[0] != '{' {
		return p, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if lang, ok := stringValue(fields["language"]); ok && lang != "" {
		p.Language = lang
	}

	if entries, ok := arrayValue(fields["segments"]); ok {
		p.Kind = PayloadSegments
		p.Entries = entries
	} else if entries, ok := arrayValue(fields["transcript_segments"]); ok {
		p.Kind = PayloadTranscriptSegments
		p.Entries = entries
	}
	return p, nil
}

func arrayValue(raw json.RawMessage) ([]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}
