package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"relay-transcript-monitor/internal/models"
)

// createdAtLayouts are the timestamp formats relays use for created_at.
var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

type wireRequest struct {
	UUID      string          `json:"uuid"`
	ID        json.RawMessage `json:"id"`
	Method    string          `json:"method"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"created_at"`
}

type wireCollection struct {
	Data []json.RawMessage `json:"data"`
}

// decodeBody normalizes the relay's response shapes into raw items: a
// {data:[...]} collection, a bare array, or a single request object.
func decodeBody(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, snippet(body))
	}

	switch {
	case bytes.Equal(body, []byte("null")):
		return nil, nil
	case body[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return items, nil
	case body[0] != '{':
		return nil, fmt.Errorf("%w: unexpected top-level %s", ErrMalformedPayload, snippet(body))
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	_, hasUUID := probe["uuid"]
	_, hasID := probe["id"]
	if _, ok := probe["data"]; ok && !hasUUID && !hasID {
		var coll wireCollection
		if err := json.Unmarshal(body, &coll); err != nil {
			return nil, fmt.Errorf("%w: data is not an array", ErrMalformedPayload)
		}
		return coll.Data, nil
	}
	return []json.RawMessage{body}, nil
}

// toEvent converts one raw relay item. Items without an identifier are
// rejected since they cannot be deduplicated.
func toEvent(raw json.RawMessage, kind models.StreamKind) (models.Event, error) {
	var w wireRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.Event{}, fmt.Errorf("decode request: %w", err)
	}
	id := w.UUID
	if id == "" {
		id = scalarID(w.ID)
	}
	if id == "" {
		return models.Event{}, fmt.Errorf("request has no uuid or id")
	}
	return models.Event{
		ID:         id,
		ReceivedAt: parseCreatedAt(w.CreatedAt),
		Kind:       kind,
		Method:     w.Method,
		Content:    w.Content,
		RawPayload: raw,
	}, nil
}

func scalarID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil && !bytes.Equal(raw, []byte("null")) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

func parseCreatedAt(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func snippet(b []byte) string {
	const max = 120
	if len(b) > max {
		return strconv.Quote(string(b[:max])) + "..."
	}
	return strconv.Quote(string(b))
}
