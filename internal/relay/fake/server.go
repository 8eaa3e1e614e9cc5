// Package fake provides an in-process webhook relay for tests and local
// demos. It serves transcript and heartbeat streams the way a hosted relay
// does, with scripted utterances and injectable failures.
package fake

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Stream path tokens served by the fake relay.
const (
	TranscriptToken = "transcript"
	HeartbeatToken  = "heartbeat"
)

// Utterance is one scripted transcript segment.
type Utterance struct {
	Speaker    string
	Text       string
	Duration   float64 // seconds
	Confidence float64
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []Utterance{
	{Speaker: "SPEAKER_0", Text: "Thanks everyone for joining the call", Duration: 2.4, Confidence: 0.94},
	{Speaker: "SPEAKER_1", Text: "Happy to be here", Duration: 1.1, Confidence: 0.97},
	{Speaker: "SPEAKER_0", Text: "Let's start with the release status", Duration: 2.2, Confidence: 0.91},
	{Speaker: "SPEAKER_2", Text: "The build is green and staging is updated", Duration: 2.9, Confidence: 0.89},
	{Speaker: "SPEAKER_1", Text: "Great, then we can ship tomorrow", Duration: 1.8, Confidence: 0.98},
}

// Request is a stored relay request in the relay's wire shape.
type Request struct {
	UUID      string          `json:"uuid"`
	Method    string          `json:"method"`
	IP        string          `json:"ip"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"created_at"`
}

type failure struct {
	status int
	body   string
}

// Server is the fake relay.
type Server struct {
	mu          sync.Mutex
	apiKey      string
	now         func() time.Time
	streams     map[string][]Request // newest first
	failures    map[string][]failure
	offset      float64
	utterance   int
	hits        map[string]int
	latestRoute bool
}

// New creates a fake relay. A non-empty apiKey is required on every request.
func New(apiKey string) *Server {
	return &Server{
		apiKey:      apiKey,
		now:         time.Now,
		streams:     map[string][]Request{TranscriptToken: nil, HeartbeatToken: nil},
		failures:    map[string][]failure{},
		hits:        map[string]int{},
		latestRoute: true,
	}
}

// SetClock overrides the time source used for created_at.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// DisableLatest makes the /request/latest endpoint return 404, as relays
// without it do.
func (s *Server) DisableLatest() {
	s.mu.Lock()
	s.latestRoute = false
	s.mu.Unlock()
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/{token}/requests", s.handleList)
	r.Get("/{token}/request/latest", s.handleLatest)
	return r
}

// AddTranscript stores a transcript delivery carrying the given segments,
// encoded as a JSON string the way relays forward request bodies.
func (s *Server) AddTranscript(utterances ...Utterance) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type wireSegment struct {
		ID         string  `json:"id"`
		Speaker    string  `json:"speaker"`
		Text       string  `json:"text"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	}
	body := struct {
		Language string        `json:"language"`
		Segments []wireSegment `json:"segments"`
	}{Language: "en"}
	for _, u := range utterances {
		start := s.offset
		s.offset += u.Duration
		body.Segments = append(body.Segments, wireSegment{
			ID:         uuid.NewString(),
			Speaker:    u.Speaker,
			Text:       u.Text,
			Start:      round(start),
			End:        round(s.offset),
			Confidence: u.Confidence,
		})
	}
	inner, _ := json.Marshal(body)
	content, _ := json.Marshal(string(inner))
	return s.addLocked(TranscriptToken, "POST", content)
}

// AddRawTranscript stores a transcript delivery with arbitrary content.
func (s *Server) AddRawTranscript(content json.RawMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(TranscriptToken, "POST", content)
}

// NextUtterance stores a transcript with the next default utterance,
// cycling through DefaultUtterances.
func (s *Server) NextUtterance() string {
	s.mu.Lock()
	u := DefaultUtterances[s.utterance%len(DefaultUtterances)]
	s.utterance++
	s.mu.Unlock()
	return s.AddTranscript(u)
}

// AddHeartbeat stores an audio-byte delivery on the heartbeat stream.
func (s *Server) AddHeartbeat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(HeartbeatToken, "PUT", json.RawMessage(`""`))
}

// FailNext makes the next n requests to a stream fail with status and body.
func (s *Server) FailNext(token string, n, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures[token] = append(s.failures[token], failure{status: status, body: body})
	}
}

// Hits returns how many requests a stream has served, failures included.
func (s *Server) Hits(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[token]
}

func (s *Server) addLocked(token, method string, content json.RawMessage) string {
	req := Request{
		UUID:      uuid.NewString(),
		Method:    method,
		IP:        "127.0.0.1",
		Content:   content,
		CreatedAt: s.now().UTC().Format("2006-01-02 15:04:05"),
	}
	s.streams[token] = append([]Request{req}, s.streams[token]...)
	return req.UUID
}

// serve resolves the stream and applies auth and injected failures. It
// returns the stream contents or false when a response was already written.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) ([]Request, bool) {
	token := chi.URLParam(r, "token")

	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.streams[token]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown token")
		return nil, false
	}
	s.hits[token]++
	if s.apiKey != "" && r.Header.Get("Api-Key") != s.apiKey {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	if q := s.failures[token]; len(q) > 0 {
		f := q[0]
		s.failures[token] = q[1:]
		w.WriteHeader(f.status)
		w.Write([]byte(f.body))
		return nil, false
	}
	return append([]Request(nil), items...), true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, ok := s.serve(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("sorting") == "oldest" {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	if size, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && size >= 0 && size < len(items) {
		items = items[:size]
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items, "total": len(items)})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	enabled := s.latestRoute
	s.mu.Unlock()
	if !enabled {
		writeError(w, http.StatusNotFound, "Not Found")
		return
	}

	items, ok := s.serve(w, r)
	if !ok {
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusNotFound, "No requests")
		return
	}
	writeJSON(w, http.StatusOK, items[0])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}

func round(f float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 2, 64), 64)
	return v
}
