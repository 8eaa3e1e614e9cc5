package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-transcript-monitor/internal/clock"
	"relay-transcript-monitor/internal/models"
	"relay-transcript-monitor/internal/relay"
	"relay-transcript-monitor/internal/service/dedup"
	"relay-transcript-monitor/internal/store"
)

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type response struct {
	events []models.Event
	err    error
}

// scriptedFetcher replays queued responses per stream. When a stream's queue
// holds one response it is repeated; an empty queue returns no events.
type scriptedFetcher struct {
	mu    sync.Mutex
	queue map[models.StreamKind][]response
	calls map[models.StreamKind]int

	// gate, when set, holds transcript fetches until closed. entered
	// receives once per gated fetch.
	gate    chan struct{}
	entered chan struct{}
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		queue: map[models.StreamKind][]response{},
		calls: map[models.StreamKind]int{},
	}
}

func (f *scriptedFetcher) push(kind models.StreamKind, events []models.Event, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[kind] = append(f.queue[kind], response{events: events, err: err})
}

func (f *scriptedFetcher) set(kind models.StreamKind, events []models.Event, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[kind] = []response{{events: events, err: err}}
}

func (f *scriptedFetcher) callCount(kind models.StreamKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *scriptedFetcher) FetchEvents(ctx context.Context, streamURL, apiKey string, kind models.StreamKind) ([]models.Event, error) {
	f.mu.Lock()
	f.calls[kind]++
	var r response
	if q := f.queue[kind]; len(q) > 0 {
		r = q[0]
		if len(q) > 1 {
			f.queue[kind] = q[1:]
		}
	}
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if kind == models.KindTranscript && gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}
	return r.events, r.err
}

type entry struct {
	ID    string
	Text  string
	Start float64
	End   float64
}

func transcriptEvent(t *testing.T, id string, at time.Time, entries ...entry) models.Event {
	t.Helper()
	segs := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		m := map[string]any{"text": e.Text, "start": e.Start, "end": e.End}
		if e.ID != "" {
			m["id"] = e.ID
		}
		segs = append(segs, m)
	}
	content, err := json.Marshal(map[string]any{"segments": segs})
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	return models.Event{ID: id, ReceivedAt: at, Kind: models.KindTranscript, Method: "POST", Content: content}
}

func heartbeat(id string) models.Event {
	return models.Event{ID: id, ReceivedAt: epoch, Kind: models.KindHeartbeat, Method: "PUT"}
}

type signalRecorder struct {
	mu      sync.Mutex
	signals []models.Signal
}

func (r *signalRecorder) observe(s models.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *signalRecorder) count(kind models.SignalKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.signals {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func (r *signalRecorder) last(kind models.SignalKind) (models.Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.signals) - 1; i >= 0; i-- {
		if r.signals[i].Kind == kind {
			return r.signals[i], true
		}
	}
	return models.Signal{}, false
}

type harness struct {
	engine  *Engine
	fetcher *scriptedFetcher
	clock   *clock.Fake
	signals *signalRecorder
}

func newHarness(t *testing.T, rc RelayConfig, persister *dedup.Persister) *harness {
	t.Helper()
	h := &harness{
		fetcher: newScriptedFetcher(),
		clock:   clock.NewFake(epoch),
		signals: &signalRecorder{},
	}
	h.engine = New(Options{
		Fetcher:   h.fetcher,
		Persister: persister,
		Clock:     h.clock,
		Relay:     rc,
		Interval:  time.Hour,
	})
	h.engine.Subscribe(h.signals.observe)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.engine.Shutdown(ctx)
	})
	return h
}

var bothStreams = RelayConfig{
	TranscriptURL: "https://relay.test/t/requests",
	HeartbeatURL:  "https://relay.test/h/requests",
	APIKey:        "key",
}

var transcriptOnly = RelayConfig{TranscriptURL: "https://relay.test/t/requests"}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if !h.engine.Start() {
		t.Fatal("expected Start to transition")
	}
	waitFor(t, "initial cycle", func() bool { return h.engine.State().Cycles >= 1 })
}

func TestEngine_StartRunsImmediateCycle(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{Text: "hello", Start: 0, End: 1}, entry{Text: "world", Start: 1, End: 2}),
	}, nil)

	h.start(t)

	st := h.engine.State()
	if !st.IsMonitoring || st.State != "RUNNING" {
		t.Errorf("expected running engine, got %+v", st)
	}
	if st.SegmentCount != 2 {
		t.Errorf("expected 2 segments, got %d", st.SegmentCount)
	}
	if st.LastSuccessfulPollAt == nil {
		t.Error("expected last successful poll time")
	}
	if st.IsLoading {
		t.Error("expected loading to clear after cycle")
	}
	sig, ok := h.signals.last(models.SignalSegmentsAdded)
	if !ok || sig.Count != 2 || len(sig.Segments) != 2 {
		t.Errorf("expected segments_added with 2 segments, got %+v", sig)
	}
	if h.signals.count(models.SignalMonitoringStarted) != 1 {
		t.Error("expected one monitoring_started signal")
	}
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.start(t)

	if h.engine.Start() {
		t.Error("expected second Start to be a no-op")
	}
	if !h.engine.Stop() {
		t.Error("expected Stop to transition")
	}
	if h.engine.Stop() {
		t.Error("expected second Stop to be a no-op")
	}
	if h.signals.count(models.SignalMonitoringStopped) != 1 {
		t.Errorf("expected one monitoring_stopped signal, got %d", h.signals.count(models.SignalMonitoringStopped))
	}
	if err := h.engine.PollNow(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if h.engine.RunCycle(context.Background()) {
		t.Error("expected RunCycle to be a no-op while stopped")
	}
}

func TestEngine_Idempotence(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	events := []models.Event{
		transcriptEvent(t, "ev-2", epoch.Add(time.Second), entry{ID: "s2", Text: "second", Start: 2, End: 3}),
		transcriptEvent(t, "ev-1", epoch, entry{ID: "s1", Text: "first", Start: 0, End: 1}),
	}
	h.fetcher.set(models.KindTranscript, events, nil)
	h.start(t)

	before := h.engine.Segments()
	for i := 0; i < 3; i++ {
		if !h.engine.RunCycle(context.Background()) {
			t.Fatalf("cycle %d did not run", i)
		}
	}
	after := h.engine.Segments()

	if len(before) != 2 || len(after) != 2 {
		t.Fatalf("expected 2 segments before and after, got %d and %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Key != after[i].Key {
			t.Errorf("segment %d changed: %s -> %s", i, before[i].Key, after[i].Key)
		}
	}
	if n := h.signals.count(models.SignalNoNewEvents); n != 3 {
		t.Errorf("expected 3 no_new_events signals, got %d", n)
	}
	if n := h.signals.count(models.SignalSegmentsAdded); n != 1 {
		t.Errorf("expected segments_added once, got %d", n)
	}
}

func TestEngine_ContentDedupAcrossKeys(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	// same content tuple under different entry ids yields different keys
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{ID: "a", Text: "same words", Start: 1, End: 2}),
	}, nil)
	h.start(t)

	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-2", epoch, entry{ID: "b", Text: "same words", Start: 1, End: 2}, entry{ID: "c", Text: "same words", Start: 1, End: 2}),
	}, nil)
	h.engine.RunCycle(context.Background())

	if got := len(h.engine.Segments()); got != 1 {
		t.Errorf("expected content duplicates to collapse to 1 segment, got %d", got)
	}
	if st := h.engine.State(); st.SeenSegmentKeys != 3 {
		t.Errorf("expected all 3 keys marked seen, got %d", st.SeenSegmentKeys)
	}
}

func TestEngine_NewestFirstOrdering(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{Text: "oldest", Start: 0, End: 1}),
	}, nil)
	h.start(t)

	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-3", epoch.Add(2*time.Second), entry{Text: "newest", Start: 2, End: 3}),
		transcriptEvent(t, "ev-2", epoch.Add(time.Second), entry{Text: "middle", Start: 1, End: 2}),
	}, nil)
	h.engine.RunCycle(context.Background())

	segs := h.engine.Segments()
	want := []string{"newest", "middle", "oldest"}
	if len(segs) != len(want) {
		t.Fatalf("expected %d segments, got %d", len(want), len(segs))
	}
	for i, w := range want {
		if segs[i].Text != w {
			t.Errorf("position %d: expected %q, got %q", i, w, segs[i].Text)
		}
	}
}

func TestEngine_MalformedEventIsolated(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	bad := models.Event{ID: "bad", ReceivedAt: epoch, Content: json.RawMessage(`"{not json"`)}
	h.fetcher.set(models.KindTranscript, []models.Event{
		bad,
		transcriptEvent(t, "good", epoch, entry{Text: "kept", Start: 0, End: 1}),
	}, nil)

	h.start(t)

	if got := len(h.engine.Segments()); got != 1 {
		t.Errorf("expected good event to be ingested, got %d segments", got)
	}
	if st := h.engine.State(); st.SeenEventIDs != 2 {
		t.Errorf("expected malformed event id to be marked seen, got %d ids", st.SeenEventIDs)
	}
}

// Baseline first, then activity on a new heartbeat, then the window expires.
func TestEngine_ActivityBaselineAndTimeout(t *testing.T) {
	h := newHarness(t, bothStreams, nil)
	h.fetcher.set(models.KindHeartbeat, []models.Event{heartbeat("h1")}, nil)
	h.start(t)

	if h.engine.State().IsActive {
		t.Fatal("first heartbeat must only set the baseline")
	}
	if h.signals.count(models.SignalBaselineSet) != 1 {
		t.Errorf("expected baseline_set signal")
	}

	h.engine.RunCycle(context.Background())
	if h.engine.State().IsActive {
		t.Error("same heartbeat id must not mark active")
	}

	h.fetcher.set(models.KindHeartbeat, []models.Event{heartbeat("h2")}, nil)
	h.engine.RunCycle(context.Background())
	if !h.engine.State().IsActive {
		t.Fatal("expected active after new heartbeat")
	}

	h.clock.Advance(4 * time.Second)
	if !h.engine.State().IsActive {
		t.Error("expected still active before the window elapses")
	}
	h.clock.Advance(time.Second)
	if h.engine.State().IsActive {
		t.Error("expected inactive after the window elapses")
	}
	if n := h.signals.count(models.SignalActivityStopped); n != 1 {
		t.Errorf("expected exactly one activity_stopped, got %d", n)
	}
}

func TestEngine_HeartbeatErrorSwallowed(t *testing.T) {
	h := newHarness(t, bothStreams, nil)
	h.fetcher.set(models.KindHeartbeat, nil, errors.New("boom"))
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{Text: "still ingested", Start: 0, End: 1}),
	}, nil)

	h.start(t)

	if got := len(h.engine.Segments()); got != 1 {
		t.Errorf("expected transcript ingestion despite heartbeat error, got %d", got)
	}
	if h.engine.State().Activity.HasBaseline {
		t.Error("tracker must not be consulted on heartbeat error")
	}
}

// Backoff doubles on each rate limit and clears on the next success.
func TestEngine_RateLimitBackoff(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	limited := &relay.HTTPError{Status: http.StatusTooManyRequests}
	h.fetcher.push(models.KindTranscript, nil, limited)
	h.fetcher.push(models.KindTranscript, nil, limited)
	h.fetcher.push(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{Text: "after backoff", Start: 0, End: 1}),
	}, nil)

	h.start(t)
	if got := h.engine.State().BackoffDelayMs; got != 2000 {
		t.Fatalf("expected 2000ms backoff after first 429, got %d", got)
	}
	if sig, _ := h.signals.last(models.SignalRateLimited); sig.DelayMs != 2000 {
		t.Errorf("expected rate_limited signal with 2000ms, got %d", sig.DelayMs)
	}
	if len(h.engine.Segments()) != 0 {
		t.Error("output must be untouched while rate limited")
	}

	runWithBackoff := func(delay time.Duration) {
		t.Helper()
		pending := h.clock.Pending()
		done := make(chan bool)
		go func() { done <- h.engine.RunCycle(context.Background()) }()
		waitFor(t, "backoff wait", func() bool { return h.clock.Pending() == pending+1 })
		h.clock.Advance(delay)
		if !<-done {
			t.Fatal("expected cycle to run")
		}
	}

	runWithBackoff(2 * time.Second)
	if got := h.engine.State().BackoffDelayMs; got != 4000 {
		t.Fatalf("expected 4000ms backoff after second 429, got %d", got)
	}

	runWithBackoff(4 * time.Second)
	if got := h.engine.State().BackoffDelayMs; got != 0 {
		t.Errorf("expected backoff cleared after success, got %d", got)
	}
	if h.signals.count(models.SignalRateLimitCleared) != 1 {
		t.Error("expected rate_limit_cleared signal")
	}
	if got := len(h.engine.Segments()); got != 1 {
		t.Errorf("expected ingestion after recovery, got %d segments", got)
	}
}

func TestEngine_RateLimitDetectedFromBody(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.fetcher.set(models.KindTranscript, nil, &relay.HTTPError{Status: http.StatusServiceUnavailable, Message: `{"error":"Too Many Requests"}`})

	h.start(t)

	if got := h.engine.State().BackoffDelayMs; got != 2000 {
		t.Errorf("expected body-detected rate limit to back off, got %d", got)
	}
}

// A rejected key is reported but the engine keeps polling.
func TestEngine_AuthRequired(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{Text: "shown", Start: 0, End: 1}),
	}, nil)
	h.start(t)

	h.fetcher.set(models.KindTranscript, nil, &relay.HTTPError{Status: http.StatusUnauthorized})
	h.engine.RunCycle(context.Background())

	if h.signals.count(models.SignalAuthRequired) != 1 {
		t.Error("expected auth_required signal")
	}
	st := h.engine.State()
	if !st.IsMonitoring {
		t.Error("engine must keep running after auth failure")
	}
	if st.SegmentCount != 1 {
		t.Errorf("output must be untouched, got %d segments", st.SegmentCount)
	}
	if st.BackoffDelayMs != 0 {
		t.Errorf("auth failure must not back off, got %d", st.BackoffDelayMs)
	}
}

func TestEngine_FetchError(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.fetcher.set(models.KindTranscript, nil, fmt.Errorf("%w: connection refused", relay.ErrTransport))

	h.start(t)

	sig, ok := h.signals.last(models.SignalFetchError)
	if !ok {
		t.Fatal("expected fetch_error signal")
	}
	if !strings.Contains(sig.Message, "connection refused") {
		t.Errorf("expected error detail in message, got %q", sig.Message)
	}
	if h.engine.State().LastSuccessfulPollAt != nil {
		t.Error("failed cycle must not record a successful poll")
	}
}

func TestEngine_ConfigMissing(t *testing.T) {
	h := newHarness(t, RelayConfig{HeartbeatURL: "https://relay.test/h/requests"}, nil)

	h.start(t)

	if h.signals.count(models.SignalConfigMissing) != 1 {
		t.Error("expected config_missing signal")
	}
	if n := h.fetcher.callCount(models.KindTranscript); n != 0 {
		t.Errorf("expected no transcript fetch, got %d", n)
	}

	h.engine.UpdateRelay(bothStreams)
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{Text: "configured", Start: 0, End: 1}),
	}, nil)
	h.engine.RunCycle(context.Background())

	if got := len(h.engine.Segments()); got != 1 {
		t.Errorf("expected ingestion after relay update, got %d", got)
	}
	if h.signals.count(models.SignalConfigUpdated) != 1 {
		t.Error("expected config_updated signal")
	}
}

func TestEngine_OverlapGuard(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.start(t)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.fetcher.mu.Lock()
	h.fetcher.gate, h.fetcher.entered = gate, entered
	h.fetcher.mu.Unlock()

	done := make(chan bool)
	go func() { done <- h.engine.RunCycle(context.Background()) }()
	<-entered

	if h.engine.RunCycle(context.Background()) {
		t.Error("expected overlapping cycle to be skipped")
	}
	if err := h.engine.PollNow(); !errors.Is(err, ErrCycleInFlight) {
		t.Errorf("expected ErrCycleInFlight, got %v", err)
	}
	if !h.engine.State().IsLoading {
		t.Error("expected loading while a cycle is in flight")
	}

	close(gate)
	if !<-done {
		t.Error("expected the first cycle to run")
	}
}

func TestEngine_NoResultsAppliedAfterStop(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.start(t)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.fetcher.mu.Lock()
	h.fetcher.gate, h.fetcher.entered = gate, entered
	h.fetcher.mu.Unlock()
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "late", epoch, entry{Text: "too late", Start: 0, End: 1}),
	}, nil)

	done := make(chan bool)
	go func() { done <- h.engine.RunCycle(context.Background()) }()
	<-entered

	h.engine.Stop()
	close(gate)
	<-done

	if got := len(h.engine.Segments()); got != 0 {
		t.Errorf("expected no segments applied after stop, got %d", got)
	}
	if st := h.engine.State(); st.SeenEventIDs != 0 {
		t.Errorf("expected dedup untouched after stop, got %d ids", st.SeenEventIDs)
	}
	if h.engine.State().IsLoading {
		t.Error("expected loading cleared by stop")
	}
}

func TestEngine_ResetClearsPersistedState(t *testing.T) {
	blobs := store.NewMemory()
	h := newHarness(t, transcriptOnly, dedup.NewPersister(blobs))
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{Text: "kept", Start: 0, End: 1}),
	}, nil)
	h.start(t)

	if _, err := blobs.Get(context.Background(), dedup.KeyEventIDs); err != nil {
		t.Fatalf("expected dedup state persisted after ingest: %v", err)
	}
	h.engine.Stop()

	if err := h.engine.Reset(context.Background()); err != nil {
		t.Fatalf("unexpected reset error: %v", err)
	}
	for _, key := range []string{dedup.KeyEventIDs, dedup.KeySegmentKeys} {
		if _, err := blobs.Get(context.Background(), key); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected %s deleted, got %v", key, err)
		}
	}

	st := h.engine.State()
	if st.SeenEventIDs != 0 || st.SeenSegmentKeys != 0 {
		t.Errorf("expected dedup cleared, got %d ids and %d keys", st.SeenEventIDs, st.SeenSegmentKeys)
	}
	if st.SegmentCount != 1 {
		t.Errorf("expected displayed segments kept, got %d", st.SegmentCount)
	}
	if st.Activity.HasBaseline {
		t.Error("expected activity baseline forgotten")
	}
	if h.signals.count(models.SignalStateReset) != 1 {
		t.Error("expected state_reset signal")
	}
}

func TestEngine_ResetTriggersPollWhileRunning(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{Text: "kept", Start: 0, End: 1}),
	}, nil)
	h.start(t)

	cycles := h.engine.State().Cycles
	if err := h.engine.Reset(context.Background()); err != nil {
		t.Fatalf("unexpected reset error: %v", err)
	}
	waitFor(t, "poll after reset", func() bool { return h.engine.State().Cycles > cycles })

	st := h.engine.State()
	if st.SeenEventIDs != 1 {
		t.Errorf("expected event re-marked by the poll after reset, got %d", st.SeenEventIDs)
	}
	if st.SegmentCount != 1 {
		t.Errorf("expected re-ingested content not duplicated, got %d segments", st.SegmentCount)
	}
}

func TestEngine_LoadsPersistedStateOnFirstStart(t *testing.T) {
	blobs := store.NewMemory()
	p := dedup.NewPersister(blobs)
	if err := p.Save(context.Background(), dedup.Snapshot{EventIDs: []string{"ev-old"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	h := newHarness(t, transcriptOnly, p)
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-old", epoch, entry{Text: "seen before restart", Start: 0, End: 1}),
	}, nil)
	h.start(t)

	if got := len(h.engine.Segments()); got != 0 {
		t.Errorf("expected persisted event to be skipped, got %d segments", got)
	}
	sig, ok := h.signals.last(models.SignalStateLoaded)
	if !ok || sig.Count != 1 {
		t.Errorf("expected state_loaded with count 1, got %+v", sig)
	}
}

func TestEngine_SetIntervalRearmsSchedule(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	if err := h.engine.SetInterval(0); !errors.Is(err, ErrInvalidInterval) {
		t.Errorf("expected ErrInvalidInterval, got %v", err)
	}
	h.start(t)

	if err := h.engine.SetInterval(10 * time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.engine.State().IntervalMs; got != 10000 {
		t.Errorf("expected interval 10000ms, got %d", got)
	}

	// the old hourly timer cannot fire within this loop
	deadline := time.Now().Add(2 * time.Second)
	for h.engine.State().Cycles < 2 {
		if time.Now().After(deadline) {
			t.Fatal("expected a scheduled cycle at the new interval")
		}
		h.clock.Advance(10 * time.Second)
		time.Sleep(time.Millisecond)
	}
}

func TestEngine_ClearSegments(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.fetcher.set(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{Text: "gone", Start: 0, End: 1}),
	}, nil)
	h.start(t)

	h.engine.ClearSegments()

	st := h.engine.State()
	if st.SegmentCount != 0 {
		t.Errorf("expected empty collection, got %d", st.SegmentCount)
	}
	if st.SeenEventIDs != 1 {
		t.Errorf("expected dedup state kept, got %d", st.SeenEventIDs)
	}
}

func TestEngine_StatusLogNewestFirst(t *testing.T) {
	h := newHarness(t, transcriptOnly, nil)
	h.start(t)

	status := h.engine.State().Status
	if len(status) == 0 {
		t.Fatal("expected status lines")
	}
	if !strings.HasPrefix(status[0], "[10:00:00] ") {
		t.Errorf("expected timestamped line, got %q", status[0])
	}
	if !strings.Contains(status[0], "No new requests found") {
		t.Errorf("expected newest line first, got %q", status[0])
	}
	if !strings.Contains(status[len(status)-1], "Started monitoring") {
		t.Errorf("expected oldest line last, got %q", status[len(status)-1])
	}
}

// unwindingFetcher holds the first transcript fetch past its cancellation
// until release is closed, like a transport slow to notice a dropped context.
type unwindingFetcher struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (f *unwindingFetcher) FetchEvents(ctx context.Context, streamURL, apiKey string, kind models.StreamKind) ([]models.Event, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()

	if first {
		f.entered <- struct{}{}
		<-ctx.Done()
		<-f.release
		return nil, ctx.Err()
	}
	return nil, nil
}

func (f *unwindingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestEngine_RestartWhileOldCycleUnwinds(t *testing.T) {
	f := &unwindingFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := New(Options{
		Fetcher:  f,
		Clock:    clock.NewFake(epoch),
		Relay:    transcriptOnly,
		Interval: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	defer close(f.release)

	if !e.Start() {
		t.Fatal("expected Start to transition")
	}
	<-f.entered

	e.Stop()
	if !e.Start() {
		t.Fatal("expected restart to transition")
	}

	waitFor(t, "immediate cycle after restart", func() bool { return f.callCount() >= 2 })
	if err := e.PollNow(); err != nil && !errors.Is(err, ErrCycleInFlight) {
		t.Errorf("unexpected PollNow error: %v", err)
	}
}

// slowStore blocks the first write of the event id set until release is
// closed.
type slowStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) Put(ctx context.Context, key string, value []byte) error {
	if key == dedup.KeyEventIDs {
		s.once.Do(func() {
			s.entered <- struct{}{}
			<-s.release
		})
	}
	return s.Store.Put(ctx, key, value)
}

func TestEngine_ResetWaitsForInFlightSave(t *testing.T) {
	blobs := &slowStore{
		Store:   store.NewMemory(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	h := newHarness(t, transcriptOnly, dedup.NewPersister(blobs))
	h.fetcher.push(models.KindTranscript, []models.Event{
		transcriptEvent(t, "ev-1", epoch, entry{Text: "saved", Start: 0, End: 1}),
	}, nil)
	h.fetcher.push(models.KindTranscript, nil, nil)

	if !h.engine.Start() {
		t.Fatal("expected Start to transition")
	}
	<-blobs.entered
	h.engine.Stop()

	done := make(chan error, 1)
	go func() { done <- h.engine.Reset(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("expected reset to wait for the pending save, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(blobs.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected reset error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reset")
	}

	for _, key := range []string{dedup.KeyEventIDs, dedup.KeySegmentKeys} {
		if _, err := blobs.Get(context.Background(), key); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected %s cleared after reset, got %v", key, err)
		}
	}
}
