// Package poller implements the polling engine. It fetches the heartbeat and
// transcript relay streams on an interval, ingests unseen transcript segments
// into a newest-first collection and drives the activity tracker.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"relay-transcript-monitor/internal/clock"
	"relay-transcript-monitor/internal/models"
	"relay-transcript-monitor/internal/observability/logging"
	"relay-transcript-monitor/internal/observability/metrics"
	"relay-transcript-monitor/internal/relay"
	"relay-transcript-monitor/internal/service/activity"
	"relay-transcript-monitor/internal/service/backoff"
	"relay-transcript-monitor/internal/service/dedup"
	"relay-transcript-monitor/internal/service/segment"
)

const (
	// DefaultInterval is the poll interval when none is configured.
	DefaultInterval = 5 * time.Second
	// MinRecommendedInterval is the shortest interval that does not trip
	// relay rate limits in practice. Shorter intervals are accepted.
	MinRecommendedInterval = 2 * time.Second

	persistTimeout = 5 * time.Second
)

// Poll results used as metric labels.
const (
	resultSuccess       = "success"
	resultSkipped       = "skipped"
	resultCancelled     = "cancelled"
	resultConfigMissing = "config_missing"
	resultRateLimited   = "rate_limited"
	resultAuthRequired  = "auth_required"
	resultError         = "error"
)

// RelayConfig holds the relay stream endpoints and credentials.
type RelayConfig struct {
	TranscriptURL string `json:"transcriptStreamUrl"`
	HeartbeatURL  string `json:"heartbeatStreamUrl"`
	APIKey        string `json:"-"`
}

// Observer receives every signal the engine emits. Observers are called
// without engine locks held and must not block for long.
type Observer func(models.Signal)

// Options configures an Engine.
type Options struct {
	Fetcher        relay.Fetcher
	Persister      *dedup.Persister // nil disables persistence
	Clock          clock.Clock
	Relay          RelayConfig
	Interval       time.Duration
	ActivityWindow time.Duration
	Metrics        *metrics.Metrics
}

// Snapshot is the engine read model.
type Snapshot struct {
	State                string         `json:"state"`
	IsMonitoring         bool           `json:"isMonitoring"`
	IsActive             bool           `json:"isActive"`
	IsLoading            bool           `json:"isLoading"`
	BackoffDelayMs       int64          `json:"backoffDelayMs"`
	IntervalMs           int64          `json:"intervalMs"`
	LastSuccessfulPollAt *time.Time     `json:"lastSuccessfulPollAt,omitempty"`
	Status               []string       `json:"status"`
	SegmentCount         int            `json:"segmentCount"`
	SeenEventIDs         int            `json:"seenEventIds"`
	SeenSegmentKeys      int            `json:"seenSegmentKeys"`
	Cycles               uint64         `json:"cycles"`
	Activity             activity.State `json:"activity"`
	Relay                RelayConfig    `json:"relay"`
	HasAPIKey            bool           `json:"hasApiKey"`
}

// Engine orchestrates poll cycles.
//
// At most one cycle is in flight at a time; a cycle that fires while another
// is outstanding is a no-op. Engine state is only mutated between the
// cycle's suspension points (backoff wait and the two fetches), never across
// them, and a cycle's results are discarded once Stop has been requested.
type Engine struct {
	id        string
	fetcher   relay.Fetcher
	persister *dedup.Persister
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       zerolog.Logger

	dedup   *dedup.Store
	backoff *backoff.Controller
	tracker *activity.Tracker
	life    *Lifecycle

	// inFlight holds the generation of the cycle in flight, 0 when idle.
	// A cycle left over from a stopped generation never blocks a new one.
	inFlight atomic.Uint64
	cycles   atomic.Uint64
	wg       sync.WaitGroup

	// persistMu orders dedup saves against Reset so a save that started
	// before a reset can never rewrite the cleared keys.
	persistMu sync.Mutex

	mu          sync.Mutex
	relay       RelayConfig
	interval    time.Duration
	segments    []models.Segment
	status      statusLog
	lastSuccess time.Time
	loading     bool
	loaded      bool
	runCtx      context.Context
	runCancel   context.CancelFunc
	cycleCancel context.CancelFunc
	resched     chan time.Duration

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

// New creates a stopped engine.
func New(opts Options) *Engine {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	e := &Engine{
		id:        uuid.NewString(),
		fetcher:   opts.Fetcher,
		persister: opts.Persister,
		clock:     c,
		metrics:   m,
		dedup:     dedup.New(),
		backoff:   backoff.New(c),
		life:      NewLifecycle(),
		relay:     opts.Relay,
		interval:  interval,
		observers: make(map[int]Observer),
	}
	e.log = logging.WithComponent("poller").With().Str("engineId", e.id).Logger()
	e.tracker = activity.New(c, opts.ActivityWindow, e.onActivity)
	return e
}

// Subscribe registers an observer and returns a function that removes it.
func (e *Engine) Subscribe(o Observer) (unsubscribe func()) {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = o
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

// Start transitions to running: persisted dedup state is loaded on the first
// start, the activity baseline is reset, a cycle runs immediately and then
// on every interval. Returns false if already running.
func (e *Engine) Start() bool {
	e.mu.Lock()
	if _, ok := e.life.Start(); !ok {
		e.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.runCtx, e.runCancel = ctx, cancel
	resched := make(chan time.Duration, 1)
	e.resched = resched
	interval := e.interval
	load := !e.loaded
	e.loaded = true
	e.mu.Unlock()

	e.metrics.RecordMonitoring(true)
	if interval < MinRecommendedInterval {
		e.log.Warn().Dur("interval", interval).Msg("poll interval below recommended minimum, relay may rate limit")
	}
	e.signal(models.SignalMonitoringStarted, fmt.Sprintf("Started monitoring (every %s)", interval))
	e.tracker.Start()

	e.wg.Add(1)
	go e.run(ctx, load, interval, resched)
	return true
}

// Stop cancels the schedule, the in-flight cycle and the activity deadline.
// Returns false if already stopped.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	if !e.life.Stop() {
		e.mu.Unlock()
		return false
	}
	cancelRun, cancelCycle := e.runCancel, e.cycleCancel
	e.runCtx, e.runCancel, e.cycleCancel, e.resched = nil, nil, nil, nil
	e.loading = false
	e.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	if cancelCycle != nil {
		cancelCycle()
	}
	e.tracker.Stop()
	e.metrics.RecordMonitoring(false)
	e.signal(models.SignalMonitoringStopped, "Stopped monitoring")
	return true
}

// Shutdown stops the engine and waits for outstanding goroutines.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the engine is running.
func (e *Engine) IsRunning() bool {
	return e.life.IsRunning()
}

// SetInterval changes the poll interval. While running the schedule is
// re-armed without cancelling an in-flight cycle.
func (e *Engine) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}
	if d < MinRecommendedInterval {
		e.log.Warn().Dur("interval", d).Msg("poll interval below recommended minimum, relay may rate limit")
	}

	e.mu.Lock()
	e.interval = d
	if e.resched != nil {
		select {
		case <-e.resched:
		default:
		}
		e.resched <- d
	}
	e.mu.Unlock()
	return nil
}

// UpdateRelay replaces the relay endpoints and API key used by later cycles.
func (e *Engine) UpdateRelay(rc RelayConfig) {
	e.mu.Lock()
	e.relay = rc
	e.mu.Unlock()
	e.signal(models.SignalConfigUpdated, "Relay configuration updated")
}

// Relay returns the current relay configuration.
func (e *Engine) Relay() RelayConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.relay
}

// PollNow triggers an on-demand cycle in the background.
func (e *Engine) PollNow() error {
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		return ErrNotRunning
	}
	if e.busy() {
		return ErrCycleInFlight
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.RunCycle(ctx)
	}()
	return nil
}

// Reset clears dedup membership and its persisted keys and forgets the
// activity baseline. Displayed segments are kept. While running, a poll is
// triggered so that the relay's current events are re-ingested.
func (e *Engine) Reset(ctx context.Context) error {
	e.persistMu.Lock()
	e.mu.Lock()
	e.dedup.Reset()
	e.mu.Unlock()
	e.metrics.RecordDedupSize(0, 0)

	var err error
	if e.persister != nil {
		if err = e.persister.Clear(ctx); err != nil {
			e.log.Error().Err(err).Msg("failed to clear persisted dedup state")
			e.metrics.RecordPersistError()
		}
	}
	e.persistMu.Unlock()
	e.tracker.Reset()
	e.signal(models.SignalStateReset, "Reset processed requests")

	if e.life.IsRunning() {
		if perr := e.PollNow(); perr != nil && !errors.Is(perr, ErrCycleInFlight) {
			e.log.Warn().Err(perr).Msg("poll after reset not started")
		}
	}
	return err
}

// ClearSegments empties the output collection.
func (e *Engine) ClearSegments() {
	e.mu.Lock()
	n := len(e.segments)
	e.segments = nil
	e.mu.Unlock()

	e.metrics.RecordSegmentsAccepted(0, 0)
	e.log.Info().Int("cleared", n).Msg("Cleared output segments")
}

// Segments returns a copy of the output collection, newest first.
func (e *Engine) Segments() []models.Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Segment(nil), e.segments...)
}

// State returns the engine read model.
func (e *Engine) State() Snapshot {
	events, keys := e.dedup.Len()
	act := e.tracker.State()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		State:           e.life.State().String(),
		IsMonitoring:    e.life.IsRunning(),
		IsActive:        act.Active,
		IsLoading:       e.loading,
		BackoffDelayMs:  e.backoff.Delay().Milliseconds(),
		IntervalMs:      e.interval.Milliseconds(),
		Status:          e.status.snapshot(),
		SegmentCount:    len(e.segments),
		SeenEventIDs:    events,
		SeenSegmentKeys: keys,
		Cycles:          e.cycles.Load(),
		Activity:        act,
		Relay:           e.relay,
		HasAPIKey:       e.relay.APIKey != "",
	}
	if !e.lastSuccess.IsZero() {
		t := e.lastSuccess
		s.LastSuccessfulPollAt = &t
	}
	return s
}

// RunCycle runs one poll cycle synchronously. It returns false without
// doing anything when the engine is stopped or another cycle is in flight.
func (e *Engine) RunCycle(ctx context.Context) bool {
	gen, running := e.life.Current()
	if !running {
		return false
	}
	if !e.acquire(gen) {
		e.metrics.RecordPoll(resultSkipped, 0)
		e.log.Debug().Msg("poll cycle already in flight, skipping")
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if !e.life.IsCurrent(gen) {
		e.mu.Unlock()
		e.release(gen)
		return false
	}
	e.cycleCancel = cancel
	e.loading = true
	rc := e.relay
	e.mu.Unlock()

	start := e.clock.Now()
	result := e.cycle(ctx, gen, uuid.NewString(), rc)

	e.mu.Lock()
	if e.life.IsCurrent(gen) {
		e.loading = false
		e.cycleCancel = nil
	}
	e.mu.Unlock()

	e.metrics.RecordPoll(result, e.clock.Now().Sub(start).Seconds())
	events, keys := e.dedup.Len()
	e.metrics.RecordDedupSize(events, keys)

	e.release(gen)
	e.cycles.Add(1)
	return true
}

// acquire claims the in-flight slot for gen. The slot is free when idle or
// when its holder belongs to a generation that is no longer current.
func (e *Engine) acquire(gen uint64) bool {
	for {
		held := e.inFlight.Load()
		if held != 0 && e.life.IsCurrent(held) {
			return false
		}
		if e.inFlight.CompareAndSwap(held, gen) {
			return true
		}
	}
}

// release frees the slot unless a newer generation has taken it over.
func (e *Engine) release(gen uint64) {
	e.inFlight.CompareAndSwap(gen, 0)
}

func (e *Engine) busy() bool {
	held := e.inFlight.Load()
	return held != 0 && e.life.IsCurrent(held)
}

func (e *Engine) run(ctx context.Context, load bool, interval time.Duration, resched <-chan time.Duration) {
	defer e.wg.Done()

	if load {
		e.loadState(ctx)
	}

	tick := make(chan struct{}, 1)
	arm := func(d time.Duration) clock.Timer {
		return e.clock.AfterFunc(d, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}
	timer := arm(interval)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.RunCycle(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case d := <-resched:
			timer.Stop()
			interval = d
			timer = arm(interval)
			e.log.Info().Dur("interval", interval).Msg("poll schedule re-armed")
		case <-tick:
			timer = arm(interval)
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.RunCycle(ctx)
			}()
		}
	}
}

func (e *Engine) cycle(ctx context.Context, gen uint64, cycleID string, rc RelayConfig) string {
	log := logging.WithCycle(cycleID)

	if err := e.backoff.Wait(ctx); err != nil {
		return resultCancelled
	}

	if rc.HeartbeatURL != "" {
		e.checkHeartbeat(ctx, gen, cycleID, rc)
	}

	if rc.TranscriptURL == "" {
		e.signal(models.SignalConfigMissing, "Transcript stream URL is not configured")
		return resultConfigMissing
	}

	e.signal(models.SignalFetching, "Fetching transcripts...")
	events, err := e.fetcher.FetchEvents(ctx, rc.TranscriptURL, rc.APIKey, models.KindTranscript)
	if ctx.Err() != nil || !e.life.IsCurrent(gen) {
		return resultCancelled
	}
	if err != nil {
		return e.handleFetchError(log, err)
	}

	if e.backoff.OnSuccess() {
		e.metrics.RecordBackoff(0, false)
		e.signal(models.SignalRateLimitCleared, "Rate limit cleared, resuming normal polling")
	}
	return e.ingest(ctx, gen, log, events)
}

func (e *Engine) checkHeartbeat(ctx context.Context, gen uint64, cycleID string, rc RelayConfig) {
	events, err := e.fetcher.FetchEvents(ctx, rc.HeartbeatURL, rc.APIKey, models.KindHeartbeat)
	if err != nil {
		if ctx.Err() == nil {
			log := logging.WithStream(cycleID, models.KindHeartbeat.String())
			log.Warn().Err(err).Msg("heartbeat fetch failed")
		}
		return
	}
	if !e.life.IsCurrent(gen) {
		return
	}

	var latest *models.Event
	if len(events) > 0 {
		latest = &events[0]
	}
	e.tracker.Check(latest)
}

func (e *Engine) handleFetchError(log zerolog.Logger, err error) string {
	switch {
	case errors.Is(err, relay.ErrRateLimited):
		d := e.backoff.OnRateLimited()
		e.metrics.RecordBackoff(d.Seconds(), true)
		log.Warn().Err(err).Dur("backoff", d).Msg("transcript fetch rate limited")
		sig := e.newSignal(models.SignalRateLimited, fmt.Sprintf("Rate limited, backing off for %s", d))
		sig.DelayMs = d.Milliseconds()
		e.emit(sig)
		return resultRateLimited

	case errors.Is(err, relay.ErrAuthRequired):
		log.Warn().Err(err).Msg("transcript fetch unauthorized")
		e.signal(models.SignalAuthRequired, "Authentication required, check the relay API key")
		return resultAuthRequired

	default:
		log.Warn().Err(err).Msg("transcript fetch failed")
		e.signal(models.SignalFetchError, "Error fetching transcripts: "+err.Error())
		return resultError
	}
}

func (e *Engine) ingest(ctx context.Context, gen uint64, log zerolog.Logger, events []models.Event) string {
	e.mu.Lock()
	if !e.life.IsCurrent(gen) {
		e.mu.Unlock()
		return resultCancelled
	}

	var staged []models.Segment
	newEvents := 0
	for _, ev := range events {
		if e.dedup.HasEvent(ev.ID) {
			e.metrics.RecordDuplicateEvent()
			continue
		}
		e.dedup.MarkEvent(ev.ID)
		newEvents++

		res, err := segment.Extract(ev)
		if err != nil {
			log.Warn().Err(err).Str("eventId", ev.ID).Msg("skipping malformed transcript event")
			e.metrics.RecordSkipped("malformed_event", 1)
			continue
		}
		e.metrics.RecordSkipped("entry", res.Skipped)

		for _, seg := range res.Segments {
			if e.dedup.HasSegment(seg.Key) {
				e.metrics.RecordDuplicateSegment("key")
				continue
			}
			e.dedup.MarkSegment(seg.Key)
			staged = append(staged, seg)
		}
	}

	merged, fresh := mergeSegments(e.segments, staged)
	e.segments = merged
	e.lastSuccess = e.clock.Now()
	total := len(merged)
	e.mu.Unlock()

	for i := len(fresh); i < len(staged); i++ {
		e.metrics.RecordDuplicateSegment("content")
	}

	if newEvents == 0 {
		e.signal(models.SignalNoNewEvents, "No new requests found")
		return resultSuccess
	}
	e.persist(ctx, log)

	if len(fresh) > 0 {
		e.metrics.RecordSegmentsAccepted(len(fresh), total)
		log.Info().Int("segments", len(fresh)).Int("events", newEvents).Msg("segments ingested")
		sig := e.newSignal(models.SignalSegmentsAdded, fmt.Sprintf("Added %d new transcript segment(s)", len(fresh)))
		sig.Count = len(fresh)
		sig.Segments = fresh
		e.emit(sig)
	}
	return resultSuccess
}

func (e *Engine) loadState(ctx context.Context) {
	if e.persister == nil {
		return
	}
	e.persistMu.Lock()
	snap, err := e.persister.Load(ctx)
	e.persistMu.Unlock()
	if err != nil {
		e.log.Error().Err(err).Msg("failed to load persisted dedup state")
		e.metrics.RecordPersistError()
		return
	}
	e.dedup.Restore(snap)

	events, keys := e.dedup.Len()
	e.metrics.RecordDedupSize(events, keys)
	if events > 0 {
		sig := e.newSignal(models.SignalStateLoaded, fmt.Sprintf("Loaded %d processed requests from storage", events))
		sig.Count = events
		e.emit(sig)
	}
}

func (e *Engine) persist(ctx context.Context, log zerolog.Logger) {
	if e.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if err := e.persister.Save(ctx, e.dedup.Snapshot()); err != nil {
		log.Error().Err(err).Msg("failed to persist dedup state")
		e.metrics.RecordPersistError()
	}
}

func (e *Engine) onActivity(tr activity.Transition) {
	e.metrics.RecordActivity(string(tr.Kind), tr.Active)

	var msg string
	switch tr.Kind {
	case models.SignalBaselineSet:
		msg = "Audio baseline set, waiting for new audio"
	case models.SignalActivityStarted:
		msg = "Recording in progress"
	default:
		msg = "Recording stopped (" + tr.Reason + ")"
	}
	e.emit(models.Signal{Kind: tr.Kind, At: tr.At, Message: msg, Active: tr.Active})
}

func (e *Engine) newSignal(kind models.SignalKind, msg string) models.Signal {
	return models.Signal{
		Kind:    kind,
		At:      e.clock.Now(),
		Message: msg,
		Active:  e.tracker.Active(),
	}
}

func (e *Engine) signal(kind models.SignalKind, msg string) {
	e.emit(e.newSignal(kind, msg))
}

// emit records the signal in the status log and notifies observers. Must be
// called without e.mu held.
func (e *Engine) emit(sig models.Signal) {
	e.mu.Lock()
	e.status.add(sig.At, sig.Message)
	e.mu.Unlock()

	e.log.Debug().
		Str("signal", string(sig.Kind)).
		Int("count", sig.Count).
		Bool("active", sig.Active).
		Msg(sig.Message)

	e.obsMu.RLock()
	observers := make([]Observer, 0, len(e.observers))
	for _, o := range e.observers {
		observers = append(observers, o)
	}
	e.obsMu.RUnlock()

	for _, o := range observers {
		o(sig)
	}
}
