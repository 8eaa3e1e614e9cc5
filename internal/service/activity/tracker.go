// Package activity converts a stream of heartbeat events into a "recording
// in progress" signal with a trailing timeout.
package activity

import (
	"fmt"
	"sync"
	"time"

	"relay-transcript-monitor/internal/clock"
	"relay-transcript-monitor/internal/models"
)

// DefaultWindow is how long activity stays live after the last new heartbeat.
const DefaultWindow = 5 * time.Second

// Transition is reported to the tracker's listener on every state change.
type Transition struct {
	Kind        models.SignalKind // baseline_set, activity_started or activity_stopped
	HeartbeatID string
	Active      bool
	At          time.Time
	Reason      string
}

// Listener receives transitions. It is called without the tracker lock held,
// possibly from the clock's timer goroutine.
type Listener func(Transition)

// State is a snapshot of the tracker.
type State struct {
	LastHeartbeatID string     `json:"lastHeartbeatId,omitempty"`
	HasBaseline     bool       `json:"hasBaseline"`
	Active          bool       `json:"active"`
	Deadline        *time.Time `json:"deadline,omitempty"`
}

// Tracker is the activity window state machine.
//
//	no baseline ──first heartbeat──▶ baseline (inactive)
//	baseline ──new id──▶ active (deadline = now+window)
//	active ──new id──▶ active (deadline re-armed)
//	active ──deadline or empty fetch──▶ inactive
//
// A repeated id never changes state and never extends the deadline.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	window   time.Duration
	listener Listener

	lastID   string
	baseline bool
	active   bool
	deadline time.Time
	timer    clock.Timer
	stopped  bool
	// generation invalidates timers that fire after being superseded.
	generation uint64
}

// New creates a tracker. A zero window uses DefaultWindow.
func New(c clock.Clock, window time.Duration, listener Listener) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{clock: c, window: window, listener: listener}
}

// Check feeds the most recent heartbeat event of the current fetch, or nil
// when the fetch returned none.
func (t *Tracker) Check(latest *models.Event) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	var out *Transition

	switch {
	case latest == nil:
		if t.active {
			t.cancelLocked()
			t.active = false
			out = t.transitionLocked(models.SignalActivityStopped, "no heartbeat events")
		}

	case !t.baseline:
		t.baseline = true
		t.lastID = latest.ID
		out = t.transitionLocked(models.SignalBaselineSet, "baseline established")

	case latest.ID != t.lastID:
		t.lastID = latest.ID
		t.active = true
		t.armLocked()
		out = t.transitionLocked(models.SignalActivityStarted, "new heartbeat")
	}
	t.mu.Unlock()

	t.emit(out)
}

// Active reports whether activity is currently live.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// State returns a snapshot of the tracker.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := State{
		LastHeartbeatID: t.lastID,
		HasBaseline:     t.baseline,
		Active:          t.active,
	}
	if t.timer != nil {
		d := t.deadline
		s.Deadline = &d
	}
	return s
}

// Reset forgets the baseline so the next heartbeat only re-establishes it.
func (t *Tracker) Reset() {
	t.mu.Lock()
	var out *Transition
	t.cancelLocked()
	if t.active {
		t.active = false
		out = t.transitionLocked(models.SignalActivityStopped, "tracking reset")
	}
	t.baseline = false
	t.lastID = ""
	t.mu.Unlock()

	t.emit(out)
}

// Start resets the tracker and lets Check take effect again after Stop.
func (t *Tracker) Start() {
	t.mu.Lock()
	t.stopped = false
	t.mu.Unlock()
	t.Reset()
}

// Stop cancels any pending deadline without changing the active flag.
// Check is ignored until the next Start, so a heartbeat that arrives late
// cannot re-arm a deadline.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.cancelLocked()
}

func (t *Tracker) armLocked() {
	t.cancelLocked()
	t.generation++
	gen := t.generation
	t.deadline = t.clock.Now().Add(t.window)
	t.timer = t.clock.AfterFunc(t.window, func() { t.expire(gen) })
}

func (t *Tracker) cancelLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.deadline = time.Time{}
	t.generation++
}

func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || !t.active {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.deadline = time.Time{}
	t.active = false
	out := t.transitionLocked(models.SignalActivityStopped,
		fmt.Sprintf("no new heartbeat for %s", t.window))
	t.mu.Unlock()

	t.emit(out)
}

func (t *Tracker) transitionLocked(kind models.SignalKind, reason string) *Transition {
	return &Transition{
		Kind:        kind,
		HeartbeatID: t.lastID,
		Active:      t.active,
		At:          t.clock.Now(),
		Reason:      reason,
	}
}

func (t *Tracker) emit(tr *Transition) {
	if tr != nil && t.listener != nil {
		t.listener(*tr)
	}
}
