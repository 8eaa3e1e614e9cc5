package poller

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the running state of the polling engine.
type State int

const (
	// StateStopped - No schedule armed, no cycle results applied.
	StateStopped State = iota
	// StateRunning - Schedule armed, cycles fire on every interval.
	StateRunning
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Errors returned by engine operations.
var (
	ErrNotRunning      = errors.New("polling engine is not running")
	ErrCycleInFlight   = errors.New("poll cycle already in flight")
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// Lifecycle manages the engine's run state.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	STOPPED ──Start()──→ RUNNING
//	RUNNING ──Stop()───→ STOPPED
//
// Every transition bumps the generation. A cycle captures the generation
// when it begins and may only apply results while it is still current, so
// a cycle that straddles Stop (or Stop+Start) is discarded.
type Lifecycle struct {
	mu         sync.RWMutex
	state      State
	generation uint64
}

// NewLifecycle creates a lifecycle in STOPPED state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateStopped}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsRunning returns true in RUNNING state.
func (l *Lifecycle) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateRunning
}

// Current returns the running generation, or false when stopped.
func (l *Lifecycle) Current() (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation, l.state == StateRunning
}

// IsCurrent returns true if gen is the generation of the current run.
func (l *Lifecycle) IsCurrent(gen uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateRunning && l.generation == gen
}

// Start transitions to RUNNING. Idempotent: returns false if already running.
func (l *Lifecycle) Start() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateRunning {
		return l.generation, false
	}
	l.state = StateRunning
	l.generation++
	return l.generation, true
}

// Stop transitions to STOPPED. Idempotent: returns false if already stopped.
func (l *Lifecycle) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStopped {
		return false
	}
	l.state = StateStopped
	l.generation++
	return true
}
