package models

import "time"

// SignalKind names a status transition reported by the polling engine.
type SignalKind string

const (
	SignalMonitoringStarted SignalKind = "monitoring_started"
	SignalMonitoringStopped SignalKind = "monitoring_stopped"
	SignalFetching          SignalKind = "fetching"
	SignalSegmentsAdded     SignalKind = "segments_added"
	SignalNoNewEvents       SignalKind = "no_new_events"
	SignalBaselineSet       SignalKind = "baseline_set"
	SignalActivityStarted   SignalKind = "activity_started"
	SignalActivityStopped   SignalKind = "activity_stopped"
	SignalRateLimited       SignalKind = "rate_limited"
	SignalRateLimitCleared  SignalKind = "rate_limit_cleared"
	SignalAuthRequired      SignalKind = "auth_required"
	SignalFetchError        SignalKind = "fetch_error"
	SignalConfigMissing     SignalKind = "config_missing"
	SignalStateLoaded       SignalKind = "state_loaded"
	SignalStateReset        SignalKind = "state_reset"
	SignalConfigUpdated     SignalKind = "config_updated"
)

// Signal is one entry of the engine's side-channel status feed.
type Signal struct {
	Kind     SignalKind `json:"kind"`
	At       time.Time  `json:"at"`
	Message  string     `json:"message"`
	Count    int        `json:"count,omitempty"`
	Active   bool       `json:"active"`
	DelayMs  int64      `json:"delayMs,omitempty"`
	Segments []Segment  `json:"segments,omitempty"`
}
