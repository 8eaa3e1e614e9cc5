package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"relay-transcript-monitor/internal/models"
	"relay-transcript-monitor/internal/schema"
	"relay-transcript-monitor/internal/service/poller"
)

const maxBodyBytes = 64 << 10

// Monitor is the engine surface exposed over HTTP.
type Monitor interface {
	Start() bool
	Stop() bool
	IsRunning() bool
	State() poller.Snapshot
	Segments() []models.Segment
	ClearSegments()
	PollNow() error
	Reset(ctx context.Context) error
	SetInterval(d time.Duration) error
	UpdateRelay(rc poller.RelayConfig)
	Relay() poller.RelayConfig
}

// Options configures the router.
type Options struct {
	Monitor     Monitor
	Feed        http.Handler // serves /v1/feed; nil disables it
	CORSOrigins []string
}

// ConfigUpdate is the body of PUT /v1/config. Absent fields are left unchanged.
type ConfigUpdate struct {
	TranscriptURL  *string `json:"transcriptStreamUrl" validate:"omitempty,url"`
	HeartbeatURL   *string `json:"heartbeatStreamUrl" validate:"omitempty,url"`
	APIKey         *string `json:"apiKey"`
	PollIntervalMs *int    `json:"pollIntervalMs" validate:"omitempty,gte=250"`
}

type handlers struct {
	monitor   Monitor
	validator *schema.Validator
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(opts Options) http.Handler {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	h := &handlers{monitor: opts.Monitor, validator: schema.New()}
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !h.monitor.IsRunning() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not monitoring"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", h.state)
		r.Get("/segments", h.segments)
		r.Delete("/segments", h.clearSegments)
		r.Post("/monitor/start", h.start)
		r.Post("/monitor/stop", h.stop)
		r.Post("/poll", h.poll)
		r.Post("/reset", h.reset)
		r.Put("/config", h.updateConfig)
		if opts.Feed != nil {
			r.Handle("/feed", opts.Feed)
		}
	})

	return r
}

func (h *handlers) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.State())
}

func (h *handlers) segments(w http.ResponseWriter, _ *http.Request) {
	segs := h.monitor.Segments()
	if segs == nil {
		segs = []models.Segment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": segs, "count": len(segs)})
}

func (h *handlers) clearSegments(w http.ResponseWriter, _ *http.Request) {
	h.monitor.ClearSegments()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) start(w http.ResponseWriter, _ *http.Request) {
	started := h.monitor.Start()
	writeJSON(w, http.StatusOK, map[string]any{"changed": started, "state": h.monitor.State()})
}

func (h *handlers) stop(w http.ResponseWriter, _ *http.Request) {
	stopped := h.monitor.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"changed": stopped, "state": h.monitor.State()})
}

func (h *handlers) poll(w http.ResponseWriter, _ *http.Request) {
	switch err := h.monitor.PollNow(); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "polling"})
	case errors.Is(err, poller.ErrNotRunning), errors.Is(err, poller.ErrCycleInFlight):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Reset(r.Context()); err != nil {
		log.Error().Err(err).Msg("reset failed to clear persisted state")
		writeError(w, http.StatusInternalServerError, "reset applied but persisted state could not be cleared")
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.State())
}

func (h *handlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	var body ConfigUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.validator.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rc := h.monitor.Relay()
	relayChanged := false
	if body.TranscriptURL != nil {
		rc.TranscriptURL = *body.TranscriptURL
		relayChanged = true
	}
	if body.HeartbeatURL != nil {
		rc.HeartbeatURL = *body.HeartbeatURL
		relayChanged = true
	}
	if body.APIKey != nil {
		rc.APIKey = *body.APIKey
		relayChanged = true
	}
	if relayChanged {
		h.monitor.UpdateRelay(rc)
	}
	if body.PollIntervalMs != nil {
		if err := h.monitor.SetInterval(time.Duration(*body.PollIntervalMs) * time.Millisecond); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, h.monitor.State())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
