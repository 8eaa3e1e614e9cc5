// Package relay fetches events from a webhook-relay API.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"relay-transcript-monitor/internal/models"
	"relay-transcript-monitor/internal/observability/logging"
	"relay-transcript-monitor/internal/observability/metrics"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "TranscriptionMonitor/1.0"
	maxErrorBody     = 2048
	maxBody          = 8 << 20
)

// Fetcher is the boundary the polling engine fetches through.
type Fetcher interface {
	FetchEvents(ctx context.Context, streamURL, apiKey string, kind models.StreamKind) ([]models.Event, error)
}

// Options configures the Client.
type Options struct {
	UserAgent string
	Timeout   time.Duration

	// PreferLatest rewrites listing URLs to the single latest request
	// endpoint and falls back to the listing URL on 401/404.
	PreferLatest bool

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Client is a relay HTTP client.
type Client struct {
	http    *http.Client
	opts    Options
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewClient creates a new Client with defaults applied.
func NewClient(o Options) *Client {
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	}
	m := o.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Client{
		http:    hc,
		opts:    o,
		metrics: m,
		log:     logging.WithComponent("relay"),
		now:     time.Now,
	}
}

// FetchEvents fetches the newest events of a stream, most recent first.
func (c *Client) FetchEvents(ctx context.Context, streamURL, apiKey string, kind models.StreamKind) ([]models.Event, error) {
	start := c.now()
	events, err := c.fetch(ctx, streamURL, apiKey, kind)
	c.metrics.RecordFetch(kind.String(), StatusLabel(err), len(events), c.now().Sub(start).Seconds())
	return events, err
}

func (c *Client) fetch(ctx context.Context, streamURL, apiKey string, kind models.StreamKind) ([]models.Event, error) {
	listing := NewestFirst(streamURL)
	target := listing
	if c.opts.PreferLatest {
		target = LatestURL(listing)
	}

	body, err := c.get(ctx, target, apiKey)
	if target != listing && isFallbackStatus(err) {
		c.log.Debug().
			Str("stream", kind.String()).
			Err(err).
			Msg("latest endpoint rejected, retrying listing url")
		body, err = c.get(ctx, listing, apiKey)
	}
	if err != nil {
		return nil, err
	}

	items, err := decodeBody(body)
	if err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(items))
	for _, raw := range items {
		ev, err := toEvent(raw, kind)
		if err != nil {
			c.log.Warn().Str("stream", kind.String()).Err(err).Msg("skipping relay item")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) get(ctx context.Context, url, apiKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %v", ErrTransport, err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Api-Key", apiKey)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	lat := c.now().Sub(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("latency", lat).
		Msg("relay http response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	return body, nil
}

func isFallbackStatus(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.Status == http.StatusUnauthorized || he.Status == http.StatusNotFound
}
