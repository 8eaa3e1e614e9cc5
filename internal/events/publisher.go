// Package events provides event publishing functionality.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"relay-transcript-monitor/internal/models"
	"relay-transcript-monitor/internal/observability/metrics"
)

const (
	queueSize      = 256
	publishTimeout = 10 * time.Second
	activityKey    = "recording-activity"
)

// Publisher publishes accepted segments and activity changes to separate
// Kafka topics.
type Publisher struct {
	writerSegments *kafka.Writer
	writerActivity *kafka.Writer
	principal      string
	topicSegments  string
	topicActivity  string
	enabled        bool
	metrics        *metrics.Metrics

	queue     chan models.Signal
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers       []string
	TopicSegments string
	TopicActivity string
	Principal     string
	Enabled       bool
}

// New creates a new Kafka event publisher with separate topics for segments and activity.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics
	p := &Publisher{
		metrics: m,
		queue:   make(chan models.Signal, queueSize),
		done:    make(chan struct{}),
	}

	// Handle nil config case
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}

	p.principal = cfg.Principal
	p.topicSegments = cfg.TopicSegments
	p.topicActivity = cfg.TopicActivity

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Create a custom dialer with longer timeouts for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerSegments = newWriter(cfg.Brokers, cfg.TopicSegments, transport)
	p.writerActivity = newWriter(cfg.Brokers, cfg.TopicActivity, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicSegments", cfg.TopicSegments).
		Str("topicActivity", cfg.TopicActivity).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// PublishSegment publishes one accepted segment, keyed by its segment key.
func (p *Publisher) PublishSegment(ctx context.Context, seg models.Segment) error {
	event := SegmentEvent{
		EventType:   EventTypeSegment,
		Principal:   p.principal,
		Segment:     seg,
		PublishedAt: time.Now().UTC(),
	}
	return p.publish(ctx, p.writerSegments, p.topicSegments, "segment", seg.Key, event)
}

// PublishActivity publishes a recording activity change.
func (p *Publisher) PublishActivity(ctx context.Context, sig models.Signal) error {
	event := ActivityEvent{
		EventType: EventTypeActivity,
		Principal: p.principal,
		Active:    sig.Active,
		Message:   sig.Message,
		At:        sig.At,
	}
	return p.publish(ctx, p.writerActivity, p.topicActivity, "activity", activityKey, event)
}

// Observe queues a signal for publication without blocking. It has the
// shape of a poller observer; signals are dropped when the queue is full.
func (p *Publisher) Observe(sig models.Signal) {
	switch sig.Kind {
	case models.SignalSegmentsAdded, models.SignalActivityStarted, models.SignalActivityStopped:
	default:
		return
	}
	select {
	case p.queue <- sig:
	default:
		log.Warn().Str("signal", string(sig.Kind)).Msg("Publish queue full, dropping signal")
	}
}

// Start runs the queue worker until ctx is cancelled or Close is called.
func (p *Publisher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.drain(ctx)
	})
}

func (p *Publisher) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case sig := <-p.queue:
			p.dispatch(ctx, sig)
		}
	}
}

func (p *Publisher) dispatch(ctx context.Context, sig models.Signal) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	switch sig.Kind {
	case models.SignalSegmentsAdded:
		for _, seg := range sig.Segments {
			if err := p.PublishSegment(ctx, seg); err != nil {
				return
			}
		}
	case models.SignalActivityStarted, models.SignalActivityStopped:
		p.PublishActivity(ctx, sig)
	}
}

// publish is the internal method that writes to a specific Kafka writer.
func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	// Log the event
	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close stops the queue worker and closes both Kafka writers.
func (p *Publisher) Close() error {
	if p.done != nil {
		p.closeOnce.Do(func() { close(p.done) })
	}

	var err error
	if p.writerSegments != nil {
		if e := p.writerSegments.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing segment writer")
			err = e
		}
	}
	if p.writerActivity != nil {
		if e := p.writerActivity.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing activity writer")
			err = e
		}
	}
	return err
}
