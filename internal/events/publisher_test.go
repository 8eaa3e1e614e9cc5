package events

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"relay-transcript-monitor/internal/models"
)

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerSegments != nil {
				t.Error("expected nil segment writer when disabled")
			}
			if p.writerActivity != nil {
				t.Error("expected nil activity writer when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	cfg := &Config{
		Enabled:       false,
		Brokers:       []string{"localhost:9092"},
		TopicSegments: "test.segments",
		TopicActivity: "test.activity",
		Principal:     "test-principal",
	}

	p := New(cfg)

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicSegments != "test.segments" {
		t.Errorf("expected topic segments 'test.segments', got %s", p.topicSegments)
	}
	if p.topicActivity != "test.activity" {
		t.Errorf("expected topic activity 'test.activity', got %s", p.topicActivity)
	}
}

func TestNew_EnabledCreatesWriters(t *testing.T) {
	p := New(&Config{
		Enabled:       true,
		Brokers:       []string{"localhost:9092"},
		TopicSegments: "test.segments",
		TopicActivity: "test.activity",
	})
	defer p.Close()

	if !p.enabled {
		t.Fatal("expected publisher to be enabled")
	}
	if p.writerSegments == nil || p.writerSegments.Topic != "test.segments" {
		t.Error("expected segment writer on the segment topic")
	}
	if p.writerActivity == nil || p.writerActivity.Topic != "test.activity" {
		t.Error("expected activity writer on the activity topic")
	}
}

func TestPublisher_PublishSegment_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false, TopicSegments: "test.segments.disabled"})

	err := p.PublishSegment(context.Background(), models.Segment{Key: "k", Text: "hello"})

	if err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_PublishActivity_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false, TopicActivity: "test.activity.disabled"})

	err := p.PublishActivity(context.Background(), models.Signal{Kind: models.SignalActivityStarted, Active: true})

	if err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_PublishInvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	// Create an unmarshalable value (channel)
	err := p.publish(context.Background(), nil, "test.invalid", "segment", "k", make(chan int))

	if err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_Close_NoWriters(t *testing.T) {
	p := New(&Config{Enabled: false})

	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("expected repeated close to be safe, got %v", err)
	}
}

func TestPublisher_Close_NilPublisher(t *testing.T) {
	p := &Publisher{
		writerSegments: nil,
		writerActivity: nil,
	}

	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing publisher with nil writers, got %v", err)
	}
}

func TestPublisher_ObserveDispatchesSignals(t *testing.T) {
	topic := "test.observe.segments"
	p := New(&Config{Enabled: false, TopicSegments: topic, TopicActivity: "test.observe.activity"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Close()

	p.Observe(models.Signal{Kind: models.SignalFetching})
	p.Observe(models.Signal{
		Kind:     models.SignalSegmentsAdded,
		Count:    2,
		Segments: []models.Segment{{Key: "a"}, {Key: "b"}},
	})

	counter := p.metrics.KafkaPublishTotal.WithLabelValues(topic, "segment")
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(counter) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 segment publishes, got %v", testutil.ToFloat64(counter))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPublisher_ObserveIgnoresOtherSignals(t *testing.T) {
	p := New(&Config{Enabled: false})

	p.Observe(models.Signal{Kind: models.SignalNoNewEvents})
	p.Observe(models.Signal{Kind: models.SignalRateLimited})

	if n := len(p.queue); n != 0 {
		t.Errorf("expected no queued signals, got %d", n)
	}
}
