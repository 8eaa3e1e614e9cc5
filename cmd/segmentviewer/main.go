// Segment Viewer - live display of published transcript segments.
// Consumes the segment and activity topics and relays them to WebSocket clients.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"relay-transcript-monitor/internal/events"
	"relay-transcript-monitor/internal/feed"
	"relay-transcript-monitor/internal/observability/logging"
	"relay-transcript-monitor/internal/schema"
)

var errUnknownEventType = errors.New("unknown event type")

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// decode parses a published message and validates segment payloads.
func decode(v *schema.Validator, value []byte) (any, error) {
	var envelope struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(value, &envelope); err != nil {
		return nil, err
	}

	switch envelope.EventType {
	case events.EventTypeSegment:
		var ev events.SegmentEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return nil, err
		}
		if err := v.Validate(ev.Segment); err != nil {
			return nil, err
		}
		return ev, nil
	case events.EventTypeActivity:
		var ev events.ActivityEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEventType, envelope.EventType)
	}
}

func consumeKafka(ctx context.Context, hub *feed.Hub, brokers []string, topic string) {
	logger := logging.WithComponent("segmentviewer").With().Str("topic", topic).Logger()
	v := schema.New()

	// Use partition reader without consumer group (works better through port-forward)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-1*time.Hour)); err != nil {
		logger.Warn().Err(err).Msg("failed to seek to last hour, reading from start")
	}

	logger.Info().Msg("Consuming from Kafka topic partition 0 (last hour)")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Kafka read error")
			time.Sleep(time.Second)
			continue
		}

		ev, err := decode(v, msg.Value)
		if err != nil {
			logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("dropping message")
			continue
		}

		if seg, ok := ev.(events.SegmentEvent); ok {
			logger.Debug().
				Str("speaker", seg.Segment.Speaker).
				Str("text", truncate(seg.Segment.Text, 40)).
				Msg("Received segment")
		}
		hub.Broadcast(ev)
	}
}

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicSegments := flag.String("topic-segments", "relay.transcript.segment", "Segment topic")
	topicActivity := flag.String("topic-activity", "relay.recording.activity", "Activity topic")
	logFormat := flag.String("log-format", "console", "Log format (json, console)")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Format = *logFormat
	logging.Init(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := feed.NewHub()
	go hub.Run(ctx)

	brokerList := strings.Split(*brokers, ",")
	go consumeKafka(ctx, hub, brokerList, *topicSegments)
	go consumeKafka(ctx, hub, brokerList, *topicActivity)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)

	srv := &http.Server{Addr: ":" + *port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("port", *port).
		Strs("brokers", brokerList).
		Str("topicSegments", *topicSegments).
		Str("topicActivity", *topicActivity).
		Msg("Segment viewer starting, connect to /ws")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}
