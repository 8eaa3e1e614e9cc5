// Fake relay for local runs. Serves the transcript and heartbeat streams and
// simulates a recording: heartbeats arrive continuously and a new utterance
// is delivered every few seconds.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"relay-transcript-monitor/internal/observability/logging"
	"relay-transcript-monitor/internal/relay/fake"
)

func main() {
	port := flag.String("port", "8090", "HTTP server port")
	apiKey := flag.String("api-key", "", "API key required on requests (empty disables the check)")
	heartbeatEvery := flag.Duration("heartbeat-every", time.Second, "heartbeat delivery interval (0 disables)")
	utteranceEvery := flag.Duration("utterance-every", 4*time.Second, "utterance delivery interval (0 disables)")
	noLatest := flag.Bool("no-latest", false, "serve 404 on /request/latest")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Format = "console"
	logging.Init(logCfg)

	srv := fake.New(*apiKey)
	if *noLatest {
		srv.DisableLatest()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go every(ctx, *heartbeatEvery, func() { srv.AddHeartbeat() })
	go every(ctx, *utteranceEvery, func() {
		id := srv.NextUtterance()
		log.Info().Str("requestId", id).Msg("delivered utterance")
	})

	httpSrv := &http.Server{Addr: ":" + *port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("transcriptUrl", "http://localhost:"+*port+"/"+fake.TranscriptToken+"/requests").
		Str("heartbeatUrl", "http://localhost:"+*port+"/"+fake.HeartbeatToken+"/requests").
		Msg("Fake relay starting")

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}

func every(ctx context.Context, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
