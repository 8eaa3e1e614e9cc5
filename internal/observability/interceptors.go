// Package observability provides gRPC interceptors for metrics and logging.
package observability

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"relay-transcript-monitor/internal/observability/metrics"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

// UnaryServerInterceptor returns a gRPC unary interceptor for metrics and logging.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observeCall(ctx, m, info.FullMethod, "unary", start, err)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor for metrics and
// logging. Health Watch streams are the only streams this service serves.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)
		observeCall(ss.Context(), m, info.FullMethod, "stream", start, err)
		return err
	}
}

func observeCall(ctx context.Context, m *metrics.Metrics, method, kind string, start time.Time, err error) {
	duration := time.Since(start)
	code := status.Code(err)
	m.RecordGRPCCall(method, code.String(), duration.Seconds())

	ev := callEvent(method, code)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ev = ev.Str("peer", p.Addr.String())
	}
	ev.Str("method", method).
		Str("kind", kind).
		Str("code", code.String()).
		Dur("duration", duration).
		Msg("gRPC call completed")
}

func callEvent(method string, code codes.Code) *zerolog.Event {
	switch levelOf(method, code) {
	case "warn":
		return log.Warn()
	case "trace":
		return log.Trace()
	default:
		return log.Debug()
	}
}

// levelOf picks the log level of a finished call. Health probes are frequent
// and logged at trace; failures other than client cancellation at warn.
func levelOf(method string, code codes.Code) string {
	switch {
	case code != codes.OK && code != codes.Canceled:
		return "warn"
	case strings.HasPrefix(method, healthServicePrefix):
		return "trace"
	default:
		return "debug"
	}
}
