// Health check client for the relay monitor's gRPC health service. Exits
// non-zero unless the requested service reports SERVING.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "relay-transcript-monitor/internal/api/grpc"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC server address")
	service := flag.String("service", grpcapi.ServiceName, "health service name (empty for the whole process)")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: *service})
	if err != nil {
		log.Printf("health check failed: %v", err)
		os.Exit(2)
	}

	log.Printf("service=%q status=%s", *service, resp.GetStatus())
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}
