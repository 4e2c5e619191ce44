// ABOUTME: gRPC health service reporting whether the conversation store is reachable
// ABOUTME: Lets load balancers and orchestrators health-check the gateway over gRPC

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ChatServiceName is the health-check service name for the turn pipeline.
const ChatServiceName = "rag_gateway.v1.Chat"

func newHealthServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus(ChatServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// watchStore flips the chat service to NOT_SERVING while the store is unreachable.
func (g *Gateway) watchStore(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok := g.checkStore(ctx)
		if ok == serving {
			continue
		}
		serving = ok
		if ok {
			g.logger.Info("store reachable again")
		}
	}
}

// checkStore pings the store once and publishes the result.
func (g *Gateway) checkStore(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.store.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return true
		}
		g.logger.Error("store ping failed", "error", err)
		g.health.SetServingStatus(ChatServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	g.health.SetServingStatus(ChatServiceName, healthpb.HealthCheckResponse_SERVING)
	return true
}
