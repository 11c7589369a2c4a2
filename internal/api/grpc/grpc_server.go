package grpc

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// EngineService is the health service name reported for the matching loop.
const EngineService = "exchange.engine"

// HealthServer exposes the standard gRPC health protocol for the engine
// process. Both the overall status and EngineService track the matching loop.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	log    *zap.Logger
}

func NewHealthServer(log *zap.Logger) *HealthServer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &HealthServer{
		server: grpc.NewServer(),
		health: health.NewServer(),
		log:    log.Named("grpc"),
	}
	grpc_health_v1.RegisterHealthServer(s.server, s.health)
	s.SetServing(false)
	return s
}

func (s *HealthServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(EngineService, status)
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("grpc_listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.server.GracefulStop()
		return nil
	}
}

// Track marks the engine serving while run executes and not serving after it
// returns.
func (s *HealthServer) Track(ctx context.Context, run func(context.Context) error) error {
	s.SetServing(true)
	defer s.SetServing(false)
	return run(ctx)
}
