// Package containment implements the gRPC unary lockdown channel (§4.5):
// the Detection Engine calls TriggerLockdown synchronously against every
// known node so containment is confirmed before writes continue anywhere.
package containment

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	"github.com/ocx/fabric/pkg/containmentpb"
)

// Server implements containmentpb.ContainmentServer, enforcing against a
// single node's monitored directory. The bounded worker pool is a
// semaphore-backed unary interceptor rather than a gRPC-level option, since
// grpc-go has no native "max concurrent unary handlers" knob — grounded on
// internal/escrow/interceptor.go's EscrowInterceptor shape.
type Server struct {
	containmentpb.UnimplementedContainmentServer
	enforcer *Enforcer
	log      *slog.Logger
}

// NewServer returns a Server enforcing lockdown via enforcer.
func NewServer(enforcer *Enforcer) *Server {
	return &Server{enforcer: enforcer, log: slog.With("component", "containment.server")}
}

// TriggerLockdown hardens local storage and sets the lockdown flag.
// Idempotent: a second call while already locked down just re-confirms.
func (s *Server) TriggerLockdown(ctx context.Context, req *containmentpb.LockdownRequest) (*containmentpb.LockdownResponse, error) {
	s.log.Info("lockdown triggered", "threat_id", req.ThreatID, "reason", req.Reason, "targeted_node", req.TargetedNode)

	if err := s.enforcer.Lockdown(); err != nil {
		s.log.Error("lockdown enforcement failed", "threat_id", req.ThreatID, "error", err)
		return &containmentpb.LockdownResponse{
			Success:       false,
			StatusMessage: err.Error(),
		}, nil
	}

	return &containmentpb.LockdownResponse{
		Success:       true,
		StatusMessage: fmt.Sprintf("storage hardened for threat %s", req.ThreatID),
	}, nil
}

// WorkerPoolInterceptor bounds concurrent unary handler execution to size,
// satisfying §5's "containment RPC server with a bounded worker pool (>= 10)".
func WorkerPoolInterceptor(size int) grpc.UnaryServerInterceptor {
	if size <= 0 {
		size = 10
	}
	sem := make(chan struct{}, size)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-sem }()
		return handler(ctx, req)
	}
}

// Serve starts the gRPC server on addr (e.g. ":50051") and blocks until ctx
// is cancelled.
func Serve(ctx context.Context, addr string, srv *Server, workerPoolSize int) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(containmentpb.Codec),
		grpc.UnaryInterceptor(WorkerPoolInterceptor(workerPoolSize)),
	)
	containmentpb.RegisterContainmentServer(grpcServer, srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
