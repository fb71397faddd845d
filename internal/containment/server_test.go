package containment

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ocx/fabric/internal/node"
	"github.com/ocx/fabric/pkg/containmentpb"
	"github.com/ocx/fabric/pkg/fileevent"
)

const testBufSize = 1024 * 1024

// TestServer_TriggerLockdown_RoundTrip dials an in-process server over
// bufconn and exercises a real TriggerLockdown call end to end, confirming
// the forced JSON codec actually carries LockdownRequest/LockdownResponse
// across the wire instead of failing at the codec layer.
func TestServer_TriggerLockdown_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctrl := node.NewController(node.NewNodeState("finance1"))
	srv := NewServer(NewEnforcer(dir, ctrl))

	lis := bufconn.Listen(testBufSize)
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(containmentpb.Codec))
	containmentpb.RegisterContainmentServer(grpcServer, srv)
	go func() { _ = grpcServer.Serve(lis) }()
	defer grpcServer.Stop()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(containmentpb.Codec)),
	)
	require.NoError(t, err)
	defer conn.Close()

	client := containmentpb.NewContainmentClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.TriggerLockdown(ctx, &fileevent.LockdownRequest{
		ThreatID:     "t-1",
		Reason:       "ransomware confirmed",
		TargetedNode: fileevent.TargetAll,
		TS:           time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, ctrl.State().Lockdown())
}

// TestServer_TriggerLockdown_EnforcementFailure covers the failure branch:
// a lockdown that can't be applied (root doesn't exist) still returns a
// clean RPC response with Success=false rather than an error.
func TestServer_TriggerLockdown_EnforcementFailure(t *testing.T) {
	ctrl := node.NewController(node.NewNodeState("finance1"))
	srv := NewServer(NewEnforcer("/nonexistent/path/for/test", ctrl))

	lis := bufconn.Listen(testBufSize)
	grpcServer := grpc.NewServer(grpc.ForceServerCodec(containmentpb.Codec))
	containmentpb.RegisterContainmentServer(grpcServer, srv)
	go func() { _ = grpcServer.Serve(lis) }()
	defer grpcServer.Stop()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(containmentpb.Codec)),
	)
	require.NoError(t, err)
	defer conn.Close()

	client := containmentpb.NewContainmentClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.TriggerLockdown(ctx, &fileevent.LockdownRequest{
		ThreatID:     "t-2",
		TargetedNode: fileevent.TargetAll,
		TS:           time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.StatusMessage)
}
