package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kidoz/dotcelery/internal/broker/memorybroker"
	"github.com/kidoz/dotcelery/internal/message"
	"github.com/kidoz/dotcelery/internal/resultbackend/memresultbackend"
	"github.com/kidoz/dotcelery/internal/revocation"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	b := memorybroker.New(time.Minute)
	results := memresultbackend.New()
	revokes := revocation.NewMemStore()
	t.Cleanup(func() {
		b.Close()
		results.Close()
		revokes.Close()
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()

	srv := NewServer(b, results, revokes)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = srv.serveOn(ctx, lis) }()
	t.Cleanup(srv.Stop)

	return srv, addr
}

func TestClientDispatchReachesRemoteBroker(t *testing.T) {
	_, addr := startTestServer(t)

	client, err := NewClient(addr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	msg := message.NewTaskMessage("send_email", "default", []byte(`{}`), "application/json")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Dispatch(ctx, msg))
}

func TestClientGetResultReturnsNilWhenAbsent(t *testing.T) {
	_, addr := startTestServer(t)

	client, err := NewClient(addr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := client.GetResult(ctx, "nonexistent")
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestClientRevokeSucceeds(t *testing.T) {
	_, addr := startTestServer(t)

	client, err := NewClient(addr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Revoke(ctx, "some-task", true))
}
