package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/Jmolenaartje/Factobox/pkg/types"
)

func startGRPC(t *testing.T) (*fakeCoordinator, *ControlClient) {
	t.Helper()
	coord := newFakeCoordinator()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterControlServer(srv, NewControlService(coord, 8))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return coord, NewControlClient(conn)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGRPCStartStopStatus(t *testing.T) {
	coord, client := startGRPC(t)
	ctx := testContext(t)

	state, err := client.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Running, state)
	assert.Equal(t, types.Running, coord.Status().RunState)

	snap, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Running, snap.RunState)
	assert.Equal(t, types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}, snap.Inventory)

	state, err = client.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Stopped, state)
}

func TestGRPCSubmitAndCancel(t *testing.T) {
	coord, client := startGRPC(t)
	ctx := testContext(t)

	build, err := client.Submit(ctx, []string{"Blue", "Blue", "Red"})
	require.NoError(t, err)
	assert.Equal(t, types.BuildID(1), build.ID)
	assert.Equal(t, []types.ResourceType{types.Blue, types.Blue, types.Red}, build.Resources)
	assert.Equal(t, types.StatusQueued, build.Status)

	snap, err := client.Status(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Queue, 1)

	cancelled, err := client.Cancel(ctx, build.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, coord.queued())
}

func TestGRPCErrorCodes(t *testing.T) {
	coord, client := startGRPC(t)
	ctx := testContext(t)

	_, err := client.Submit(ctx, []string{"Red"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Cancel(ctx, 42)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Submit(ctx, []string{"Red", "Green", "Blue"})
	require.NoError(t, err)
	coord.inflight = 1
	_, err = client.Cancel(ctx, 1)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPCWatchStreamsChanges(t *testing.T) {
	coord, client := startGRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(chan types.Snapshot, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- client.Watch(ctx, func(s types.Snapshot) error {
			seen <- s
			return nil
		})
	}()

	first := <-seen
	assert.Equal(t, types.Stopped, first.RunState)

	_, err := coord.SubmitNames([]string{"Red", "Red", "Red"})
	require.NoError(t, err)

	select {
	case snap := <-seen:
		require.Len(t, snap.Queue, 1)
		assert.Equal(t, []types.ResourceType{types.Red, types.Red, types.Red}, snap.Queue[0].Resources)
		assert.Greater(t, snap.Version, first.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not deliver the change")
	}

	require.Eventually(t, func() bool { return coord.Count() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-errc
	require.Eventually(t, func() bool { return coord.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGRPCWatchStopsOnCallbackError(t *testing.T) {
	_, client := startGRPC(t)
	stop := errors.New("enough")

	err := client.Watch(testContext(t), func(types.Snapshot) error { return stop })
	assert.ErrorIs(t, err, stop)
}
