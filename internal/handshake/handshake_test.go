package handshake

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Leif-Rydenfalk/cell/internal/transport/socket"
	"github.com/Leif-Rydenfalk/cell/internal/wire"
)

// TestUpgradeNegotiatesSHM exercises spec §4.5's upgrade handshake end to
// end over a real Unix socket pair: server Accept and client Offer must
// agree on a shared ring capacity and hand back working SHM connections on
// both sides.
func TestUpgradeNegotiatesSHM(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "upgrade.sock")

	l, err := socket.Listen(sockPath)
	require.NoError(t, err)
	defer l.Close()

	const capacity = 4096

	accepted := make(chan acceptResult, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			accepted <- acceptResult{err: err}
			return
		}
		sc := socket.New(nc, wire.MaxFrameDefault)

		// Drain the upgrade magic the client sends on the application
		// channel before negotiating, mirroring membrane.serve.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, view, err := sc.Recv(ctx)
		if err != nil {
			accepted <- acceptResult{err: err}
			return
		}
		view.Release()

		result, err := Accept(ctx, sc, capacity)
		accepted <- acceptResult{result: result, err: err}
	}()

	cc, err := socket.Dial(context.Background(), sockPath)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientResult, err := Offer(ctx, cc, capacity)
	require.NoError(t, err)

	serverOutcome := <-accepted
	require.NoError(t, serverOutcome.err)

	require.True(t, clientResult.OK)
	require.True(t, serverOutcome.result.OK)
	defer clientResult.Conn.Close()
	defer serverOutcome.result.Conn.Close()

	wg, gctx := errgroup.WithContext(context.Background())
	wg.Go(func() error {
		return clientResult.Conn.Send(gctx, byte(wire.ChannelApplication), []byte("over shm"))
	})

	ch, view, err := serverOutcome.result.Conn.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, byte(wire.ChannelApplication), ch)
	require.Equal(t, []byte("over shm"), view.Bytes())
	view.Release()
	require.NoError(t, wg.Wait())
}

type acceptResult struct {
	result Result
	err    error
}
