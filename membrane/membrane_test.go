package membrane_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Leif-Rydenfalk/cell/internal/wire"
	"github.com/Leif-Rydenfalk/cell/membrane"
	"github.com/Leif-Rydenfalk/cell/synapse"
)

// TestSocketOnlyEcho exercises the literal scenario spec §8 calls out as the
// baseline end-to-end test: a membrane with no App handler echoes whatever
// synapse sends it, entirely over the socket transport.
func TestSocketOnlyEcho(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "echo.sock")

	m, err := membrane.New(membrane.Config{
		Name:       "echo-cell",
		SocketPath: sockPath,
		DisableSHM: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, runCtx := errgroup.WithContext(ctx)
	wg.Go(func() error { return m.Run(runCtx) })
	defer func() {
		m.Shutdown()
		_ = wg.Wait()
	}()

	waitForSocket(t, sockPath)

	ep, err := synapse.Dial(ctx, sockPath, synapse.Options{DisableSHM: true})
	require.NoError(t, err)
	defer ep.Close()
	require.Equal(t, "socket", ep.Transport())

	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()

	reply, err := ep.Request(reqCtx, wire.ChannelApplication, []byte("hello cell"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello cell"), reply)
}

func TestOpsPingAndStatus(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "ops.sock")

	m, err := membrane.New(membrane.Config{
		Name:       "ops-cell",
		SocketPath: sockPath,
		DisableSHM: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, runCtx := errgroup.WithContext(ctx)
	wg.Go(func() error { return m.Run(runCtx) })
	defer func() {
		m.Shutdown()
		_ = wg.Wait()
	}()

	waitForSocket(t, sockPath)

	ep, err := synapse.Dial(ctx, sockPath, synapse.Options{DisableSHM: true})
	require.NoError(t, err)
	defer ep.Close()

	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()

	pong, err := ep.Ping(reqCtx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, pong.UptimeMs, uint64(0))

	status, err := ep.Status(reqCtx)
	require.NoError(t, err)
	require.Equal(t, "ops-cell", status.Name)
	require.Equal(t, uint64(1), status.RequestsHandled)
}

func TestOpsShutdownStopsMembrane(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "shutdown.sock")

	m, err := membrane.New(membrane.Config{
		Name:       "shutdown-cell",
		SocketPath: sockPath,
		DisableSHM: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, runCtx := errgroup.WithContext(ctx)
	wg.Go(func() error { return m.Run(runCtx) })

	waitForSocket(t, sockPath)

	ep, err := synapse.Dial(ctx, sockPath, synapse.Options{DisableSHM: true})
	require.NoError(t, err)
	defer ep.Close()

	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()
	require.NoError(t, ep.Shutdown(reqCtx))

	require.NoError(t, wg.Wait())
}

// TestSynapseReconnectsAfterTransportFailure covers spec §8 scenario 2:
// after the underlying connection dies mid-session, a subsequent Request
// within the retry budget must transparently redial and succeed rather than
// keep retrying the same dead conn.
func TestSynapseReconnectsAfterTransportFailure(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "reconnect.sock")

	m, err := membrane.New(membrane.Config{
		Name:       "reconnect-cell",
		SocketPath: sockPath,
		DisableSHM: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, runCtx := errgroup.WithContext(ctx)
	wg.Go(func() error { return m.Run(runCtx) })
	defer func() {
		m.Shutdown()
		_ = wg.Wait()
	}()

	waitForSocket(t, sockPath)

	ep, err := synapse.Dial(ctx, sockPath, synapse.Options{DisableSHM: true})
	require.NoError(t, err)
	defer ep.Close()

	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()
	reply, err := ep.Request(reqCtx, wire.ChannelApplication, []byte("first"))
	require.NoError(t, err)
	require.Equal(t, []byte("first"), reply)

	// Simulate the stream dying mid-session without tearing down the
	// Endpoint itself.
	require.NoError(t, ep.Close())

	reqCtx2, reqCancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel2()
	reply2, err := ep.Request(reqCtx2, wire.ChannelApplication, []byte("second"))
	require.NoError(t, err, "synapse should reconnect automatically within the retry budget")
	require.Equal(t, []byte("second"), reply2)
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}
