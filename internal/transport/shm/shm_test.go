package shm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Leif-Rydenfalk/cell/internal/ring"
	"github.com/Leif-Rydenfalk/cell/internal/wire"
	"github.com/Leif-Rydenfalk/cell/internal/xerror"
)

type noopWatchdog struct{}

func (noopWatchdog) Close() error { return nil }

// TestSendRecvAcrossRingPair builds two Conns sharing a crossed pair of
// in-process buffers (what the handshake package would otherwise hand over
// via mapped memfds) and confirms a frame sent on one side arrives on the
// other.
func TestSendRecvAcrossRingPair(t *testing.T) {
	const capacity = 4096
	size := int(BufferSizeFor(capacity))

	bufA := make([]byte, size) // client writes here, server reads here
	bufB := make([]byte, size) // server writes here, client reads here

	client, err := New(&MappedRegion{Bytes: bufA}, &MappedRegion{Bytes: bufB}, capacity, noopWatchdog{})
	require.NoError(t, err)
	server, err := New(&MappedRegion{Bytes: bufB}, &MappedRegion{Bytes: bufA}, capacity, noopWatchdog{})
	require.NoError(t, err)

	require.Equal(t, "shm", client.Transport())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, byte(wire.ChannelApplication), []byte("hello")))

	ch, view, err := server.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, byte(wire.ChannelApplication), ch)
	require.Equal(t, []byte("hello"), view.Bytes())
	view.Release()
}

func TestRecvTimesOutWhenEmpty(t *testing.T) {
	const capacity = 4096
	size := int(BufferSizeFor(capacity))
	buf := make([]byte, size)

	c, err := New(&MappedRegion{Bytes: buf}, &MappedRegion{Bytes: make([]byte, size)}, capacity, noopWatchdog{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err = c.Recv(ctx)
	require.Error(t, err)
}

// TestSendReturnsResourceKindWhenRingFull covers spec §7/§8 scenario 4: a
// ring that stays full for the entire backpressure timeout must surface to
// callers as Resource (ring_full_timeout), not a generic protocol timeout.
func TestSendReturnsResourceKindWhenRingFull(t *testing.T) {
	const capacity = 256
	size := int(BufferSizeFor(capacity))
	bufA := make([]byte, size)
	bufB := make([]byte, size)

	c, err := New(&MappedRegion{Bytes: bufA}, &MappedRegion{Bytes: bufB}, capacity, noopWatchdog{})
	require.NoError(t, err)

	for {
		slot, err := c.tx.TryAlloc(16)
		if err != nil {
			require.ErrorIs(t, err, ring.ErrFull)
			break
		}
		slot.Commit(16)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = c.Send(ctx, byte(wire.ChannelApplication), []byte("x"))
	require.Error(t, err)
	kind, ok := xerror.KindOf(err)
	require.True(t, ok)
	require.Equal(t, xerror.Resource, kind)
}

// TestSendAbortsOnInvalidChannel confirms an invalid channel id never gets
// published into the ring: Send reports a Protocol error and the aborted
// reservation is skipped by the reader rather than surfaced as a message.
func TestSendAbortsOnInvalidChannel(t *testing.T) {
	const capacity = 4096
	size := int(BufferSizeFor(capacity))
	bufA := make([]byte, size)
	bufB := make([]byte, size)

	c, err := New(&MappedRegion{Bytes: bufA}, &MappedRegion{Bytes: bufB}, capacity, noopWatchdog{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = c.Send(ctx, 0xFF, []byte("bogus"))
	require.Error(t, err)
	kind, ok := xerror.KindOf(err)
	require.True(t, ok)
	require.Equal(t, xerror.Protocol, kind)

	view, err := c.tx.TryRead()
	require.NoError(t, err)
	require.Nil(t, view, "aborted reservation must never surface as a readable message")
}
