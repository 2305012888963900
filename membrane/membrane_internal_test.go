package membrane

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Leif-Rydenfalk/cell/internal/channel"
	"github.com/Leif-Rydenfalk/cell/internal/wire"
	"github.com/Leif-Rydenfalk/cell/internal/xerror"
)

type fakeConn struct{ sendErr error }

func (f *fakeConn) Send(context.Context, byte, []byte) error { return f.sendErr }
func (f *fakeConn) Recv(context.Context) (byte, channel.View, error) {
	return 0, nil, errors.New("fakeConn: Recv not implemented")
}
func (f *fakeConn) Close() error      { return nil }
func (f *fakeConn) Transport() string { return "fake" }

// TestSendTimedPreservesResourceKind covers spec §7/§8's requirement that a
// ring-full backpressure timeout surfaces to callers as Resource, not the
// generic Protocol-kind wrapping used for other transports' backpressure.
func TestSendTimedPreservesResourceKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inner := xerror.New(xerror.Resource, xerror.PhaseSend, errors.New("ring full"))
	conn := &fakeConn{sendErr: inner}

	err := sendTimed(ctx, conn, wire.ChannelApplication, []byte("x"))
	require.Error(t, err)
	kind, ok := xerror.KindOf(err)
	require.True(t, ok)
	require.Equal(t, xerror.Resource, kind)
}

// TestSendTimedWrapsGenericTimeoutAsProtocol confirms a transport that
// reports an untyped failure alongside a canceled context still gets the
// spec §5 generic backpressure-timeout treatment.
func TestSendTimedWrapsGenericTimeoutAsProtocol(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := &fakeConn{sendErr: errors.New("connection reset")}

	err := sendTimed(ctx, conn, wire.ChannelApplication, []byte("x"))
	require.Error(t, err)
	kind, ok := xerror.KindOf(err)
	require.True(t, ok)
	require.Equal(t, xerror.Protocol, kind)
}
