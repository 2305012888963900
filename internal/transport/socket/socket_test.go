package socket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Leif-Rydenfalk/cell/internal/wire"
)

func TestSendRecvRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := New(server, wire.MaxFrameDefault)
	cc := New(client, wire.MaxFrameDefault)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- cc.Send(ctx, byte(wire.ChannelApplication), []byte("ping"))
	}()

	ch, view, err := sc.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, byte(wire.ChannelApplication), ch)
	require.Equal(t, []byte("ping"), view.Bytes())
	view.Release()
	require.NoError(t, <-done)
}

func TestSendRejectsOversizeFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cc := New(client, 16)
	err := cc.Send(context.Background(), byte(wire.ChannelApplication), make([]byte, 100))
	require.Error(t, err)
}

func TestRecvRejectsUnknownChannel(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := New(server, wire.MaxFrameDefault)
	cc := New(client, wire.MaxFrameDefault)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		frame := wire.EncodeSocketFrame(wire.Channel(0x7f), []byte("x"))
		_, _ = client.Write(frame)
	}()
	_ = cc

	_, _, err := sc.Recv(ctx)
	require.Error(t, err)
}
