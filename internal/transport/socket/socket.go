// Package socket implements the length-prefixed framed socket transport
// (spec §3, §6): every connection starts here, and stays here for the
// lifetime of the session unless the handshake package negotiates an SHM
// upgrade. It also serves as the liveness watchdog for an upgraded
// connection (spec §4.5).
//
// Listener setup is grounded on the teacher's
// controlplane/internal/gateway/runner.go (listen): create the parent
// directory, remove a stale socket left behind by a prior crash, then
// net.Listen("unix", path).
package socket

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Leif-Rydenfalk/cell/internal/channel"
	"github.com/Leif-Rydenfalk/cell/internal/wire"
	"github.com/Leif-Rydenfalk/cell/internal/xerror"
)

// Listen binds a Unix listener at path, creating its parent directory and
// clearing a stale socket file first.
func Listen(path string) (net.Listener, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory %s: %w", dir, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return l, nil
}

// Dial connects to a Unix socket endpoint.
func Dial(ctx context.Context, path string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, xerror.New(xerror.Transport, xerror.PhaseConnect, err)
	}
	return New(c, wire.MaxFrameDefault), nil
}

// Conn is a framed socket connection implementing channel.Conn.
type Conn struct {
	nc       net.Conn
	maxFrame int

	writeMu sync.Mutex
}

// New wraps an established net.Conn (typically a Unix socket, possibly
// accepted by a Listener from this package) as a framed Conn.
func New(nc net.Conn, maxFrame int) *Conn {
	if maxFrame <= 0 || maxFrame > wire.MaxFrameDefault {
		maxFrame = wire.MaxFrameDefault
	}
	return &Conn{nc: nc, maxFrame: maxFrame}
}

func (c *Conn) Transport() string { return "socket" }

func (c *Conn) Send(ctx context.Context, ch byte, payload []byte) error {
	if len(payload)+1 > c.maxFrame {
		return xerror.New(xerror.Protocol, xerror.PhaseSend, fmt.Errorf("frame of %d bytes exceeds max frame %d", len(payload), c.maxFrame))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(deadline)
		defer c.nc.SetWriteDeadline(time.Time{})
	}

	frame := wire.EncodeSocketFrame(wire.Channel(ch), payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(frame); err != nil {
		return xerror.New(xerror.Transport, xerror.PhaseSend, err)
	}
	return nil
}

func (c *Conn) Recv(ctx context.Context) (byte, channel.View, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetReadDeadline(deadline)
		defer c.nc.SetReadDeadline(time.Time{})
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
		return 0, nil, xerror.New(xerror.Transport, xerror.PhaseRecv, err)
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total == 0 || int(total) > c.maxFrame {
		return 0, nil, xerror.New(xerror.Protocol, xerror.PhaseRecv, fmt.Errorf("frame length %d out of bounds", total))
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return 0, nil, xerror.New(xerror.Transport, xerror.PhaseRecv, err)
	}

	ch := body[0]
	if !wire.Channel(ch).Valid() {
		return 0, nil, xerror.New(xerror.Protocol, xerror.PhaseDecode, fmt.Errorf("unknown channel id 0x%02x", ch))
	}

	return ch, channel.NewBytesView(body[1:]), nil
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

// Underlying exposes the raw net.Conn, used by the handshake package to
// exchange out-of-band SCM_RIGHTS messages before/after the framed protocol
// takes over on the same socket.
func (c *Conn) Underlying() net.Conn { return c.nc }
