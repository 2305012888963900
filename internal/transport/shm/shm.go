// Package shm implements the shared-memory ring-pair transport a connection
// upgrades to after the handshake package negotiates it (spec §3, §4.1,
// §4.5). Each direction gets its own SPSC ring (internal/ring); payload
// bytes are the channel id followed by the raw frame contents, with no
// additional length prefix since the ring's own slot header already carries
// length (spec §3: "SHM transport: one ring slot = one message").
//
// The anonymous, sealed memory-backed regions themselves are created by the
// handshake package (which also owns the SCM_RIGHTS fd exchange); this
// package only wraps already-mapped buffers as a channel.Conn. mmap
// lifecycle mirrors the teacher pack's raw shared-memory samples
// (other_examples' go-shared_memory.go: Open/Ftruncate/Mmap/Munmap), adapted
// here to anonymous memfds instead of /dev/shm paths.
package shm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Leif-Rydenfalk/cell/internal/channel"
	"github.com/Leif-Rydenfalk/cell/internal/ring"
	"github.com/Leif-Rydenfalk/cell/internal/wire"
	"github.com/Leif-Rydenfalk/cell/internal/xerror"
)

// MappedRegion is an mmap'd anonymous, sealed memory region backing one
// ring. Close unmaps it; the underlying fd is owned by the handshake
// package, which closes it once it has been mapped locally or passed to the
// peer.
type MappedRegion struct {
	Bytes []byte
}

// BufferSizeFor returns the total region size (control block + data) a ring
// of the given capacity needs — the size the handshake package should
// ftruncate/mmap before handing regions to New.
func BufferSizeFor(capacity uint64) uint64 { return ring.BufferSize(capacity) }

// MapRegion mmaps size bytes of fd as a shared read/write region.
func MapRegion(fd int, size int) (*MappedRegion, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, xerror.New(xerror.Resource, xerror.PhaseHandshake, fmt.Errorf("mmap: %w", err))
	}
	return &MappedRegion{Bytes: data}, nil
}

func (m *MappedRegion) Close() error {
	if m.Bytes == nil {
		return nil
	}
	err := unix.Munmap(m.Bytes)
	m.Bytes = nil
	return err
}

// pollInterval is the fixed pause between TryRead/TryAlloc attempts while
// Recv/Send wait; they give up only when their ctx is done. Spec §4.1 ring
// operations never block, so the Conn layer on top supplies the wait loop.
const pollInterval = 50 * time.Microsecond

// Conn pairs a transmit ring and a receive ring into a bidirectional
// connection. tx is this side's write ring, rx is this side's read ring: the
// peer's tx is our rx and vice versa.
type Conn struct {
	tx, rx   *ring.Ring
	txRegion *MappedRegion
	rxRegion *MappedRegion
	watchdog *watchdogConn
}

// watchdogConn is the minimal subset of the socket Conn used purely to
// detect peer liveness (spec §4.5: "socket kept alive as liveness
// watchdog").
type watchdogConn interface {
	Close() error
}

// New wraps already-mapped tx/rx regions as an SHM Conn, keeping the
// original socket connection alive as the liveness watchdog.
func New(txRegion, rxRegion *MappedRegion, capacity uint64, watchdog watchdogConn) (*Conn, error) {
	tx, err := ring.New(txRegion.Bytes, capacity)
	if err != nil {
		return nil, err
	}
	rx, err := ring.New(rxRegion.Bytes, capacity)
	if err != nil {
		return nil, err
	}
	return &Conn{tx: tx, rx: rx, txRegion: txRegion, rxRegion: rxRegion, watchdog: watchdog}, nil
}

func (c *Conn) Transport() string { return "shm" }

func (c *Conn) Send(ctx context.Context, ch byte, payload []byte) error {
	size := 1 + len(payload)
	for {
		slot, err := c.tx.TryAlloc(size)
		if err == nil {
			if !wire.Channel(ch).Valid() {
				// Reservation made, but there is nothing valid to publish
				// into it: abort rather than commit garbage the peer would
				// only reject after consuming ring space for it.
				slot.Abort()
				return xerror.New(xerror.Protocol, xerror.PhaseSend, fmt.Errorf("unknown channel id 0x%02x", ch))
			}
			buf := slot.Payload()
			buf[0] = ch
			n := copy(buf[1:], payload)
			slot.Commit(1 + n)
			return nil
		}
		if err != ring.ErrFull {
			return xerror.New(xerror.Protocol, xerror.PhaseSend, err)
		}
		select {
		case <-ctx.Done():
			// The ring has stayed full for the entire backpressure budget:
			// spec §7/§8 classify this as resource exhaustion, not a
			// generic protocol timeout.
			return xerror.New(xerror.Resource, xerror.PhaseSend, fmt.Errorf("ring full: %w", ctx.Err()))
		case <-time.After(pollInterval):
		}
	}
}

func (c *Conn) Recv(ctx context.Context) (byte, channel.View, error) {
	for {
		view, err := c.rx.TryRead()
		if err != nil {
			return 0, nil, err
		}
		if view != nil {
			b := view.Payload()
			if len(b) < 1 {
				view.Release()
				return 0, nil, xerror.New(xerror.Corruption, xerror.PhaseDecode, fmt.Errorf("shm frame missing channel id"))
			}
			ch := b[0]
			if !wire.Channel(ch).Valid() {
				view.Release()
				return 0, nil, xerror.New(xerror.Protocol, xerror.PhaseDecode, fmt.Errorf("unknown channel id 0x%02x", ch))
			}
			return ch, &ringView{view: view, payload: b[1:]}, nil
		}
		select {
		case <-ctx.Done():
			return 0, nil, xerror.New(xerror.Timeout, xerror.PhaseRecv, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (c *Conn) Close() error {
	var firstErr error
	if c.watchdog != nil {
		firstErr = c.watchdog.Close()
	}
	if err := c.txRegion.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.rxRegion.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ringView adapts a ring.ReadView (minus its leading channel-id byte) to the
// channel.View interface, preserving zero-copy delivery up to the handler.
type ringView struct {
	view    *ring.ReadView
	payload []byte
}

func (v *ringView) Bytes() []byte { return v.payload }
func (v *ringView) Release()      { v.view.Release() }
