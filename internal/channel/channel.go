// Package channel defines the transport-agnostic Conn abstraction spec §2
// calls out: send(channel_id, bytes) / recv() -> (channel_id, View). Both the
// framed-socket transport and the SHM ring-pair transport implement it, so
// membrane and synapse code never need to know which one backs a given
// connection after the upgrade handshake runs.
package channel

import "context"

// View is a received payload. For a socket-backed Conn it is a plain slice
// wrapper; for an SHM-backed Conn it holds a ring read view open until
// Release is called, giving zero-copy delivery all the way up to the
// handler (spec §2, §4.2).
type View interface {
	Bytes() []byte
	Release()
}

// Conn is the unified channel-multiplexed connection interface. Implementors
// must preserve strict FIFO ordering per (connection, channel id) (spec §5).
type Conn interface {
	// Send frames payload on the given channel. It does not take ownership
	// of payload; callers may reuse the slice once Send returns.
	Send(ctx context.Context, ch byte, payload []byte) error
	// Recv blocks until the next frame arrives, ctx is done, or the
	// connection closes. The returned View must be Released by the caller.
	Recv(ctx context.Context) (byte, View, error)
	// Close tears down the underlying transport. Safe to call more than
	// once.
	Close() error
	// Transport reports which concrete transport is currently active, for
	// logging/status ("socket" or "shm").
	Transport() string
}

// bytesView is the trivial View used by the socket transport: the payload
// already lives in a plain, independently-owned []byte, so Release is a
// no-op.
type bytesView struct{ b []byte }

func NewBytesView(b []byte) View { return bytesView{b} }

func (v bytesView) Bytes() []byte { return v.b }
func (v bytesView) Release()      {}
