// Package membrane implements the server side of a cell's connection
// fabric (spec §2, §3): it binds the well-known listener for a cell name
// within an organism scope, accepts connections, and dispatches frames by
// channel — Ops handled locally, Consensus forwarded to a caller-supplied
// handler, Macro-coordination answered with a schema fingerprint, and
// Application handed to the cell's own request handler.
//
// The accept/dispatch loop shape (errgroup fan-out, functional options,
// Named/With logger scoping, graceful shutdown ordering) is grounded on the
// teacher's coordinator.Coordinator.Run and
// controlplane/internal/gateway/runner.go; the connection-bound semaphore is
// a plain buffered channel since no repo in the pack reaches for
// golang.org/x/sync/semaphore anywhere.
package membrane

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Leif-Rydenfalk/cell/internal/channel"
	"github.com/Leif-Rydenfalk/cell/internal/handshake"
	"github.com/Leif-Rydenfalk/cell/internal/procstat"
	"github.com/Leif-Rydenfalk/cell/internal/transport/socket"
	"github.com/Leif-Rydenfalk/cell/internal/wire"
	"github.com/Leif-Rydenfalk/cell/internal/xerror"
)

// ConsensusHandler answers a Consensus-channel request. A nil handler (or
// one that returns ErrNotSupported) causes Membrane to reply with the
// "not supported" response spec §3 describes.
type ConsensusHandler func(ctx context.Context, payload []byte) ([]byte, error)

// AppHandler answers an Application-channel request. The zero value (nil)
// makes Membrane echo the payload back, matching the literal socket-only
// echo scenario spec §8 describes as a baseline end-to-end test.
type AppHandler func(ctx context.Context, payload []byte) ([]byte, error)

// ErrNotSupported is returned by a ConsensusHandler that declines a request.
var ErrNotSupported = fmt.Errorf("membrane: consensus operation not supported")

// Config configures one Membrane instance.
type Config struct {
	Name           string
	SocketPath     string // pre-resolved organism- or global-scoped path
	MaxConnections int
	MaxFrame       int
	RingCapacity   uint64
	DisableSHM     bool
	SendTimeout    time.Duration // bounds backpressured Send calls; default 5s

	SchemaDescriptor []byte
	Consensus        ConsensusHandler
	App              AppHandler

	Log *zap.SugaredLogger
}

func (c *Config) setDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1024
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = wire.MaxFrameDefault
	}
	if c.RingCapacity == 0 {
		c.RingCapacity = 32 << 20
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.Log == nil {
		c.Log = zap.NewNop().Sugar()
	}
}

// Membrane is the running server for one cell.
type Membrane struct {
	cfg       Config
	listener  net.Listener
	sem       chan struct{}
	startTime time.Time

	requestsHandled atomic.Uint64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New binds the listener for cfg.SocketPath, refusing to start if another
// live cell already owns that exact (organism, name) endpoint (spec §2:
// "refuses duplicate exact names in scope").
func New(cfg Config) (*Membrane, error) {
	cfg.setDefaults()

	if isLive(cfg.SocketPath) {
		return nil, xerror.New(xerror.Protocol, xerror.PhaseConnect,
			fmt.Errorf("a cell named %q is already bound at %s", cfg.Name, cfg.SocketPath))
	}

	listener, err := socket.Listen(cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	return &Membrane{
		cfg:        cfg,
		listener:   listener,
		sem:        make(chan struct{}, cfg.MaxConnections),
		startTime:  time.Now(),
		shutdownCh: make(chan struct{}),
	}, nil
}

// isLive checks for a currently-accepting peer at path by attempting a
// short-lived dial; a refused or missing socket means the path is free
// (possibly stale) to bind.
func isLive(path string) bool {
	c, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

// Run accepts and serves connections until ctx is canceled or a client
// issues Ops::Shutdown.
func (m *Membrane) Run(ctx context.Context) error {
	log := m.cfg.Log.Named(m.cfg.Name)
	log.Infow("membrane listening", "path", m.cfg.SocketPath)
	defer log.Infow("membrane stopped", "path", m.cfg.SocketPath)

	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		select {
		case <-ctx.Done():
		case <-m.shutdownCh:
		}
		return m.listener.Close()
	})

	wg.Go(func() error {
		for {
			nc, err := m.listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				case <-m.shutdownCh:
					return nil
				default:
					return err
				}
			}

			id := fmt.Sprintf("%s#%s", m.cfg.Name, uuid.NewString())

			select {
			case m.sem <- struct{}{}:
			case <-ctx.Done():
				nc.Close()
				return nil
			}

			wg.Go(func() error {
				defer func() { <-m.sem }()
				// Close the connection on cancellation or Ops::Shutdown so a
				// serve loop blocked in Recv returns and Run can finish.
				done := make(chan struct{})
				defer close(done)
				go func() {
					select {
					case <-done:
					case <-ctx.Done():
						nc.Close()
					case <-m.shutdownCh:
						nc.Close()
					}
				}()
				if err := m.serve(ctx, id, nc); err != nil {
					log.Debugw("connection closed", "conn", id, "err", err)
				}
				return nil
			})
		}
	})

	err := wg.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Shutdown stops Run gracefully; safe to call more than once or
// concurrently with Run.
func (m *Membrane) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
}

func (m *Membrane) serve(ctx context.Context, id string, nc net.Conn) error {
	sc := socket.New(nc, m.cfg.MaxFrame)
	var active channel.Conn = sc
	upgraded := false
	defer active.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ch, view, err := active.Recv(ctx)
		if err != nil {
			return err
		}

		if !upgraded && !m.cfg.DisableSHM && wire.Channel(ch) == wire.ChannelApplication &&
			string(view.Bytes()) == wire.UpgradeMagic {
			view.Release()
			result, err := handshake.Accept(ctx, sc, m.cfg.RingCapacity)
			if err == nil && result.OK {
				active = result.Conn
				upgraded = true
			}
			continue
		}

		payload := append([]byte(nil), view.Bytes()...)
		view.Release()

		if err := m.dispatch(ctx, id, active, wire.Channel(ch), payload); err != nil {
			return err
		}
		m.requestsHandled.Add(1)
	}
}

func (m *Membrane) dispatch(ctx context.Context, connID string, conn channel.Conn, ch wire.Channel, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	switch ch {
	case wire.ChannelOps:
		return m.handleOps(sendCtx, connID, conn, payload)
	case wire.ChannelConsensus:
		return m.handleConsensus(sendCtx, conn, payload)
	case wire.ChannelMacro:
		return m.handleMacro(sendCtx, conn)
	case wire.ChannelApplication:
		return m.handleApp(sendCtx, conn, payload)
	default:
		return xerror.New(xerror.Protocol, xerror.PhaseDecode, fmt.Errorf("unhandled channel 0x%02x", ch)).WithConn(connID)
	}
}

func (m *Membrane) handleOps(ctx context.Context, connID string, conn channel.Conn, payload []byte) error {
	op, err := wire.DecodeOpsRequest(payload)
	if err != nil {
		return xerror.New(xerror.Protocol, xerror.PhaseDecode, err).WithConn(connID)
	}

	switch op {
	case wire.OpPing:
		resp := wire.EncodePingResponse(wire.PingResponse{UptimeMs: uint64(time.Since(m.startTime).Milliseconds())})
		return sendTimed(ctx, conn, wire.ChannelOps, resp)
	case wire.OpStatus:
		sample := procstat.Read()
		resp := wire.EncodeStatusResponse(wire.StatusResponse{
			Name:            m.cfg.Name,
			UptimeMs:        uint64(time.Since(m.startTime).Milliseconds()),
			RequestsHandled: m.requestsHandled.Load(),
			CPUMicros:       sample.CPUMicros,
			RSSBytes:        sample.RSSBytes,
		})
		return sendTimed(ctx, conn, wire.ChannelOps, resp)
	case wire.OpShutdown:
		if err := sendTimed(ctx, conn, wire.ChannelOps, []byte{wire.AckByte}); err != nil {
			return err
		}
		m.Shutdown()
		return nil
	default:
		return xerror.New(xerror.Protocol, xerror.PhaseDecode, fmt.Errorf("unknown ops op %d", op)).WithConn(connID)
	}
}

func (m *Membrane) handleConsensus(ctx context.Context, conn channel.Conn, payload []byte) error {
	if m.cfg.Consensus == nil {
		return sendTimed(ctx, conn, wire.ChannelConsensus, []byte(ErrNotSupported.Error()))
	}
	resp, err := m.cfg.Consensus(ctx, payload)
	if err != nil {
		return sendTimed(ctx, conn, wire.ChannelConsensus, []byte(err.Error()))
	}
	return sendTimed(ctx, conn, wire.ChannelConsensus, resp)
}

func (m *Membrane) handleMacro(ctx context.Context, conn channel.Conn) error {
	reply := wire.SchemaReply{
		Descriptor:  m.cfg.SchemaDescriptor,
		Fingerprint: wire.Fingerprint(m.cfg.SchemaDescriptor),
	}
	return sendTimed(ctx, conn, wire.ChannelMacro, wire.EncodeSchemaReply(reply))
}

func (m *Membrane) handleApp(ctx context.Context, conn channel.Conn, payload []byte) error {
	if m.cfg.App == nil {
		return sendTimed(ctx, conn, wire.ChannelApplication, payload) // echo default
	}
	resp, err := m.cfg.App(ctx, payload)
	if err != nil {
		return xerror.New(xerror.Protocol, xerror.PhaseSend, err)
	}
	return sendTimed(ctx, conn, wire.ChannelApplication, resp)
}

// sendTimed wraps conn.Send, turning a context deadline exceeded (the
// backpressure timeout) into a Protocol-kind error per spec §5's
// "backpressure via ... bounded timeout -> protocol error". A transport that
// already classified the failure more specifically — notably the SHM ring
// reporting Resource when it stayed full for the whole timeout (spec §7/§8's
// Resource{ring_full_timeout}) — is passed through unchanged rather than
// flattened into the generic Protocol case.
func sendTimed(ctx context.Context, conn channel.Conn, ch wire.Channel, payload []byte) error {
	if err := conn.Send(ctx, byte(ch), payload); err != nil {
		if kind, ok := xerror.KindOf(err); ok && kind != xerror.Protocol {
			return err
		}
		if ctx.Err() != nil {
			return xerror.New(xerror.Protocol, xerror.PhaseSend, fmt.Errorf("send backpressure timeout: %w", ctx.Err()))
		}
		return err
	}
	return nil
}
