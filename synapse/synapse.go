// Package synapse implements the client side of a cell's connection fabric
// (spec §2, §3): cell-name resolution (organism scope first, then global),
// an upgrade attempt remembered per endpoint, typed request/response calls,
// retry with exponential backoff and jitter, and a per-endpoint circuit
// breaker.
//
// Retry/backoff is grounded on the teacher's go.mod dependency
// github.com/cenkalti/backoff/v5 (not directly exercised by the teacher's
// own code, but declared for exactly this purpose); the circuit breaker is
// grounded on github.com/sony/gobreaker, sourced from the wider pack
// (grafana-tempo's go.mod) per SPEC_FULL.md's domain-stack table.
package synapse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Leif-Rydenfalk/cell/internal/channel"
	"github.com/Leif-Rydenfalk/cell/internal/config"
	"github.com/Leif-Rydenfalk/cell/internal/handshake"
	"github.com/Leif-Rydenfalk/cell/internal/transport/socket"
	"github.com/Leif-Rydenfalk/cell/internal/wire"
	"github.com/Leif-Rydenfalk/cell/internal/xerror"
)

// ErrNotFound is returned by Resolve when no live endpoint exists for a cell
// name in either scope.
var ErrNotFound = errors.New("synapse: cell not found in organism or global scope")

// Resolve finds the live socket path for cellName, trying the organism
// scope first and falling back to the global scope (spec §2).
func Resolve(cfg config.Config, cellName string) (string, error) {
	for _, path := range []string{cfg.OrganismSocketPath(cellName), cfg.GlobalSocketPath(cellName)} {
		if isLive(path) {
			return path, nil
		}
	}
	return "", ErrNotFound
}

func isLive(path string) bool {
	c, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

// Options configures an Endpoint.
type Options struct {
	RetryMax     int
	DisableSHM   bool
	RingCapacity uint64
	MaxFrame     int
	Log          *zap.SugaredLogger
}

func (o *Options) setDefaults() {
	if o.RetryMax <= 0 {
		o.RetryMax = 5
	}
	if o.RetryMax > 100 {
		o.RetryMax = 100
	}
	if o.RingCapacity == 0 {
		o.RingCapacity = 32 << 20
	}
	if o.MaxFrame <= 0 {
		o.MaxFrame = wire.MaxFrameDefault
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
}

// Endpoint is a long-lived client connection to one cell, with its own
// circuit breaker state (spec §2's "per-endpoint circuit breaker": Closed ->
// Open on consecutive failures, Open -> Half-Open after cooldown, Half-Open
// -> Closed/Open on probe result — exactly gobreaker's default state
// machine).
type Endpoint struct {
	path string
	opts Options

	mu       sync.Mutex
	conn     channel.Conn
	upgraded bool

	breaker *gobreaker.CircuitBreaker
}

// Dial opens a connection to path, attempting the SHM upgrade once before
// the first request (spec §2: "performs upgrade attempt on first request,
// remembers outcome").
func Dial(ctx context.Context, path string, opts Options) (*Endpoint, error) {
	opts.setDefaults()

	sc, err := socket.Dial(ctx, path)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{path: path, opts: opts, conn: sc}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        path,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	if !opts.DisableSHM {
		result, err := handshake.Offer(ctx, sc, opts.RingCapacity)
		if err == nil && result.OK {
			e.conn = result.Conn
			e.upgraded = true
		}
	}

	return e, nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Close()
}

// Transport reports "socket" or "shm", useful for Status/logging.
func (e *Endpoint) Transport() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Transport()
}

// Request sends payload on ch and waits for the single reply frame on the
// same channel, retrying transient failures with exponential backoff and
// jitter and short-circuiting through the endpoint's breaker (spec §2).
func (e *Endpoint) Request(ctx context.Context, ch wire.Channel, payload []byte) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.MaxInterval = 2 * time.Second

	result, err := backoff.Retry(ctx, func() ([]byte, error) {
		v, err := e.breaker.Execute(func() (interface{}, error) {
			return e.requestOnce(ctx, ch, payload)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(err)
			}
			if kind, ok := xerror.KindOf(err); ok {
				switch kind {
				case xerror.Protocol, xerror.Authorization, xerror.Corruption, xerror.Fatal:
					return nil, backoff.Permanent(err)
				case xerror.Transport:
					// The stream died mid-session; spec §8 scenario 2
					// requires the endpoint to reconnect automatically
					// within the remaining retry budget instead of
					// retrying the same dead conn.
					if rerr := e.reconnect(ctx); rerr != nil {
						e.opts.Log.Warnw("synapse: reconnect failed", "path", e.path, "error", rerr)
					}
				}
			}
			return nil, err
		}
		return v.([]byte), nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(e.opts.RetryMax)))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// reconnect re-dials the endpoint's socket path and, unless SHM is disabled,
// re-attempts the upgrade, swapping in the new conn for subsequent retries
// (spec §8 scenario 2: "Synapse reconnects automatically (still within retry
// budget)"). A failed re-dial is reported but not fatal to the caller: the
// surrounding retry loop will simply try again against the still-dead conn
// and eventually exhaust RetryMax, same as today.
func (e *Endpoint) reconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_ = e.conn.Close()

	sc, err := socket.Dial(ctx, e.path)
	if err != nil {
		return err
	}

	e.conn = sc
	e.upgraded = false

	if !e.opts.DisableSHM {
		result, err := handshake.Offer(ctx, sc, e.opts.RingCapacity)
		if err == nil && result.OK {
			e.conn = result.Conn
			e.upgraded = true
		}
	}
	return nil
}

func (e *Endpoint) requestOnce(ctx context.Context, ch wire.Channel, payload []byte) ([]byte, error) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if err := conn.Send(ctx, byte(ch), payload); err != nil {
		return nil, err
	}
	gotCh, view, err := conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	defer view.Release()
	if wire.Channel(gotCh) != ch {
		return nil, xerror.New(xerror.Protocol, xerror.PhaseRecv, fmt.Errorf("expected reply on channel %s, got %s", ch, wire.Channel(gotCh)))
	}
	return append([]byte(nil), view.Bytes()...), nil
}

// Ping issues Ops::Ping and decodes the reply.
func (e *Endpoint) Ping(ctx context.Context) (wire.PingResponse, error) {
	resp, err := e.Request(ctx, wire.ChannelOps, wire.EncodeOpsRequest(wire.OpPing))
	if err != nil {
		return wire.PingResponse{}, err
	}
	return wire.DecodePingResponse(resp)
}

// Status issues Ops::Status and decodes the reply.
func (e *Endpoint) Status(ctx context.Context) (wire.StatusResponse, error) {
	resp, err := e.Request(ctx, wire.ChannelOps, wire.EncodeOpsRequest(wire.OpStatus))
	if err != nil {
		return wire.StatusResponse{}, err
	}
	return wire.DecodeStatusResponse(resp)
}

// Shutdown issues Ops::Shutdown, waiting for the ack byte.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	resp, err := e.Request(ctx, wire.ChannelOps, wire.EncodeOpsRequest(wire.OpShutdown))
	if err != nil {
		return err
	}
	if len(resp) != 1 || resp[0] != wire.AckByte {
		return xerror.New(xerror.Protocol, xerror.PhaseDecode, fmt.Errorf("shutdown: unexpected ack %v", resp))
	}
	return nil
}

// SchemaReply issues a Macro-coordination request and decodes the reply.
func (e *Endpoint) SchemaReply(ctx context.Context) (wire.SchemaReply, error) {
	resp, err := e.Request(ctx, wire.ChannelMacro, nil)
	if err != nil {
		return wire.SchemaReply{}, err
	}
	return wire.DecodeSchemaReply(resp)
}
