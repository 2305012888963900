// Package xerror defines the error taxonomy shared by every cell component
// (spec §7): a closed set of Kinds plus the Phase in which the failure
// occurred, so a caller can branch on errors.As without parsing strings.
package xerror

import "fmt"

// Kind is a closed taxonomy of failure categories. Ring and transport code
// never panics; every failure surfaces as one of these kinds.
type Kind int

const (
	// Transport covers a broken stream, peer closed, or EOF on a framed read.
	Transport Kind = iota
	// Protocol covers malformed frames, unknown channels, oversize payloads,
	// or an illegal upgrade attempt.
	Protocol
	// Resource covers a full ring after timeout, too many connections, or
	// exhausted file descriptors.
	Resource
	// Authorization covers an upgrade peer-uid mismatch or a supervisor
	// allow-list denial.
	Authorization
	// Timeout covers a deadline exceeded on a request, handshake, or
	// shutdown.
	Timeout
	// Corruption covers a ring generation mismatch or an invalid message
	// layout caught by the zero-copy validator.
	Corruption
	// Fatal covers an invariant violation (e.g. used > capacity); the
	// connection is aborted, the process is not.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Resource:
		return "resource"
	case Authorization:
		return "authorization"
	case Timeout:
		return "timeout"
	case Corruption:
		return "corruption"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Phase identifies which step of a request/connection lifecycle failed.
type Phase string

const (
	PhaseConnect   Phase = "connect"
	PhaseHandshake Phase = "handshake"
	PhaseSend      Phase = "send"
	PhaseRecv      Phase = "recv"
	PhaseDecode    Phase = "decode"
)

// Error is the single typed error shape returned to callers across the
// membrane/synapse/umbilical boundary.
type Error struct {
	Kind  Kind
	Phase Phase
	// Conn, when non-empty, identifies the connection for logging
	// correlation (e.g. "echo#<uuid>").
	Conn string
	// Channel is the channel id involved, if any; -1 when not applicable.
	Channel int
	Err     error
}

func (e *Error) Error() string {
	if e.Conn != "" {
		return fmt.Sprintf("%s error during %s on %s: %v", e.Kind, e.Phase, e.Conn, e.Err)
	}
	return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no connection/channel context.
func New(kind Kind, phase Phase, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Channel: -1, Err: err}
}

// WithConn attaches connection identity for logging.
func (e *Error) WithConn(conn string) *Error {
	e2 := *e
	e2.Conn = conn
	return &e2
}

// WithChannel attaches the channel id involved.
func (e *Error) WithChannel(channel byte) *Error {
	e2 := *e
	e2.Channel = int(channel)
	return &e2
}

// Is allows errors.Is(err, xerror.Kind) style matching against a sentinel
// built from New(kind, "", nil).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return 0, false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
