// Package umbilical implements the single per-machine supervisor (spec §4,
// "Mitotic Supervisor"): cells never hold spawn capability directly, they
// request sibling spawns by talking to this process over its well-known
// socket. Accepted requests go through sandboxed exec, track a child's
// mitotic lifecycle tokens on stdout, and gate spawn completion on seeing
// Cytokinesis.
package umbilical

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RequestKind identifies a binary-framed umbilical request (spec §6:
// "Umbilical protocol (binary, framed): Spawn{name}, Kill{name}, List").
type RequestKind byte

const (
	RequestSpawn RequestKind = iota + 1
	RequestKill
	RequestList
)

func (k RequestKind) String() string {
	switch k {
	case RequestSpawn:
		return "Spawn"
	case RequestKill:
		return "Kill"
	case RequestList:
		return "List"
	default:
		return fmt.Sprintf("RequestKind(%d)", byte(k))
	}
}

// ResponseKind identifies a binary-framed umbilical response (spec §6:
// "-> Ok{listener_path} | Denied | Error{message}").
type ResponseKind byte

const (
	ResponseOk ResponseKind = iota + 1
	ResponseDenied
	ResponseError
)

// SpawnRequest asks the supervisor to start a sibling cell. Name must match
// an entry in the allow-list; args are passed to the named program as-is.
type SpawnRequest struct {
	Name string
	Args []string
}

// ShutdownRequest asks the supervisor to terminate a previously spawned cell
// by name (spec §6's Kill{name}).
type ShutdownRequest struct {
	Name string
}

// ListRequest has no fields; it asks for the set of currently tracked
// children.
type ListRequest struct{}

// ChildStatus describes one tracked child for List responses.
type ChildStatus struct {
	Name  string
	PID   int
	Phase string // last observed lifecycle token
}

// Response is the decoded form of an Ok/Denied/Error reply. Denied and
// Error are kept as distinguishable variants (spec §6): Denied carries no
// message (the allow-list rejected the name outright), Error carries one
// (any other operational failure — duplicate name, Cytokinesis timeout,
// exec failure, ...).
type Response struct {
	Kind     ResponseKind
	Error    string
	Pid      int
	Sockets  []string
	Children []ChildStatus
}

// OK reports whether this response is the Ok variant.
func (r Response) OK() bool { return r.Kind == ResponseOk }

// maxFrameLen bounds a single umbilical message; control-plane traffic
// (names, arg lists, small status listings) never approaches this.
const maxFrameLen = 1 << 20

// writeFrame writes a u32-little-endian length prefix followed by payload,
// matching the framing internal/wire uses for the data-plane socket
// transport (spec §3's socket frame: "u32 LE len | ...").
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, maxLen int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if int(n) > maxLen {
		return nil, fmt.Errorf("umbilical: frame of %d bytes exceeds max %d", n, maxLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func putString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("umbilical: truncated string length")
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, fmt.Errorf("umbilical: truncated string body")
	}
	return string(b[:n]), b[n:], nil
}

// EncodeRequest serializes a Spawn/Kill/List request as a single message
// body: a kind byte followed by a kind-specific payload. Callers frame it
// with writeFrame before putting it on the wire.
func EncodeRequest(kind RequestKind, body any) []byte {
	payload := []byte{byte(kind)}
	switch kind {
	case RequestSpawn:
		req := body.(SpawnRequest)
		payload = putString(payload, req.Name)
		var countBuf [2]byte
		binary.LittleEndian.PutUint16(countBuf[:], uint16(len(req.Args)))
		payload = append(payload, countBuf[:]...)
		for _, a := range req.Args {
			payload = putString(payload, a)
		}
	case RequestKill:
		req := body.(ShutdownRequest)
		payload = putString(payload, req.Name)
	case RequestList:
		// no body
	}
	return payload
}

// DecodeRequest parses a request payload (post length-prefix) into its kind
// plus a kind-specific value (SpawnRequest, ShutdownRequest, or
// ListRequest).
func DecodeRequest(payload []byte) (RequestKind, any, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("umbilical: empty request")
	}
	kind := RequestKind(payload[0])
	rest := payload[1:]
	switch kind {
	case RequestSpawn:
		name, rest, err := getString(rest)
		if err != nil {
			return 0, nil, err
		}
		if len(rest) < 2 {
			return 0, nil, fmt.Errorf("umbilical: truncated arg count")
		}
		count := int(binary.LittleEndian.Uint16(rest))
		rest = rest[2:]
		args := make([]string, 0, count)
		for i := 0; i < count; i++ {
			var a string
			var err error
			a, rest, err = getString(rest)
			if err != nil {
				return 0, nil, err
			}
			args = append(args, a)
		}
		return kind, SpawnRequest{Name: name, Args: args}, nil
	case RequestKill:
		name, _, err := getString(rest)
		if err != nil {
			return 0, nil, err
		}
		return kind, ShutdownRequest{Name: name}, nil
	case RequestList:
		return kind, ListRequest{}, nil
	default:
		return 0, nil, fmt.Errorf("umbilical: unknown request kind %d", kind)
	}
}

// EncodeResponse serializes an Ok/Denied/Error reply.
func EncodeResponse(resp Response) []byte {
	payload := []byte{byte(resp.Kind)}
	switch resp.Kind {
	case ResponseOk:
		var pidBuf [4]byte
		binary.LittleEndian.PutUint32(pidBuf[:], uint32(resp.Pid))
		payload = append(payload, pidBuf[:]...)

		var sockCount [2]byte
		binary.LittleEndian.PutUint16(sockCount[:], uint16(len(resp.Sockets)))
		payload = append(payload, sockCount[:]...)
		for _, sock := range resp.Sockets {
			payload = putString(payload, sock)
		}

		var childCount [2]byte
		binary.LittleEndian.PutUint16(childCount[:], uint16(len(resp.Children)))
		payload = append(payload, childCount[:]...)
		for _, c := range resp.Children {
			payload = putString(payload, c.Name)
			var pidBuf2 [4]byte
			binary.LittleEndian.PutUint32(pidBuf2[:], uint32(c.PID))
			payload = append(payload, pidBuf2[:]...)
			payload = putString(payload, c.Phase)
		}
	case ResponseDenied:
		// no body: the allow-list rejected the name, nothing more to say
	case ResponseError:
		payload = putString(payload, resp.Error)
	}
	return payload
}

// DecodeResponse parses a response payload (post length-prefix).
func DecodeResponse(payload []byte) (Response, error) {
	if len(payload) < 1 {
		return Response{}, fmt.Errorf("umbilical: empty response")
	}
	kind := ResponseKind(payload[0])
	rest := payload[1:]
	switch kind {
	case ResponseOk:
		if len(rest) < 4 {
			return Response{}, fmt.Errorf("umbilical: truncated pid")
		}
		pid := int(binary.LittleEndian.Uint32(rest[:4]))
		rest = rest[4:]

		if len(rest) < 2 {
			return Response{}, fmt.Errorf("umbilical: truncated socket count")
		}
		sockCount := int(binary.LittleEndian.Uint16(rest))
		rest = rest[2:]
		sockets := make([]string, 0, sockCount)
		for i := 0; i < sockCount; i++ {
			var s string
			var err error
			s, rest, err = getString(rest)
			if err != nil {
				return Response{}, err
			}
			sockets = append(sockets, s)
		}

		if len(rest) < 2 {
			return Response{}, fmt.Errorf("umbilical: truncated child count")
		}
		childCount := int(binary.LittleEndian.Uint16(rest))
		rest = rest[2:]
		children := make([]ChildStatus, 0, childCount)
		for i := 0; i < childCount; i++ {
			name, r2, err := getString(rest)
			if err != nil {
				return Response{}, err
			}
			rest = r2
			if len(rest) < 4 {
				return Response{}, fmt.Errorf("umbilical: truncated child pid")
			}
			childPID := int(binary.LittleEndian.Uint32(rest[:4]))
			rest = rest[4:]
			phase, r3, err := getString(rest)
			if err != nil {
				return Response{}, err
			}
			rest = r3
			children = append(children, ChildStatus{Name: name, PID: childPID, Phase: phase})
		}
		return Response{Kind: kind, Pid: pid, Sockets: sockets, Children: children}, nil
	case ResponseDenied:
		return Response{Kind: kind}, nil
	case ResponseError:
		msg, _, err := getString(rest)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: kind, Error: msg}, nil
	default:
		return Response{}, fmt.Errorf("umbilical: unknown response kind %d", kind)
	}
}

// Lifecycle tokens a child emits on stdout, one per line, as it progresses
// through mitosis (spec §4). These remain plain text: they are the child's
// side-channel announcement over the inherited stdout pipe, not a message on
// the umbilical socket itself.
const (
	TokenProphase     = "Prophase"
	TokenPrometaphase = "Prometaphase" // followed by a socket path argument
	TokenMetaphase    = "Metaphase"
	TokenCytokinesis  = "Cytokinesis"
	TokenApoptosis    = "Apoptosis" // followed by a reason argument
)
