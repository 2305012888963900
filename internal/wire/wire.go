// Package wire defines the framing and message encodings shared by both
// transports (spec §3, §6): channel identifiers, the socket's length-prefixed
// frame, the SHM slot payload layout, and the small fixed message sets
// carried on the ops and macro-coordination channels.
//
// Encoding favors manual, allocation-light binary packing (little-endian
// fixed-width fields) over a schema compiler, matching the zero-copy intent
// of spec §4.2/§9: there is no generated marshal/unmarshal step to run, and
// the layout is stable enough to read directly out of a ring slot without an
// intermediate decode pass for the fixed-size messages.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Channel identifies one of the four logical channels multiplexed over a
// connection (spec §3).
type Channel byte

const (
	ChannelApplication Channel = 0x00
	ChannelConsensus   Channel = 0x01
	ChannelOps         Channel = 0x02
	ChannelMacro       Channel = 0x03
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelApplication, ChannelConsensus, ChannelOps, ChannelMacro:
		return true
	default:
		return false
	}
}

func (c Channel) String() string {
	switch c {
	case ChannelApplication:
		return "application"
	case ChannelConsensus:
		return "consensus"
	case ChannelOps:
		return "ops"
	case ChannelMacro:
		return "macro"
	default:
		return fmt.Sprintf("channel(0x%02x)", byte(c))
	}
}

// MaxFrameDefault is the default/hard ceiling for a single socket frame
// (spec §6): 16 MiB.
const MaxFrameDefault = 16 << 20

// UpgradeMagic is the literal byte sequence that triggers the socket→SHM
// upgrade negotiation when sent as a single application-channel frame at
// session start (spec §4.5, §6).
const UpgradeMagic = "__SHM_UPGRADE__"

// Frame is the transport-agnostic unit of delivery: a channel id plus a
// payload. Socket framing prefixes this with a 4-byte little-endian length;
// SHM framing stores it directly as one ring slot's payload.
type Frame struct {
	Channel Channel
	Payload []byte
}

// EncodeSocketFrame serializes a frame the way the socket transport expects
// it on the wire: u32 LE total_len | channel_id | payload.
func EncodeSocketFrame(ch Channel, payload []byte) []byte {
	buf := make([]byte, 4+1+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(ch)
	copy(buf[5:], payload)
	return buf
}

// ---- Ops channel (spec §3, §6) ----

type OpsOp byte

const (
	OpPing OpsOp = iota
	OpStatus
	OpShutdown
)

// PingResponse mirrors Ops::Ping -> Pong{uptime_ms}.
type PingResponse struct {
	UptimeMs uint64
}

// StatusResponse mirrors Ops::Status -> StatusReply{...}.
type StatusResponse struct {
	Name            string
	UptimeMs        uint64
	RequestsHandled uint64
	CPUMicros       uint64
	RSSBytes        uint64
}

// EncodeOpsRequest encodes a zero-payload ops request (Ping/Status/Shutdown).
func EncodeOpsRequest(op OpsOp) []byte {
	return []byte{byte(op)}
}

// DecodeOpsRequest reads the op byte out of an ops-channel payload.
func DecodeOpsRequest(payload []byte) (OpsOp, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("ops request: empty payload")
	}
	return OpsOp(payload[0]), nil
}

// EncodePingResponse packs {uptime_ms: u64}.
func EncodePingResponse(r PingResponse) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, r.UptimeMs)
	return buf
}

func DecodePingResponse(b []byte) (PingResponse, error) {
	if len(b) < 8 {
		return PingResponse{}, fmt.Errorf("ping response: short payload")
	}
	return PingResponse{UptimeMs: binary.LittleEndian.Uint64(b)}, nil
}

// EncodeStatusResponse packs name-length-prefixed + four u64 counters.
func EncodeStatusResponse(r StatusResponse) []byte {
	name := []byte(r.Name)
	buf := make([]byte, 2+len(name)+8*4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(name)))
	off := 2
	copy(buf[off:], name)
	off += len(name)
	binary.LittleEndian.PutUint64(buf[off:], r.UptimeMs)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.RequestsHandled)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.CPUMicros)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.RSSBytes)
	return buf
}

func DecodeStatusResponse(b []byte) (StatusResponse, error) {
	if len(b) < 2 {
		return StatusResponse{}, fmt.Errorf("status response: short payload")
	}
	nameLen := int(binary.LittleEndian.Uint16(b[0:2]))
	off := 2
	if len(b) < off+nameLen+8*4 {
		return StatusResponse{}, fmt.Errorf("status response: truncated")
	}
	name := string(b[off : off+nameLen])
	off += nameLen
	uptime := binary.LittleEndian.Uint64(b[off:])
	off += 8
	reqs := binary.LittleEndian.Uint64(b[off:])
	off += 8
	cpu := binary.LittleEndian.Uint64(b[off:])
	off += 8
	rss := binary.LittleEndian.Uint64(b[off:])
	return StatusResponse{
		Name:            name,
		UptimeMs:        uptime,
		RequestsHandled: reqs,
		CPUMicros:       cpu,
		RSSBytes:        rss,
	}, nil
}

const AckByte = 0x01

// ---- Macro-coordination channel (build-time schema query, spec §3, §6, §9) ----

// SchemaReply carries the build-time producer's public schema descriptor and
// its fingerprint.
type SchemaReply struct {
	Descriptor  []byte
	Fingerprint uint64
}

// Fingerprint hashes a schema descriptor with a fast, well-distributed
// non-cryptographic hash (xxhash), matching the 64-bit fingerprint spec §6
// requires. This is a build-time comparison only, never a security boundary.
func Fingerprint(descriptor []byte) uint64 {
	return xxhash.Sum64(descriptor)
}

// VerifyFingerprint compares a remote SchemaReply's fingerprint against one
// computed locally from the consumer's own expected descriptor. A mismatch
// means the producer's schema drifted from what the consumer was built
// against — spec §9 calls this a build error, not a runtime one; callers
// typically invoke this from a `go generate`-style pre-build step, not from
// a running cell.
func VerifyFingerprint(reply SchemaReply, localDescriptor []byte) error {
	want := Fingerprint(localDescriptor)
	if reply.Fingerprint != want {
		return fmt.Errorf("schema fingerprint mismatch: remote=%x local=%x", reply.Fingerprint, want)
	}
	return nil
}

func EncodeSchemaReply(r SchemaReply) []byte {
	buf := make([]byte, 8+4+len(r.Descriptor))
	binary.LittleEndian.PutUint64(buf[0:8], r.Fingerprint)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Descriptor)))
	copy(buf[12:], r.Descriptor)
	return buf
}

func DecodeSchemaReply(b []byte) (SchemaReply, error) {
	if len(b) < 12 {
		return SchemaReply{}, fmt.Errorf("schema reply: short payload")
	}
	fp := binary.LittleEndian.Uint64(b[0:8])
	n := binary.LittleEndian.Uint32(b[8:12])
	if len(b) < 12+int(n) {
		return SchemaReply{}, fmt.Errorf("schema reply: truncated descriptor")
	}
	desc := make([]byte, n)
	copy(desc, b[12:12+n])
	return SchemaReply{Descriptor: desc, Fingerprint: fp}, nil
}
