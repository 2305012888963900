package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelValidity(t *testing.T) {
	require.True(t, ChannelApplication.Valid())
	require.True(t, ChannelConsensus.Valid())
	require.True(t, ChannelOps.Valid())
	require.True(t, ChannelMacro.Valid())
	require.False(t, Channel(0x7f).Valid())
}

func TestEncodeSocketFrameLayout(t *testing.T) {
	payload := []byte("hello")
	frame := EncodeSocketFrame(ChannelApplication, payload)

	require.Len(t, frame, 4+1+len(payload))
	require.Equal(t, byte(ChannelApplication), frame[4])
	require.Equal(t, payload, frame[5:])
}

func TestOpsRequestRoundTrip(t *testing.T) {
	for _, op := range []OpsOp{OpPing, OpStatus, OpShutdown} {
		got, err := DecodeOpsRequest(EncodeOpsRequest(op))
		require.NoError(t, err)
		require.Equal(t, op, got)
	}
}

func TestPingResponseRoundTrip(t *testing.T) {
	want := PingResponse{UptimeMs: 123456}
	got, err := DecodePingResponse(EncodePingResponse(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStatusResponseRoundTrip(t *testing.T) {
	want := StatusResponse{
		Name:            "echo-cell",
		UptimeMs:        9000,
		RequestsHandled: 42,
		CPUMicros:       1000,
		RSSBytes:        2048,
	}
	got, err := DecodeStatusResponse(EncodeStatusResponse(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSchemaReplyRoundTripAndFingerprintVerification(t *testing.T) {
	descriptor := []byte(`{"fields":["a","b"]}`)
	reply := SchemaReply{Descriptor: descriptor, Fingerprint: Fingerprint(descriptor)}

	encoded := EncodeSchemaReply(reply)
	decoded, err := DecodeSchemaReply(encoded)
	require.NoError(t, err)
	require.Equal(t, reply, decoded)

	require.NoError(t, VerifyFingerprint(decoded, descriptor))
	require.Error(t, VerifyFingerprint(decoded, []byte("different")))
}
