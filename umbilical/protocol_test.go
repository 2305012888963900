package umbilical

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSpawnRequestRoundTrip(t *testing.T) {
	req := SpawnRequest{Name: "worker", Args: []string{"--x", "--y"}}
	raw := EncodeRequest(RequestSpawn, req)

	kind, body, err := DecodeRequest(raw)
	require.NoError(t, err)
	require.Equal(t, RequestSpawn, kind)
	require.Equal(t, req, body.(SpawnRequest))
}

func TestEncodeDecodeKillRequestRoundTrip(t *testing.T) {
	req := ShutdownRequest{Name: "worker"}
	raw := EncodeRequest(RequestKill, req)

	kind, body, err := DecodeRequest(raw)
	require.NoError(t, err)
	require.Equal(t, RequestKill, kind)
	require.Equal(t, req, body.(ShutdownRequest))
}

func TestEncodeDecodeListRequestRoundTrip(t *testing.T) {
	raw := EncodeRequest(RequestList, ListRequest{})

	kind, body, err := DecodeRequest(raw)
	require.NoError(t, err)
	require.Equal(t, RequestList, kind)
	require.Equal(t, ListRequest{}, body.(ListRequest))
}

func TestEncodeDecodeResponseVariants(t *testing.T) {
	ok := Response{Kind: ResponseOk, Pid: 42, Sockets: []string{"/tmp/a.sock"}}
	decodedOK, err := DecodeResponse(EncodeResponse(ok))
	require.NoError(t, err)
	require.True(t, decodedOK.OK())
	require.Equal(t, 42, decodedOK.Pid)
	require.Equal(t, []string{"/tmp/a.sock"}, decodedOK.Sockets)

	denied := Response{Kind: ResponseDenied}
	decodedDenied, err := DecodeResponse(EncodeResponse(denied))
	require.NoError(t, err)
	require.False(t, decodedDenied.OK())
	require.Equal(t, ResponseDenied, decodedDenied.Kind)
	require.Empty(t, decodedDenied.Error, "Denied carries no message, unlike Error")

	failed := Response{Kind: ResponseError, Error: "boom"}
	decodedErr, err := DecodeResponse(EncodeResponse(failed))
	require.NoError(t, err)
	require.False(t, decodedErr.OK())
	require.Equal(t, ResponseError, decodedErr.Kind)
	require.Equal(t, "boom", decodedErr.Error)
}

func TestEncodeDecodeResponseWithChildren(t *testing.T) {
	resp := Response{
		Kind: ResponseOk,
		Children: []ChildStatus{
			{Name: "worker", PID: 123, Phase: TokenCytokinesis},
			{Name: "idle", PID: 0, Phase: TokenProphase},
		},
	}
	decoded, err := DecodeResponse(EncodeResponse(resp))
	require.NoError(t, err)
	require.Equal(t, resp.Children, decoded.Children)
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := EncodeRequest(RequestSpawn, SpawnRequest{Name: "worker"})
	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(&buf, maxFrameLen)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
