package umbilical

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSpawnDeniesUnknownName covers spec §4's "unknown names denied" edge
// case without needing to start any process.
func TestSpawnDeniesUnknownName(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	resp := sup.handleSpawn(context.Background(), SpawnRequest{Name: "ghost"})
	require.False(t, resp.OK())
	require.Equal(t, ResponseDenied, resp.Kind)
	require.Empty(t, resp.Error)
}

// TestSpawnReachesCytokinesis starts a real /bin/sh child that emits the
// mitotic lifecycle tokens on stdout and confirms the supervisor unblocks
// the Spawn call once Cytokinesis is observed, carrying the announced
// socket path through.
func TestSpawnReachesCytokinesis(t *testing.T) {
	script := `
echo Prophase
echo Prometaphase /tmp/fake-cell.sock
echo Metaphase
echo Cytokinesis
sleep 5
`
	entry := AllowListEntry{Name: "scripted", Path: "/bin/sh", Args: []string{"-c", script}}
	sup := newTestSupervisor(t, []AllowListEntry{entry})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := sup.handleSpawn(ctx, SpawnRequest{Name: "scripted"})
	require.True(t, resp.OK(), resp.Error)
	require.Equal(t, []string{"/tmp/fake-cell.sock"}, resp.Sockets)
	require.NotZero(t, resp.Pid)

	sup.mu.Lock()
	c, ok := sup.children["scripted"]
	sup.mu.Unlock()
	require.True(t, ok)
	require.NoError(t, c.cmd.Process.Kill())
}

// TestSpawnTimesOutWithoutCytokinesis covers a child that never announces
// Cytokinesis: the supervisor must kill it and report failure rather than
// hang forever.
func TestSpawnTimesOutWithoutCytokinesis(t *testing.T) {
	entry := AllowListEntry{Name: "silent", Path: "/bin/sh", Args: []string{"-c", "sleep 5"}}
	sup := newTestSupervisor(t, []AllowListEntry{entry})
	sup.cfg.CytokinesisTimeout = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := sup.handleSpawn(ctx, SpawnRequest{Name: "silent"})
	require.False(t, resp.OK())
	require.Equal(t, ResponseError, resp.Kind)
	require.Contains(t, resp.Error, "Cytokinesis")
}

func newTestSupervisor(t *testing.T, entries []AllowListEntry) *Supervisor {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "umbilical.sock")
	sup, err := New(Config{
		SocketPath: sockPath,
		AllowList:  NewAllowList(entries),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sup.listener.Close() })
	return sup
}
