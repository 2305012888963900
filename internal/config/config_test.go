package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestFromEnvironmentAppliesOverrides(t *testing.T) {
	t.Setenv("CELL_SOCKET_DIR", "/tmp/cell-run")
	t.Setenv("CELL_ORGANISM", "test-organism")
	t.Setenv("CELL_RING_CAPACITY", "65536")
	t.Setenv("CELL_MAX_CONNECTIONS", "16")
	t.Setenv("CELL_RETRY_MAX", "3")

	cfg, err := FromEnvironment()
	require.NoError(t, err)
	require.Equal(t, "/tmp/cell-run", cfg.SocketDir)
	require.Equal(t, "test-organism", cfg.Organism)
	require.Equal(t, uint64(65536), cfg.RingCapacity)
	require.Equal(t, 16, cfg.MaxConnections)
	require.Equal(t, 3, cfg.RetryMax)
}

func TestValidateRejectsNonPowerOfTwoRingCapacity(t *testing.T) {
	cfg := Default()
	cfg.RingCapacity = 100000
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsRingCapacityBelowMinimum(t *testing.T) {
	cfg := Default()
	cfg.RingCapacity = 1024
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsOversizeMaxFrame(t *testing.T) {
	cfg := Default()
	cfg.MaxFrame = 17 << 20
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsRetryMaxAboveAbsoluteCeiling(t *testing.T) {
	cfg := Default()
	cfg.RetryMax = 101
	require.Error(t, cfg.Validate())
}

func TestEndpointPaths(t *testing.T) {
	cfg := Default()
	cfg.SocketDir = "/run/cell"
	cfg.Organism = "prod"

	require.Equal(t, "/run/cell/prod/echo.sock", cfg.OrganismSocketPath("echo"))
	require.Equal(t, "/run/cell/global/echo.sock", cfg.GlobalSocketPath("echo"))
	require.Equal(t, "/run/cell/mitosis.sock", cfg.UmbilicalSocketPath())
}
