package procstat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadReturnsNonZeroRSSOnLinux(t *testing.T) {
	s := Read()
	require.Greater(t, s.RSSBytes, uint64(0))
}
