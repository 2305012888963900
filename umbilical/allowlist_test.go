package umbilical

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowListLookup(t *testing.T) {
	al := NewAllowList([]AllowListEntry{
		{Name: "echo", Path: "/bin/echo"},
	})

	entry, ok := al.Lookup("echo")
	require.True(t, ok)
	require.Equal(t, "/bin/echo", entry.Path)

	_, ok = al.Lookup("unknown")
	require.False(t, ok)
}

func TestLoadAllowListFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.yaml")
	doc := `
- name: echo
  path: /bin/echo
  args: ["hi"]
- name: sleeper
  path: /bin/sleep
  user: nobody
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	al, err := LoadAllowList(path)
	require.NoError(t, err)

	entry, ok := al.Lookup("sleeper")
	require.True(t, ok)
	require.Equal(t, "nobody", entry.User)

	_, ok = al.Lookup("ghost")
	require.False(t, ok)
}
