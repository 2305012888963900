package umbilical

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AllowListEntry describes one spawnable cell program.
type AllowListEntry struct {
	Name    string   `yaml:"name"`
	Path    string   `yaml:"path"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
	User    string   `yaml:"user,omitempty"`
	CPUQuota float64 `yaml:"cpu_quota,omitempty"` // fraction of one core, 0 = unlimited
	MemoryLimitBytes uint64 `yaml:"memory_limit_bytes,omitempty"`
}

// AllowList gates Spawn requests: an unknown name is always denied (spec
// §4: "unknown names denied").
type AllowList struct {
	entries map[string]AllowListEntry
}

// LoadAllowList reads a YAML file of allow-list entries, seeded the way
// spec §4.8 describes ("seeded from an operator-maintained file").
func LoadAllowList(path string) (*AllowList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read allow-list %s: %w", path, err)
	}
	var entries []AllowListEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse allow-list %s: %w", path, err)
	}
	return NewAllowList(entries), nil
}

func NewAllowList(entries []AllowListEntry) *AllowList {
	m := make(map[string]AllowListEntry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return &AllowList{entries: m}
}

func (a *AllowList) Lookup(name string) (AllowListEntry, bool) {
	e, ok := a.entries[name]
	return e, ok
}
