package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// RootEntry is one root server definition from the bootstrap file.
type RootEntry struct {
	Identity  string   `yaml:"identity"`  // public identity "address:keys"
	Endpoints []string `yaml:"endpoints"` // ip:port bootstrap addresses
}

type rootsFile struct {
	Roots []RootEntry `yaml:"roots"`
}

// LoadRoots reads the root server bootstrap file. A missing file is not
// an error: a rootless node can still accept direct connections, it just
// cannot resolve identities or rendezvous.
func LoadRoots(path string) ([]RootEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read roots file: %w", err)
	}
	var rf rootsFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse roots file: %w", err)
	}
	for i, r := range rf.Roots {
		if r.Identity == "" {
			return nil, fmt.Errorf("roots[%d]: identity is required", i)
		}
		for _, ep := range r.Endpoints {
			if _, err := netip.ParseAddrPort(ep); err != nil {
				return nil, fmt.Errorf("roots[%d]: invalid endpoint %q", i, ep)
			}
		}
	}
	return rf.Roots, nil
}
