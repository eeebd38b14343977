package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// OverrideFileName is the optional per-repository settings file, placed at
// the repository root.
const OverrideFileName = ".devpeace.toml"

// RepoOverride holds repository-local settings that take precedence over
// the daemon configuration for that repository.
type RepoOverride struct {
	Name        string   `toml:"name"`
	Enabled     *bool    `toml:"enabled"`
	ProjectKeys []string `toml:"project_keys"`
}

// LoadRepoOverride reads .devpeace.toml from the repository root. A missing
// file is not an error and yields an empty override.
func LoadRepoOverride(repoPath string) (*RepoOverride, error) {
	path := filepath.Join(repoPath, OverrideFileName)

	var ov RepoOverride
	if _, err := toml.DecodeFile(path, &ov); err != nil {
		if os.IsNotExist(err) {
			return &ov, nil
		}
		return nil, fmt.Errorf("parse %s: %w", OverrideFileName, err)
	}

	return &ov, nil
}

// ProjectKeysFor merges the daemon-wide project key prefixes with any
// repository-local ones.
func (c *Config) ProjectKeysFor(ov *RepoOverride) []string {
	if ov == nil || len(ov.ProjectKeys) == 0 {
		return c.Tracking.ProjectKeys
	}

	seen := make(map[string]struct{}, len(c.Tracking.ProjectKeys))
	merged := make([]string, 0, len(c.Tracking.ProjectKeys)+len(ov.ProjectKeys))
	for _, k := range c.Tracking.ProjectKeys {
		seen[k] = struct{}{}
		merged = append(merged, k)
	}
	for _, k := range ov.ProjectKeys {
		if _, ok := seen[k]; !ok {
			merged = append(merged, k)
		}
	}
	return merged
}
