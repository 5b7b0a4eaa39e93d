package config

import (
	"fmt"
	"path/filepath"
)

// Section is one top-level block of config.yml. Every section goes through
// the same steps after the YAML files are merged.
type Section interface {
	ApplyDefaults()
	ApplyEnvOverrides()
	// ResolvePaths anchors relative paths: definition sources at configDir,
	// runtime data (logs, pebble) at dataDir.
	ResolvePaths(configDir, dataDir string)
	Validate() error
}

type namedSection struct {
	name string
	Section
}

// finalize runs the section lifecycle in order and stops at the first
// invalid section, naming it in the error.
func finalize(configDir, dataDir string, sections ...namedSection) error {
	for _, s := range sections {
		s.ApplyDefaults()
		s.ApplyEnvOverrides()
		s.ResolvePaths(configDir, dataDir)
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
