package profile

import (
	"path/filepath"
	"strings"
)

const (
	// StandardRootName is the search root every project gets.
	StandardRootName = "databases"

	// EnvDatabases names one additional search root.
	EnvDatabases = "DBMATRIX_DATABASES"
	// EnvIgnore holds a comma-separated list of profile names to exclude.
	EnvIgnore = "DBMATRIX_IGNORE"
)

// LookupEnv matches os.LookupEnv.
type LookupEnv func(key string) (string, bool)

// DefaultSearchDirectories returns <projectDir>/databases followed by the
// directory named in DBMATRIX_DATABASES, if set.
func DefaultSearchDirectories(projectDir string, lookup LookupEnv) []string {
	dirs := []string{filepath.Join(projectDir, StandardRootName)}
	if lookup == nil {
		return dirs
	}
	if extra, ok := lookup(EnvDatabases); ok && strings.TrimSpace(extra) != "" {
		extra = strings.TrimSpace(extra)
		if !filepath.IsAbs(extra) {
			extra = filepath.Join(projectDir, extra)
		}
		dirs = append(dirs, extra)
	}
	return dirs
}

// ConfiguredExcludes parses DBMATRIX_IGNORE.
func ConfiguredExcludes(lookup LookupEnv) []string {
	if lookup == nil {
		return nil
	}
	raw, ok := lookup(EnvIgnore)
	if !ok {
		return nil
	}
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}
