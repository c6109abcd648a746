package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/dbmatrix/internal/allocation/providers/container"
	"github.com/cochaviz/dbmatrix/internal/allocation/providers/libvirt"
	"github.com/cochaviz/dbmatrix/internal/allocation/providers/static"
	"github.com/cochaviz/dbmatrix/internal/profile"
	"github.com/cochaviz/dbmatrix/internal/setup"
)

const (
	FileName         = "dbmatrix.yaml"
	DefaultOutputDir = "build/matrix"

	EnvOutputDir = "DBMATRIX_OUTPUT_DIR"
	EnvEnabled   = "DBMATRIX_ENABLED"
	EnvParallel  = "DBMATRIX_PARALLEL"
)

// Settings is the layered configuration of one project.
type Settings struct {
	Enabled           *bool              `yaml:"enabled"`
	SearchDirectories []string           `yaml:"searchDirectories"`
	Include           []string           `yaml:"include"`
	Exclude           []string           `yaml:"exclude"`
	OutputDir         string             `yaml:"outputDir"`
	StateDir          string             `yaml:"stateDir"`
	Parallel          int                `yaml:"parallel"`
	ScriptTimeout     time.Duration      `yaml:"scriptTimeout"`
	Classpath         []string           `yaml:"classpath"`
	Modules           []Module           `yaml:"modules"`
	Properties        profile.Properties `yaml:"properties"`
	Overrides         profile.Properties `yaml:"overrides"`
	Allocation        Allocation         `yaml:"allocation"`
}

// Module is a child scope that sees the profiles of the project scope.
type Module struct {
	Name string `yaml:"name"`
	// Directory defaults to Name, relative to the project directory.
	Directory         string   `yaml:"directory"`
	SearchDirectories []string `yaml:"searchDirectories"`
	Include           []string `yaml:"include"`
	Exclude           []string `yaml:"exclude"`
	Enabled           *bool    `yaml:"enabled"`
}

type Rule struct {
	When     string `yaml:"when"`
	Provider string `yaml:"provider"`
}

type Allocation struct {
	// DefaultProvider serves profiles no other selection matched. Defaults
	// to "local".
	DefaultProvider string             `yaml:"defaultProvider"`
	Profiles        map[string]string  `yaml:"profiles"`
	Rules           []Rule             `yaml:"rules"`
	Static          []static.Config    `yaml:"static"`
	Containers      []container.Config `yaml:"containers"`
	Libvirt         []libvirt.Config   `yaml:"libvirt"`
}

func Default() Settings {
	enabled := true
	return Settings{
		Enabled:   &enabled,
		OutputDir: DefaultOutputDir,
		StateDir:  setup.DefaultStateDir(),
		Parallel:  1,
	}
}

func (s Settings) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Load layers defaults, the settings file and the environment. An empty path
// means <projectDir>/dbmatrix.yaml, which may be absent.
func Load(projectDir, path string, lookup profile.LookupEnv) (Settings, error) {
	settings := Default()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(projectDir, FileName)
	}
	if _, err := os.Stat(path); err == nil || explicit {
		file, err := loadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("error loading settings from %s: %w", path, err)
		}
		settings = merge(settings, file)
	}

	if err := applyEnvironment(&settings, lookup); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func loadFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, err
	}
	return s, nil
}

// merge overlays the fields set in overlay onto base.
func merge(base, overlay Settings) Settings {
	out := base
	if overlay.Enabled != nil {
		out.Enabled = overlay.Enabled
	}
	out.SearchDirectories = append(out.SearchDirectories, overlay.SearchDirectories...)
	if overlay.Include != nil {
		out.Include = overlay.Include
	}
	out.Exclude = append(out.Exclude, overlay.Exclude...)
	if overlay.OutputDir != "" {
		out.OutputDir = overlay.OutputDir
	}
	if overlay.StateDir != "" {
		out.StateDir = overlay.StateDir
	}
	if overlay.Parallel > 0 {
		out.Parallel = overlay.Parallel
	}
	if overlay.ScriptTimeout > 0 {
		out.ScriptTimeout = overlay.ScriptTimeout
	}
	out.Classpath = append(out.Classpath, overlay.Classpath...)
	out.Modules = append(out.Modules, overlay.Modules...)
	out.Properties = out.Properties.Merge(overlay.Properties)
	out.Overrides = out.Overrides.Merge(overlay.Overrides)
	out.Allocation = mergeAllocation(out.Allocation, overlay.Allocation)
	return out
}

func mergeAllocation(base, overlay Allocation) Allocation {
	out := base
	if overlay.DefaultProvider != "" {
		out.DefaultProvider = overlay.DefaultProvider
	}
	if len(overlay.Profiles) > 0 {
		profiles := maps.Clone(base.Profiles)
		if profiles == nil {
			profiles = map[string]string{}
		}
		maps.Copy(profiles, overlay.Profiles)
		out.Profiles = profiles
	}
	out.Rules = append(out.Rules, overlay.Rules...)
	out.Static = append(out.Static, overlay.Static...)
	out.Containers = append(out.Containers, overlay.Containers...)
	out.Libvirt = append(out.Libvirt, overlay.Libvirt...)
	return out
}

func applyEnvironment(s *Settings, lookup profile.LookupEnv) error {
	if lookup == nil {
		return nil
	}
	s.Exclude = append(s.Exclude, profile.ConfiguredExcludes(lookup)...)
	if v, ok := lookup(EnvOutputDir); ok && strings.TrimSpace(v) != "" {
		s.OutputDir = strings.TrimSpace(v)
	}
	if v, ok := lookup(setup.EnvStateDir); ok && strings.TrimSpace(v) != "" {
		s.StateDir = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvEnabled); ok && strings.TrimSpace(v) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvEnabled, err)
		}
		s.Enabled = &enabled
	}
	if v, ok := lookup(EnvParallel); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: expected a positive integer, got %q", EnvParallel, v)
		}
		s.Parallel = n
	}
	return nil
}

// Module returns the module with the given name.
func (s Settings) Module(name string) (Module, bool) {
	for _, m := range s.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return Module{}, false
}
