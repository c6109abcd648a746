package allocation

import (
	"maps"
	"slices"
	"sync"

	"github.com/cochaviz/dbmatrix/internal/profile"
)

// RunContext is the per-node execution configuration an allocation may
// adjust during PrepareForExecution.
//
// The effective properties are layered as overrides > injected > base,
// where base already holds the profile properties over the defaults.
type RunContext struct {
	Node       string
	Profile    string
	WorkingDir string

	mu        sync.Mutex
	base      profile.Properties
	injected  profile.Properties
	overrides profile.Properties
	env       map[string]string
	classpath []string
}

func NewRunContext(node, profileName, workingDir string, base, overrides profile.Properties) *RunContext {
	return &RunContext{
		Node:       node,
		Profile:    profileName,
		WorkingDir: workingDir,
		base:       base,
		overrides:  overrides,
		env:        map[string]string{},
	}
}

// SetProperty injects a property. It reports false when an explicit
// override for key exists, in which case the override stays effective.
func (rc *RunContext) SetProperty(key, value string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.injected = rc.injected.With(key, value)
	_, overridden := rc.overrides.Get(key)
	return !overridden
}

func (rc *RunContext) Property(key string) (string, bool) {
	return rc.Properties().Get(key)
}

// Properties returns the effective property set.
func (rc *RunContext) Properties() profile.Properties {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.base.Merge(rc.injected).Merge(rc.overrides)
}

// Injected returns only the properties set by the allocation.
func (rc *RunContext) Injected() profile.Properties {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.injected
}

func (rc *RunContext) SetEnv(key, value string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.env[key] = value
}

func (rc *RunContext) Environment() map[string]string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return maps.Clone(rc.env)
}

// AddClasspath prepends entries ahead of the base classpath.
func (rc *RunContext) AddClasspath(entries ...string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.classpath = append(rc.classpath, entries...)
}

func (rc *RunContext) Classpath() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return slices.Clone(rc.classpath)
}
