package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/dbmatrix/internal/allocation"
	"github.com/cochaviz/dbmatrix/internal/allocation/providers/container"
	"github.com/cochaviz/dbmatrix/internal/allocation/providers/libvirt"
	"github.com/cochaviz/dbmatrix/internal/allocation/providers/local"
	"github.com/cochaviz/dbmatrix/internal/allocation/providers/static"
	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/matrix"
	"github.com/cochaviz/dbmatrix/internal/profile"
	"github.com/cochaviz/dbmatrix/internal/profile/script"
	"github.com/cochaviz/dbmatrix/internal/runner"
	"github.com/cochaviz/dbmatrix/internal/setup"
)

const RootScopeName = "root"

// Project ties the settings to the directory they apply to.
type Project struct {
	Dir      string
	Settings Settings
	Lookup   profile.LookupEnv
	Logger   *slog.Logger
}

func (p Project) logger() *slog.Logger {
	return logging.Ensure(p.Logger).With("component", "config")
}

func (p Project) abs(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func (p Project) sources() []profile.Source {
	evaluator := script.New(
		script.WithTimeout(p.Settings.ScriptTimeout),
		script.WithLookupEnv(p.Lookup),
	)
	return profile.DefaultSources(evaluator, p.Logger)
}

func (p Project) rootScope() *profile.Scope {
	dirs := profile.DefaultSearchDirectories(p.Dir, p.Lookup)
	for _, dir := range p.Settings.SearchDirectories {
		dirs = append(dirs, p.abs(p.Dir, dir))
	}
	scope := profile.NewScope(RootScopeName,
		profile.WithLogger(p.Logger),
		profile.WithSources(p.sources()...),
		profile.WithSearchDirectories(dirs...),
		profile.WithExcludes(p.Settings.Exclude...),
	)
	if p.Settings.Include != nil {
		_ = scope.SetIncludes(p.Settings.Include)
	}
	_ = scope.SetEnabled(p.Settings.IsEnabled())
	return scope
}

// Scope returns the scope of module, or the project scope when module is
// empty. A module scope imports the profiles of the project scope.
func (p Project) Scope(module string) (*profile.Scope, error) {
	root := p.rootScope()
	if module == "" {
		return root, nil
	}

	m, ok := p.Settings.Module(module)
	if !ok {
		return nil, fmt.Errorf("unknown module %q", module)
	}
	dir := m.Directory
	if dir == "" {
		dir = m.Name
	}
	moduleDir := p.abs(p.Dir, dir)

	dirs := profile.DefaultSearchDirectories(moduleDir, p.Lookup)
	for _, d := range m.SearchDirectories {
		dirs = append(dirs, p.abs(moduleDir, d))
	}
	scope := profile.NewScope(m.Name,
		profile.WithLogger(p.Logger),
		profile.WithSources(p.sources()...),
		profile.WithSearchDirectories(dirs...),
		profile.WithExcludes(append(append([]string(nil), p.Settings.Exclude...), m.Exclude...)...),
	)
	if m.Include != nil {
		_ = scope.SetIncludes(m.Include)
	}
	enabled := p.Settings.IsEnabled()
	if m.Enabled != nil {
		enabled = *m.Enabled
	}
	_ = scope.SetEnabled(enabled)
	if err := scope.SetParent(root); err != nil {
		return nil, err
	}
	return scope, nil
}

// ListProfiles resolves the scope of module.
func (p Project) ListProfiles(module string) (profile.ProfileSet, []profile.MergeEvent, error) {
	scope, err := p.Scope(module)
	if err != nil {
		return profile.ProfileSet{}, nil, err
	}
	set, err := scope.Resolve()
	if err != nil {
		return profile.ProfileSet{}, nil, err
	}
	return set, scope.Merges(), nil
}

// NewRegistry builds the registry with every configured provider.
func (p Project) NewRegistry(profiles allocation.ProfileLookup, opts ...allocation.RegistryOption) (*allocation.Registry, error) {
	logger := logging.Ensure(p.Logger)
	opts = append([]allocation.RegistryOption{
		allocation.WithLogger(logger),
		allocation.WithNodeName(matrix.TargetName),
	}, opts...)
	registry := allocation.NewRegistry(profiles, opts...)
	registry.Register(local.New(logger))

	cfg := p.Settings.Allocation
	var errs []error
	for _, c := range cfg.Static {
		provider, err := static.New(c, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		registry.Register(provider)
	}
	for _, c := range cfg.Containers {
		provider, err := container.New(c, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		registry.Register(provider)
	}
	for _, c := range cfg.Libvirt {
		provider, err := libvirt.New(c, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		registry.Register(provider)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	lookup := func(name string) (allocation.Provider, error) {
		provider, ok := registry.Provider(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not configured", allocation.ErrNoProvider, name)
		}
		return provider, nil
	}

	defaultName := cfg.DefaultProvider
	if defaultName == "" {
		defaultName = local.Name
	}
	fallback, err := lookup(defaultName)
	if err != nil {
		return nil, err
	}
	registry.SetDefault(fallback)

	for profileName, providerName := range cfg.Profiles {
		provider, err := lookup(providerName)
		if err != nil {
			return nil, err
		}
		registry.Assign(profileName, provider)
	}
	for _, rule := range cfg.Rules {
		provider, err := lookup(rule.Provider)
		if err != nil {
			return nil, err
		}
		if err := registry.AddRule(rule.When, provider); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Matrix is a planned run.
type Matrix struct {
	Scope        *profile.Scope
	Profiles     profile.ProfileSet
	Registry     *allocation.Registry
	Orchestrator *matrix.Orchestrator
	Nodes        []*matrix.Node
}

// Plan resolves module and plans one node per profile.
func (p Project) Plan(module string, opts ...allocation.RegistryOption) (*Matrix, error) {
	scope, err := p.Scope(module)
	if err != nil {
		return nil, err
	}
	profiles, err := scope.Resolve()
	if err != nil {
		return nil, err
	}
	registry, err := p.NewRegistry(profiles, opts...)
	if err != nil {
		return nil, err
	}

	outputDir := p.abs(p.Dir, p.Settings.OutputDir)
	if module != "" {
		outputDir = filepath.Join(outputDir, module)
	}
	classpath := make([]string, 0, len(p.Settings.Classpath))
	for _, entry := range p.Settings.Classpath {
		classpath = append(classpath, p.abs(p.Dir, entry))
	}
	orchestrator := matrix.NewOrchestrator(registry, outputDir,
		matrix.WithLogger(p.Logger),
		matrix.WithDefaults(p.Settings.Properties),
		matrix.WithOverrides(p.Settings.Overrides),
		matrix.WithClasspath(classpath...),
		matrix.WithEnabled(scope.Enabled()),
	)
	nodes, err := orchestrator.Plan(profiles.List())
	if err != nil {
		return nil, err
	}
	return &Matrix{
		Scope:        scope,
		Profiles:     profiles,
		Registry:     registry,
		Orchestrator: orchestrator,
		Nodes:        nodes,
	}, nil
}

type RunOptions struct {
	Module   string
	Command  []string
	Parallel int
	Echo     io.Writer
}

// Run plans the matrix, runs the command once per node and releases every
// lease. The returned error joins node failures and teardown errors.
func (p Project) Run(ctx context.Context, opts RunOptions) ([]runner.Result, error) {
	logger := p.logger()

	if err := setup.Prepare(p.Settings.StateDir); err != nil {
		return nil, err
	}
	m, err := p.Plan(opts.Module, allocation.WithJournal(setup.LeaseJournal(p.Settings.StateDir)))
	if err != nil {
		return nil, err
	}
	if len(m.Nodes) == 0 {
		logger.Warn("no matrix nodes to run", "module", opts.Module)
		return nil, nil
	}

	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = p.Settings.Parallel
	}
	r, err := runner.New(runner.Options{
		Command:  opts.Command,
		Parallel: parallel,
		Echo:     opts.Echo,
		Logger:   p.Logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("running matrix", "nodes", len(m.Nodes), "run_id", m.Registry.RunID(), "parallel", parallel)
	results, runErr := r.Run(ctx, m.Nodes)
	teardownErr := m.Orchestrator.Teardown(context.WithoutCancel(ctx))

	return results, errors.Join(runErr, runner.Failures(results), teardownErr)
}

// Leases lists the journal entries of leases that are still held, or were
// left behind by a process that did not release them.
func (p Project) Leases() ([]allocation.LeaseRecord, error) {
	return setup.LeaseJournal(p.Settings.StateDir).ListActive()
}

// PruneLeases removes journal entries of processes that no longer exist.
func (p Project) PruneLeases() ([]allocation.LeaseRecord, error) {
	return setup.PruneLeases(setup.LeaseJournal(p.Settings.StateDir))
}

// WorkingDir returns the current directory, for callers that do not pass a
// project directory.
func WorkingDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine project directory: %w", err)
	}
	return dir, nil
}
