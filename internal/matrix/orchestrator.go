// Package matrix turns a resolved profile set into one execution node per
// profile and binds each node to the allocation lifecycle.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/cochaviz/dbmatrix/internal/allocation"
	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/profile"
)

const (
	TargetPrefix = "matrix_"
	ReportsDir   = "reports"
	ResultsDir   = "results"
)

// Allocator hands out allocations for profile names. *allocation.Registry
// satisfies it.
type Allocator interface {
	GetAllocation(ctx context.Context, profileName string) (allocation.Allocation, error)
	ReleaseAll(ctx context.Context) error
}

// TargetName is the execution target name of the node for profileName.
func TargetName(profileName string) string {
	return TargetPrefix + profileName
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithDefaults sets the lowest-precedence properties of every node.
func WithDefaults(props profile.Properties) Option {
	return func(o *Orchestrator) { o.defaults = props }
}

// WithOverrides sets run-level properties that win over everything else.
func WithOverrides(props profile.Properties) Option {
	return func(o *Orchestrator) { o.overrides = props }
}

// WithClasspath sets the classpath entries appended to every node.
func WithClasspath(entries ...string) Option {
	return func(o *Orchestrator) { o.classpath = slices.Clone(entries) }
}

func WithEnabled(enabled bool) Option {
	return func(o *Orchestrator) { o.enabled = enabled }
}

type Orchestrator struct {
	allocator Allocator
	outputDir string
	defaults  profile.Properties
	overrides profile.Properties
	classpath []string
	enabled   bool
	logger    *slog.Logger
}

func NewOrchestrator(allocator Allocator, outputDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		allocator: allocator,
		outputDir: outputDir,
		enabled:   true,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.Ensure(o.logger).With("component", "matrix")
	return o
}

// Plan creates one node per profile, in profile order. A disabled
// orchestrator plans nothing.
func (o *Orchestrator) Plan(profiles []profile.Profile) ([]*Node, error) {
	if !o.enabled {
		o.logger.Info("matrix disabled, no nodes planned")
		return nil, nil
	}

	nodes := make([]*Node, 0, len(profiles))
	for _, p := range profiles {
		node, err := o.plan(p)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	o.logger.Info("matrix planned", "nodes", len(nodes))
	return nodes, nil
}

func (o *Orchestrator) plan(p profile.Profile) (*Node, error) {
	workDir, err := filepath.Abs(filepath.Join(o.outputDir, p.Name))
	if err != nil {
		return nil, fmt.Errorf("resolve working directory for %s: %w", p.Name, err)
	}
	reports := filepath.Join(workDir, ReportsDir)
	results := filepath.Join(workDir, ResultsDir)
	for _, dir := range []string{reports, results} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create node directory %s: %w", dir, err)
		}
	}

	target := TargetName(p.Name)
	base := o.defaults.Merge(p.Properties)
	rc := allocation.NewRunContext(target, p.Name, workDir, base, o.overrides)

	var deps []string
	if p.Dependency != nil {
		deps = p.Dependency.Entries()
	}

	node := &Node{
		Target:     target,
		Profile:    p,
		WorkingDir: workDir,
		ReportsDir: reports,
		ResultsDir: results,
		deps:       deps,
		base:       o.classpath,
		run:        rc,
	}
	node.lifecycle = newNodeLifecycle(o.allocator, rc, o.logger.With("node", target, "profile", p.Name))
	o.logger.Debug("node planned", "node", target, "working_dir", workDir)
	return node, nil
}

// Teardown releases every allocation leased during the run.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	if err := o.allocator.ReleaseAll(ctx); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}
