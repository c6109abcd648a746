// Package allocation binds matrix nodes to database instances.
//
// A Provider builds an Allocation for a profile. The Registry owns one
// Lease per profile for the lifetime of a run; the lease wraps the
// provider's allocation, serializes calls into it and tracks its lifecycle:
//
//	unleased -> leased -> prepared -> (reset)* -> released
package allocation

import (
	"context"

	"github.com/cochaviz/dbmatrix/internal/profile"
)

// Allocation is the capability a matrix node drives.
type Allocation interface {
	// PrepareForExecution configures the run before the node starts. It may
	// inject connection properties into rc.
	PrepareForExecution(ctx context.Context, rc *RunContext) error
	// BeforeTestClass brings the database back to a clean state.
	BeforeTestClass(ctx context.Context) error
	// Release gives the database back.
	Release(ctx context.Context) error
}

// CleanupHandle collects teardown work that has to run when the lease is
// released, including when building the allocation fails halfway.
type CleanupHandle interface {
	Register(name string, fn func(ctx context.Context) error)
}

// Provider builds allocations. BuildAllocation returns an error matching
// ErrUnavailable when it has no capacity left.
type Provider interface {
	Name() string
	BuildAllocation(ctx context.Context, p profile.Profile, cleanup CleanupHandle) (Allocation, error)
}

// Describer is implemented by allocations that can report where they live.
// The metadata ends up in the lease journal.
type Describer interface {
	Describe() map[string]string
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc struct {
	ProviderName string
	Build        func(ctx context.Context, p profile.Profile, cleanup CleanupHandle) (Allocation, error)
}

func (f ProviderFunc) Name() string {
	return f.ProviderName
}

func (f ProviderFunc) BuildAllocation(ctx context.Context, p profile.Profile, cleanup CleanupHandle) (Allocation, error) {
	return f.Build(ctx, p, cleanup)
}

// Funcs adapts plain functions to Allocation. Nil functions are no-ops.
type Funcs struct {
	Prepare func(ctx context.Context, rc *RunContext) error
	Reset   func(ctx context.Context) error
	Free    func(ctx context.Context) error
}

func (f Funcs) PrepareForExecution(ctx context.Context, rc *RunContext) error {
	if f.Prepare == nil {
		return nil
	}
	return f.Prepare(ctx, rc)
}

func (f Funcs) BeforeTestClass(ctx context.Context) error {
	if f.Reset == nil {
		return nil
	}
	return f.Reset(ctx)
}

func (f Funcs) Release(ctx context.Context) error {
	if f.Free == nil {
		return nil
	}
	return f.Free(ctx)
}
