package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cochaviz/dbmatrix/internal/allocation"
)

// NodeLifecycle drives the allocation of one node through its hooks and
// remembers the test class that ran last, so the database is reset exactly
// once per class change.
type NodeLifecycle struct {
	allocator Allocator
	run       *allocation.RunContext
	logger    *slog.Logger

	mu           sync.Mutex
	alloc        allocation.Allocation
	prepared     bool
	finished     bool
	currentClass string
	resets       int
	resetErrs    []error
}

func newNodeLifecycle(allocator Allocator, run *allocation.RunContext, logger *slog.Logger) *NodeLifecycle {
	return &NodeLifecycle{allocator: allocator, run: run, logger: logger}
}

// PreRun leases the allocation of the node's profile and prepares it.
func (l *NodeLifecycle) PreRun(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return fmt.Errorf("prepare %s: %w", l.run.Profile, allocation.ErrReleased)
	}
	if l.prepared {
		return nil
	}

	alloc, err := l.allocator.GetAllocation(ctx, l.run.Profile)
	if err != nil {
		return fmt.Errorf("lease %s: %w", l.run.Profile, err)
	}
	l.alloc = alloc
	if err := alloc.PrepareForExecution(ctx, l.run); err != nil {
		return err
	}
	l.prepared = true
	l.logger.Info("node prepared")
	return nil
}

// BeforeTest resets the allocation when test starts a new class, including
// the first one. The class change is recorded even when the reset fails, so
// a class is reset at most once per change. A failed reset is returned as a
// *allocation.ResetError and kept for ResetErrors; the run continues.
func (l *NodeLifecycle) BeforeTest(ctx context.Context, test TestDescriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.prepared || l.alloc == nil {
		return fmt.Errorf("before test %s: %w", test.ClassName, allocation.ErrNotPrepared)
	}
	if l.finished {
		return fmt.Errorf("before test %s: %w", test.ClassName, allocation.ErrReleased)
	}
	if l.resets > 0 && test.ClassName == l.currentClass {
		return nil
	}

	l.currentClass = test.ClassName
	l.resets++
	if err := l.alloc.BeforeTestClass(ctx); err != nil {
		var resetErr *allocation.ResetError
		if !errors.As(err, &resetErr) {
			resetErr = &allocation.ResetError{Profile: l.run.Profile, Attempt: l.resets, Err: err}
		}
		l.resetErrs = append(l.resetErrs, fmt.Errorf("class %s: %w", test.ClassName, resetErr))
		l.logger.Warn("database reset failed, continuing", "class", test.ClassName, "error", err)
		return resetErr
	}
	l.logger.Debug("database reset for test class", "class", test.ClassName)
	return nil
}

// Finish releases the allocation. It is safe to call more than once and
// before PreRun.
func (l *NodeLifecycle) Finish(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished || l.alloc == nil {
		l.finished = true
		return nil
	}
	l.finished = true
	return l.alloc.Release(ctx)
}

func (l *NodeLifecycle) CurrentClass() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentClass
}

// Resets counts the resets this node requested.
func (l *NodeLifecycle) Resets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resets
}

// ResetErrors returns the resets that failed, in the order they happened.
func (l *NodeLifecycle) ResetErrors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.resetErrs...)
}
